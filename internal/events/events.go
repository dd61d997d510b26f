// Package events defines the domain events the payment watcher emits when a
// session's payment window changes state, and the publishers that carry them.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published to the payment event stream.
const (
	TypeSessionExpired    = "SessionExpired"
	TypeSessionCancelled  = "SessionCancelled"
	TypeReconcileFailed   = "ReconcileFailed"
	TypePaymentCompleted  = "PaymentCompleted"
	TypePaymentRolledBack = "PaymentRolledBack"
)

// Event is the envelope for one payment-window transition.
type Event struct {
	ID        uuid.UUID       `json:"eventId"`
	Type      string          `json:"eventType"`
	BookingID string          `json:"bookingId"`
	SessionID string          `json:"sessionId"`
	CreatedAt time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionExpiredPayload is emitted on first local detection of a lapsed
// payment window.
type SessionExpiredPayload struct {
	BookingID  string    `json:"booking_id"`
	SessionID  string    `json:"session_id"`
	Deadline   time.Time `json:"deadline"`
	DetectedAt time.Time `json:"detected_at"`
	// Source is "local" for a countdown hit, "server" when the backend
	// already reported the expiry.
	Source string `json:"source"`
}

// SessionCancelledPayload is emitted once the backend confirmed the
// expiry cancellation.
type SessionCancelledPayload struct {
	BookingID   string    `json:"booking_id"`
	SessionID   string    `json:"session_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// ReconcileFailedPayload is emitted when the cancel call burned through its
// retry budget; local state stays optimistically expired.
type ReconcileFailedPayload struct {
	BookingID string    `json:"booking_id"`
	SessionID string    `json:"session_id"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`
}

// PaymentCompletedPayload is emitted after a confirmed payment.
type PaymentCompletedPayload struct {
	BookingID         string    `json:"booking_id"`
	SessionID         string    `json:"session_id"`
	PaymentMethod     string    `json:"payment_method"`
	LoyaltyPointsUsed int       `json:"loyalty_points_used"`
	PaidAt            time.Time `json:"paid_at"`
}

// PaymentRolledBackPayload is emitted when an optimistic paid flip had to be
// reverted after a failed completion call.
type PaymentRolledBackPayload struct {
	BookingID    string    `json:"booking_id"`
	SessionID    string    `json:"session_id"`
	Error        string    `json:"error"`
	RolledBackAt time.Time `json:"rolled_back_at"`
}

// New builds an event envelope with a fresh ID and the marshalled payload.
func New(eventType, bookingID, sessionID string, at time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		BookingID: bookingID,
		SessionID: sessionID,
		CreatedAt: at,
		Payload:   data,
	}, nil
}
