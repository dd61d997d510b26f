package booking

import (
	"fmt"
	"time"
)

// PaymentStatus is the payment state of a session as reported by the booking API.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// SessionStatus is the lifecycle state of a booked session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusConfirmed SessionStatus = "confirmed"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
	StatusNoShow    SessionStatus = "no-show"
)

// TimeoutStatus is the server-side view of the payment window for a session.
type TimeoutStatus string

const (
	TimeoutActive    TimeoutStatus = "active"
	TimeoutExpired   TimeoutStatus = "expired"
	TimeoutCompleted TimeoutStatus = "completed"
)

// PaymentSession is one booked session awaiting (or past) payment.
// TimeoutAt is an absolute deadline; nil means no payment window is open.
type PaymentSession struct {
	BookingID         string        `json:"bookingId"`
	SessionID         string        `json:"sessionId"`
	UserID            string        `json:"userId"`
	ExpertName        string        `json:"expertName"`
	Title             string        `json:"title"`
	ScheduledAt       time.Time     `json:"scheduledAt"`
	DurationMinutes   int           `json:"durationMinutes"`
	Price             float64       `json:"price"`
	Currency          string        `json:"currency"`
	PaymentStatus     PaymentStatus `json:"paymentStatus"`
	Status            SessionStatus `json:"status"`
	TimeoutAt         *time.Time    `json:"timeoutAt,omitempty"`
	TimeoutStatus     TimeoutStatus `json:"timeoutStatus,omitempty"`
	LoyaltyPointsUsed int           `json:"loyaltyPointsUsed,omitempty"`
}

// Key returns the composite identity used across the registry and handled set.
func (s PaymentSession) Key() string {
	return Key(s.BookingID, s.SessionID)
}

// Key builds the "{bookingId}_{sessionId}" composite key.
func Key(bookingID, sessionID string) string {
	return fmt.Sprintf("%s_%s", bookingID, sessionID)
}

// AwaitingPayment reports whether the session still has an open payment window
// worth tracking.
func (s PaymentSession) AwaitingPayment() bool {
	return s.PaymentStatus == PaymentPending && s.Status != StatusCancelled
}

// Normalize applies the load-time invariant: a cancelled session is never
// still awaiting payment. Returns true if the session was rewritten.
func (s *PaymentSession) Normalize() bool {
	if s.Status == StatusCancelled && s.PaymentStatus == PaymentPending {
		s.PaymentStatus = PaymentFailed
		return true
	}
	return false
}

// Pagination mirrors the booking API's list envelope.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}
