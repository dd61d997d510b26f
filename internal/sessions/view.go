// Package sessions merges server-fetched session state, local optimistic
// edits, and timeout bookkeeping into the single list UI surfaces observe.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/harsh7274v/confiido-paywatch/internal/booking"
	"github.com/harsh7274v/confiido-paywatch/internal/events"
	"github.com/harsh7274v/confiido-paywatch/internal/handled"
	"github.com/harsh7274v/confiido-paywatch/internal/timeout"
)

// ErrUnknownSession is returned when an operation names a session the view
// has never fetched.
var ErrUnknownSession = errors.New("sessions: unknown session")

// API is the slice of the booking client the view depends on.
type API interface {
	FetchSessions(ctx context.Context, page, limit int) (*booking.SessionPage, error)
	CancelExpiredSession(ctx context.Context, bookingID, sessionID string) error
	CompletePayment(ctx context.Context, bookingID, sessionID string, req booking.CompletePaymentRequest) error
}

// Notifier pushes an event to the UI surfaces of one user.
type Notifier interface {
	NotifySession(userID string, event events.Event)
}

// Config tunes the view's fetch and reconciliation behavior.
type Config struct {
	PageLimit       int
	MaxPages        int
	RefetchDelay    time.Duration
	RefreshInterval time.Duration
	CancelAttempts  int
}

// DefaultConfig returns production defaults. The refetch after a successful
// cancellation is deliberately delayed so the backend has persisted the
// cancellation before we re-read it.
func DefaultConfig() Config {
	return Config{
		PageLimit:       20,
		MaxPages:        25,
		RefetchDelay:    time.Second,
		RefreshInterval: 2 * time.Minute,
		CancelAttempts:  5,
	}
}

// View owns the payment session list. All mutation goes through it; the
// registry and handled set are shared with the expiry detector.
type View struct {
	api        API
	registry   *timeout.Registry
	handledSet *handled.Set
	publisher  events.Publisher
	notifier   Notifier
	clock      clockwork.Clock
	cfg        Config

	mu       sync.RWMutex
	sessions map[string]booking.PaymentSession
}

// NewView creates a view. publisher and notifier may be nil.
func NewView(api API, registry *timeout.Registry, handledSet *handled.Set, publisher events.Publisher, notifier Notifier, clock clockwork.Clock, cfg Config) *View {
	if cfg.PageLimit <= 0 {
		cfg = DefaultConfig()
	}
	return &View{
		api:        api,
		registry:   registry,
		handledSet: handledSet,
		publisher:  publisher,
		notifier:   notifier,
		clock:      clock,
		cfg:        cfg,
		sessions:   make(map[string]booking.PaymentSession),
	}
}

// SetNotifier attaches the UI notifier. Called once during wiring, before
// any loop starts; the gateway and the view reference each other so one side
// is attached late.
func (v *View) SetNotifier(notifier Notifier) {
	v.notifier = notifier
}

// Refresh fetches the authoritative session list and replaces local state.
// The freshest fetch always wins over optimistic edits; a lost optimistic
// flip is corrected again by the next scheduled refresh. On error the
// existing in-memory list is left untouched.
func (v *View) Refresh(ctx context.Context) error {
	fetched, err := v.fetchAll(ctx)
	if err != nil {
		return err
	}

	now := v.clock.Now()
	next := make(map[string]booking.PaymentSession, len(fetched))

	for _, session := range fetched {
		if session.Normalize() {
			log.Debug().
				Str("booking_id", session.BookingID).
				Str("session_id", session.SessionID).
				Msg("normalized cancelled session to failed payment")
		}
		next[session.Key()] = session
		v.syncTimeout(ctx, session, now)
	}

	v.mu.Lock()
	v.sessions = next
	v.mu.Unlock()

	log.Debug().Int("sessions", len(next)).Msg("session list refreshed")
	return nil
}

func (v *View) fetchAll(ctx context.Context) ([]booking.PaymentSession, error) {
	var all []booking.PaymentSession
	for page := 1; page <= v.cfg.MaxPages; page++ {
		resp, err := v.api.FetchSessions(ctx, page, v.cfg.PageLimit)
		if err != nil {
			return nil, fmt.Errorf("fetch sessions page %d: %w", page, err)
		}
		all = append(all, resp.Sessions...)
		if page >= resp.Pagination.TotalPages {
			break
		}
	}
	return all, nil
}

// syncTimeout reconciles registry and handled-set state with one freshly
// fetched session.
func (v *View) syncTimeout(ctx context.Context, session booking.PaymentSession, now time.Time) {
	key := session.Key()

	if !session.AwaitingPayment() || session.TimeoutAt == nil {
		v.registry.Remove(session.BookingID, session.SessionID)
		return
	}

	// A handled key is resurrected only when the fetch shows a genuinely new
	// pending deadline: active server status and a future deadline the
	// registry has not seen. This reopens a legitimate retry timeline after
	// a payment or rejected expiry, while a reload that re-fetches the same
	// already-expired session stays inert.
	if v.handledSet.Contains(key) &&
		session.TimeoutStatus == booking.TimeoutActive &&
		session.TimeoutAt.After(now) {
		entry, tracked := v.registry.Get(session.BookingID, session.SessionID)
		if !tracked || !entry.Deadline.Equal(*session.TimeoutAt) {
			log.Info().
				Str("booking_id", session.BookingID).
				Str("session_id", session.SessionID).
				Time("deadline", *session.TimeoutAt).
				Msg("fresh pending deadline, re-arming handled session")
			v.handledSet.Remove(ctx, key)
			v.registry.Reset(session.BookingID, session.SessionID, *session.TimeoutAt)
		}
	}
}

// RunRefreshLoop re-fetches on a fixed long interval, catching server-side
// changes the watcher was never notified of (e.g. a sweep that expired a
// session while this process was down).
func (v *View) RunRefreshLoop(ctx context.Context) {
	ticker := v.clock.NewTicker(v.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("refresh loop shutting down")
			return
		case <-ticker.Chan():
			if err := v.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("background refresh failed, keeping stale sessions")
			}
		}
	}
}

// Sessions returns the merged session list ordered by scheduled time.
func (v *View) Sessions() []booking.PaymentSession {
	v.mu.RLock()
	out := make([]booking.PaymentSession, 0, len(v.sessions))
	for _, session := range v.sessions {
		out = append(out, session)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].Key() < out[j].Key()
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

// Session returns one session by identity.
func (v *View) Session(bookingID, sessionID string) (booking.PaymentSession, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	session, ok := v.sessions[booking.Key(bookingID, sessionID)]
	return session, ok
}

// MarkPaid applies the optimistic paid flip, tears down the countdown and
// marks the key handled synchronously (no tick may fire for it afterwards),
// then confirms with the backend. On backend failure the flip is rolled back
// and the countdown re-armed from the last known deadline, unless that
// deadline has itself passed, in which case the session goes straight to
// expired.
func (v *View) MarkPaid(ctx context.Context, bookingID, sessionID, paymentMethod string, loyaltyPointsUsed int) error {
	key := booking.Key(bookingID, sessionID)

	v.mu.Lock()
	prev, ok := v.sessions[key]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}

	paid := prev
	paid.PaymentStatus = booking.PaymentPaid
	paid.Status = booking.StatusConfirmed
	paid.TimeoutStatus = booking.TimeoutCompleted
	paid.LoyaltyPointsUsed = loyaltyPointsUsed
	v.sessions[key] = paid
	v.mu.Unlock()

	// Teardown before the backend round-trip so no countdown renders after
	// the flip.
	if err := v.registry.UpdateStatus(bookingID, sessionID, timeout.StatusCompleted); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("registry status update skipped")
	}
	v.registry.Remove(bookingID, sessionID)
	v.handledSet.Add(ctx, key)

	err := v.api.CompletePayment(ctx, bookingID, sessionID, booking.CompletePaymentRequest{
		PaymentMethod:     paymentMethod,
		LoyaltyPointsUsed: loyaltyPointsUsed,
	})
	if err == nil {
		v.emit(ctx, events.TypePaymentCompleted, prev.UserID, bookingID, sessionID, events.PaymentCompletedPayload{
			BookingID:         bookingID,
			SessionID:         sessionID,
			PaymentMethod:     paymentMethod,
			LoyaltyPointsUsed: loyaltyPointsUsed,
			PaidAt:            v.clock.Now(),
		})
		return nil
	}

	// Payment success is a claim about money having moved; it is never
	// asserted locally without server confirmation.
	log.Error().
		Err(err).
		Str("booking_id", bookingID).
		Str("session_id", sessionID).
		Msg("payment completion failed, rolling back optimistic flip")

	v.emit(ctx, events.TypePaymentRolledBack, prev.UserID, bookingID, sessionID, events.PaymentRolledBackPayload{
		BookingID:    bookingID,
		SessionID:    sessionID,
		Error:        err.Error(),
		RolledBackAt: v.clock.Now(),
	})

	if prev.TimeoutAt != nil && v.clock.Now().Before(*prev.TimeoutAt) {
		v.mu.Lock()
		v.sessions[key] = prev
		v.mu.Unlock()

		v.handledSet.Remove(ctx, key)
		v.registry.Reset(bookingID, sessionID, *prev.TimeoutAt)
		return fmt.Errorf("complete payment: %w", err)
	}

	// Deadline already lapsed during the attempt: the rollback lands on
	// expired, with the usual reconciliation.
	v.MarkExpired(ctx, bookingID, sessionID, true)
	return fmt.Errorf("complete payment: %w", err)
}

// MarkExpired applies the optimistic expired flip. The caller (detector or
// rollback path) has already recorded the key as handled. When reconcile is
// true the backend cancel command is dispatched without blocking the caller.
func (v *View) MarkExpired(ctx context.Context, bookingID, sessionID string, reconcile bool) {
	key := booking.Key(bookingID, sessionID)

	v.mu.Lock()
	session, ok := v.sessions[key]
	if !ok {
		v.mu.Unlock()
		log.Warn().Str("key", key).Msg("expiry for unknown session ignored")
		return
	}

	deadline := v.clock.Now()
	if session.TimeoutAt != nil {
		deadline = *session.TimeoutAt
	}
	source := "local"
	if session.TimeoutStatus == booking.TimeoutExpired {
		source = "server"
	}

	session.PaymentStatus = booking.PaymentFailed
	session.Status = booking.StatusCancelled
	session.TimeoutStatus = booking.TimeoutExpired
	v.sessions[key] = session
	v.mu.Unlock()

	v.emit(ctx, events.TypeSessionExpired, session.UserID, bookingID, sessionID, events.SessionExpiredPayload{
		BookingID:  bookingID,
		SessionID:  sessionID,
		Deadline:   deadline,
		DetectedAt: v.clock.Now(),
		Source:     source,
	})

	if reconcile {
		// Fire and forget: the detection tick must never stall on network
		// latency, and an in-flight call outlives whoever triggered it.
		go v.reconcile(context.Background(), bookingID, sessionID, session.UserID)
	}
}

// reconcile informs the backend that the session's payment window lapsed and
// folds the outcome back into local state.
func (v *View) reconcile(ctx context.Context, bookingID, sessionID, userID string) {
	key := booking.Key(bookingID, sessionID)

	err := v.api.CancelExpiredSession(ctx, bookingID, sessionID)
	switch {
	case err == nil:
		v.emit(ctx, events.TypeSessionCancelled, userID, bookingID, sessionID, events.SessionCancelledPayload{
			BookingID:   bookingID,
			SessionID:   sessionID,
			CancelledAt: v.clock.Now(),
		})
		// Delayed refetch: give the backend time to persist the
		// cancellation before re-reading, or the stale pending row could
		// re-arm a countdown.
		select {
		case <-v.clock.After(v.cfg.RefetchDelay):
		case <-ctx.Done():
			return
		}
		if err := v.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("post-cancel refresh failed")
		}

	case errors.Is(err, booking.ErrUnauthenticated):
		// The session is genuinely expired from the user's perspective even
		// if we cannot tell the server right now; keep the optimistic state.
		log.Warn().
			Str("booking_id", bookingID).
			Str("session_id", sessionID).
			Msg("cannot reconcile expiry without credential")

	case errors.Is(err, booking.ErrNotExpiredOrNotPending):
		// Our model of the session was stale (e.g. paid in a race). Drop the
		// handled mark and converge to server truth immediately.
		log.Warn().
			Str("booking_id", bookingID).
			Str("session_id", sessionID).
			Msg("server rejected expiry, refetching authoritative state")
		v.handledSet.Remove(ctx, key)
		v.registry.Remove(bookingID, sessionID)
		if err := v.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("corrective refresh failed")
		}

	default:
		// Retries exhausted. Local expired state stands; the backend sweep
		// is expected to converge eventually.
		log.Error().
			Err(err).
			Str("booking_id", bookingID).
			Str("session_id", sessionID).
			Msg("expiry reconciliation failed after retries")
		v.emit(ctx, events.TypeReconcileFailed, userID, bookingID, sessionID, events.ReconcileFailedPayload{
			BookingID: bookingID,
			SessionID: sessionID,
			Attempts:  v.cfg.CancelAttempts,
			Error:     err.Error(),
			FailedAt:  v.clock.Now(),
		})
	}
}

// Countdown is one live countdown for display surfaces.
type Countdown struct {
	UserID           string `json:"user_id"`
	BookingID        string `json:"booking_id"`
	SessionID        string `json:"session_id"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Display          string `json:"display"`
}

// Countdowns returns the remaining time of every session still awaiting
// payment with a tracked deadline.
func (v *View) Countdowns() []Countdown {
	var out []Countdown
	for _, session := range v.Sessions() {
		if !session.AwaitingPayment() {
			continue
		}
		remaining, tracked := v.registry.Remaining(session.BookingID, session.SessionID)
		if !tracked {
			continue
		}
		out = append(out, Countdown{
			UserID:           session.UserID,
			BookingID:        session.BookingID,
			SessionID:        session.SessionID,
			RemainingSeconds: remaining,
			Display:          timeout.FormatCountdown(remaining),
		})
	}
	return out
}

func (v *View) emit(ctx context.Context, eventType, userID, bookingID, sessionID string, payload any) {
	event, err := events.New(eventType, bookingID, sessionID, v.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		return
	}
	if v.publisher != nil {
		if err := v.publisher.Publish(ctx, event); err != nil {
			log.Error().Err(err).Str("event_type", eventType).Msg("publish event")
		}
	}
	if v.notifier != nil && userID != "" {
		v.notifier.NotifySession(userID, event)
	}
}
