package expiry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/harsh7274v/confiido-paywatch/internal/booking"
	"github.com/harsh7274v/confiido-paywatch/internal/handled"
	"github.com/harsh7274v/confiido-paywatch/internal/timeout"
)

const defaultTickInterval = time.Second

// SessionView is what the detector needs from the session view model.
type SessionView interface {
	// Sessions returns the current merged session list.
	Sessions() []booking.PaymentSession
	// MarkExpired applies the optimistic expired flip for the session.
	// When reconcile is true the backend cancel call is dispatched
	// asynchronously; it is false when the server already reported the
	// expiry and holds the authoritative state.
	MarkExpired(ctx context.Context, bookingID, sessionID string, reconcile bool)
}

// Detector runs the per-second expiry check over all tracked sessions. Each
// session key fires at most once per lifetime, gated by the handled set, and
// a tick never waits on the network.
type Detector struct {
	view       SessionView
	registry   *timeout.Registry
	handledSet *handled.Set
	clock      clockwork.Clock
	tick       time.Duration
	instanceID string
}

// NewDetector wires a detector over the shared registry and handled set.
func NewDetector(view SessionView, registry *timeout.Registry, handledSet *handled.Set, clock clockwork.Clock) *Detector {
	return &Detector{
		view:       view,
		registry:   registry,
		handledSet: handledSet,
		clock:      clock,
		tick:       defaultTickInterval,
		instanceID: uuid.New().String()[:8],
	}
}

// SetTickInterval overrides the detection cadence. Only useful in tests and
// unusual deployments; the default is one second.
func (d *Detector) SetTickInterval(interval time.Duration) {
	d.tick = interval
}

// Run loops until ctx is cancelled, evaluating every tracked session once
// per tick.
func (d *Detector) Run(ctx context.Context) {
	log.Info().
		Str("instance", d.instanceID).
		Dur("tick", d.tick).
		Msg("expiry detector started")

	ticker := d.clock.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", d.instanceID).Msg("expiry detector shutting down")
			return
		case <-ticker.Chan():
			d.Tick(ctx)
		}
	}
}

// Tick evaluates all sessions once. Exported so tests and the view can force
// a pass without waiting for the ticker.
func (d *Detector) Tick(ctx context.Context) {
	now := d.clock.Now()

	for _, session := range d.view.Sessions() {
		d.checkSession(ctx, session, now)
	}
}

func (d *Detector) checkSession(ctx context.Context, session booking.PaymentSession, now time.Time) {
	key := session.Key()

	if !session.AwaitingPayment() {
		d.teardownSettled(ctx, session, key)
		return
	}

	if d.handledSet.Contains(key) {
		return
	}

	serverReportedExpired := session.TimeoutStatus == booking.TimeoutExpired

	// Start (or keep) a countdown for the open window. A window the server
	// already expired never gets a fresh countdown.
	if !serverReportedExpired && session.TimeoutAt != nil {
		d.registry.Add(session.BookingID, session.SessionID, *session.TimeoutAt)
	}

	expired := Expired(Signals{
		LocalExpired: d.registry.IsExpired(session.BookingID, session.SessionID),
		Deadline:     session.TimeoutAt,
		ServerStatus: session.TimeoutStatus,
		Now:          now,
	})
	if !expired {
		return
	}

	// First detection for this key. The handled-set write happens before the
	// optimistic flip so a re-render or second subscriber on the same tick
	// cannot fire twice.
	if err := d.registry.UpdateStatus(session.BookingID, session.SessionID, timeout.StatusExpired); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("registry status update skipped")
	}
	d.handledSet.Add(ctx, key)

	log.Info().
		Str("instance", d.instanceID).
		Str("booking_id", session.BookingID).
		Str("session_id", session.SessionID).
		Bool("server_reported", serverReportedExpired).
		Msg("payment window expired")

	// When the server already holds the expired state there is nothing to
	// reconcile; only the local bookkeeping and flip are needed.
	d.view.MarkExpired(ctx, session.BookingID, session.SessionID, !serverReportedExpired)
}

// teardownSettled clears countdown state for sessions that left the pending
// state by other means. A payment observed before expiry also marks the key
// handled so no later tick can fire for it.
func (d *Detector) teardownSettled(ctx context.Context, session booking.PaymentSession, key string) {
	if _, tracked := d.registry.Get(session.BookingID, session.SessionID); !tracked {
		return
	}

	d.registry.Remove(session.BookingID, session.SessionID)

	if session.PaymentStatus == booking.PaymentPaid || session.Status == booking.StatusCompleted {
		d.handledSet.Add(ctx, key)
		log.Debug().
			Str("key", key).
			Msg("payment settled before expiry, countdown torn down")
	}
}
