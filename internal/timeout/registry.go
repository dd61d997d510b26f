// Package timeout tracks payment-window countdowns keyed by booking session.
// Remaining time is always derived from the absolute deadline and the current
// clock reading, never from a decrementing counter, so suspended ticks or
// skipped timers cannot make a countdown drift.
package timeout

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/harsh7274v/confiido-paywatch/internal/booking"
)

// Status is the local lifecycle of a tracked countdown.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

var (
	ErrNotTracked        = errors.New("timeout: entry not tracked")
	ErrInvalidTransition = errors.New("timeout: invalid status transition")
)

// Entry is one tracked countdown. Deadline is authoritative; remaining time
// is recomputed on demand.
type Entry struct {
	BookingID string
	SessionID string
	Deadline  time.Time
	Status    Status
}

// Key returns the composite registry key for the entry.
func (e Entry) Key() string {
	return booking.Key(e.BookingID, e.SessionID)
}

// Registry is the process-wide store of active countdowns. Safe for use from
// multiple goroutines; all mutators are idempotent so overlapping subscribers
// observing the same session cannot double-start a countdown.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	clock   clockwork.Clock
}

// NewRegistry creates an empty registry on the given clock.
func NewRegistry(clock clockwork.Clock) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		clock:   clock,
	}
}

// Add registers a countdown for (bookingID, sessionID) ending at deadline.
// A no-op when the key is already tracked: an active entry must not be
// restarted by a duplicate fetch, and an expired or completed entry is never
// resurrected here (a fresh pending deadline goes through Reset).
func (r *Registry) Add(bookingID, sessionID string, deadline time.Time) {
	key := booking.Key(bookingID, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return
	}
	r.entries[key] = &Entry{
		BookingID: bookingID,
		SessionID: sessionID,
		Deadline:  deadline,
		Status:    StatusActive,
	}
	log.Debug().
		Str("booking_id", bookingID).
		Str("session_id", sessionID).
		Time("deadline", deadline).
		Msg("countdown registered")
}

// Reset discards any existing entry for the key and registers a fresh active
// countdown. Used when a reschedule or a new fetch moves the deadline.
func (r *Registry) Reset(bookingID, sessionID string, deadline time.Time) {
	key := booking.Key(bookingID, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[key] = &Entry{
		BookingID: bookingID,
		SessionID: sessionID,
		Deadline:  deadline,
		Status:    StatusActive,
	}
}

// Get returns a copy of the tracked entry, if any.
func (r *Registry) Get(bookingID, sessionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[booking.Key(bookingID, sessionID)]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Remaining returns the countdown seconds for the key: max(0, deadline-now).
// The second return is false when the key is not tracked.
func (r *Registry) Remaining(bookingID, sessionID string) (int, bool) {
	entry, ok := r.Get(bookingID, sessionID)
	if !ok {
		return 0, false
	}
	return remainingSeconds(entry.Deadline, r.clock.Now()), true
}

// UpdateStatus transitions the entry's status. Only forward transitions are
// valid: active→expired, active→completed, and expired→completed for
// bookkeeping. Anything moving back toward active is rejected.
func (r *Registry) UpdateStatus(bookingID, sessionID string, status Status) error {
	key := booking.Key(bookingID, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, key)
	}
	if !validTransition(entry.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, status)
	}
	entry.Status = status
	return nil
}

// Remove deletes the entry. Used when payment completes or a reschedule
// moves the deadline.
func (r *Registry) Remove(bookingID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, booking.Key(bookingID, sessionID))
}

// IsExpired reports whether the key is tracked and past its deadline, either
// by countdown or by an explicit expired status.
func (r *Registry) IsExpired(bookingID, sessionID string) bool {
	entry, ok := r.Get(bookingID, sessionID)
	if !ok {
		return false
	}
	if entry.Status == StatusExpired {
		return true
	}
	return remainingSeconds(entry.Deadline, r.clock.Now()) <= 0
}

// Snapshot returns copies of all tracked entries.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	return out
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusExpired || to == StatusCompleted
	case StatusExpired:
		return to == StatusCompleted
	default:
		return false
	}
}

func remainingSeconds(deadline, now time.Time) int {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	// Round up so a deadline 0.5s away still shows one second left.
	return int((remaining + time.Second - 1) / time.Second)
}

// FormatCountdown renders seconds as mm:ss for display surfaces.
func FormatCountdown(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
