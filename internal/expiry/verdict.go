// Package expiry decides when a pending session's payment window has lapsed
// and drives the at-most-once handling of that fact.
package expiry

import (
	"time"

	"github.com/harsh7274v/confiido-paywatch/internal/booking"
)

// Signals are the independent expiry inputs for one session at one instant.
// Either signal alone is sufficient: the local countdown covers a backend
// that stopped reporting, the server fields cover a clock that was paused
// while the server kept counting.
type Signals struct {
	// LocalExpired is the registry's view of the countdown.
	LocalExpired bool
	// Deadline is the server-supplied absolute deadline, nil when no
	// payment window is open.
	Deadline *time.Time
	// ServerStatus is the server-reported window status from the latest
	// fetch.
	ServerStatus booking.TimeoutStatus
	// Now is the current wall-clock reading.
	Now time.Time
}

// Expired merges the signals into a single verdict.
func Expired(s Signals) bool {
	if s.LocalExpired {
		return true
	}
	if s.ServerStatus == booking.TimeoutExpired {
		return true
	}
	return s.Deadline != nil && !s.Now.Before(*s.Deadline)
}
