package timeout_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harsh7274v/confiido-paywatch/internal/timeout"
)

func TestRegistryAdd(t *testing.T) {
	t.Run("registers a countdown derived from the deadline", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		reg := timeout.NewRegistry(clock)

		deadline := clock.Now().Add(5 * time.Second)
		reg.Add("b1", "s1", deadline)

		entry, ok := reg.Get("b1", "s1")
		require.True(t, ok)
		assert.Equal(t, timeout.StatusActive, entry.Status)
		assert.True(t, entry.Deadline.Equal(deadline))

		remaining, ok := reg.Remaining("b1", "s1")
		require.True(t, ok)
		assert.Equal(t, 5, remaining)
	})

	t.Run("is a no-op for an already active key", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		reg := timeout.NewRegistry(clock)

		first := clock.Now().Add(5 * time.Second)
		reg.Add("b1", "s1", first)
		reg.Add("b1", "s1", clock.Now().Add(30*time.Second))

		entry, ok := reg.Get("b1", "s1")
		require.True(t, ok)
		assert.True(t, entry.Deadline.Equal(first), "duplicate add must not restart the countdown")
	})

	t.Run("does not resurrect an expired entry", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		reg := timeout.NewRegistry(clock)

		reg.Add("b1", "s1", clock.Now().Add(time.Second))
		require.NoError(t, reg.UpdateStatus("b1", "s1", timeout.StatusExpired))

		reg.Add("b1", "s1", clock.Now().Add(time.Minute))

		entry, _ := reg.Get("b1", "s1")
		assert.Equal(t, timeout.StatusExpired, entry.Status)
	})
}

func TestRegistryCountdownMonotonic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := timeout.NewRegistry(clock)
	reg.Add("b1", "s1", clock.Now().Add(10*time.Second))

	prev, ok := reg.Remaining("b1", "s1")
	require.True(t, ok)

	for i := 0; i < 15; i++ {
		clock.Advance(900 * time.Millisecond)
		cur, ok := reg.Remaining("b1", "s1")
		require.True(t, ok)
		assert.LessOrEqual(t, cur, prev, "countdown must never increase for a fixed deadline")
		assert.GreaterOrEqual(t, cur, 0)
		prev = cur
	}
	assert.Equal(t, 0, prev)
}

func TestRegistryStatusTransitions(t *testing.T) {
	cases := []struct {
		name string
		from timeout.Status
		to   timeout.Status
		ok   bool
	}{
		{"active to expired", timeout.StatusActive, timeout.StatusExpired, true},
		{"active to completed", timeout.StatusActive, timeout.StatusCompleted, true},
		{"expired to completed", timeout.StatusExpired, timeout.StatusCompleted, true},
		{"expired to active", timeout.StatusExpired, timeout.StatusActive, false},
		{"completed to active", timeout.StatusCompleted, timeout.StatusActive, false},
		{"completed to expired", timeout.StatusCompleted, timeout.StatusExpired, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			reg := timeout.NewRegistry(clock)
			reg.Add("b1", "s1", clock.Now().Add(time.Minute))

			if tc.from != timeout.StatusActive {
				require.NoError(t, reg.UpdateStatus("b1", "s1", tc.from))
			}

			err := reg.UpdateStatus("b1", "s1", tc.to)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, timeout.ErrInvalidTransition)
			}
		})
	}

	t.Run("unknown key", func(t *testing.T) {
		reg := timeout.NewRegistry(clockwork.NewFakeClock())
		err := reg.UpdateStatus("nope", "nope", timeout.StatusExpired)
		assert.ErrorIs(t, err, timeout.ErrNotTracked)
	})
}

func TestRegistryIsExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := timeout.NewRegistry(clock)

	assert.False(t, reg.IsExpired("b1", "s1"), "untracked key is not expired")

	reg.Add("b1", "s1", clock.Now().Add(2*time.Second))
	assert.False(t, reg.IsExpired("b1", "s1"))

	clock.Advance(2 * time.Second)
	assert.True(t, reg.IsExpired("b1", "s1"), "deadline reached")

	reg.Reset("b2", "s2", clock.Now().Add(time.Minute))
	require.NoError(t, reg.UpdateStatus("b2", "s2", timeout.StatusExpired))
	assert.True(t, reg.IsExpired("b2", "s2"), "explicit expired status wins over remaining time")
}

func TestRegistryRemove(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := timeout.NewRegistry(clock)

	reg.Add("b1", "s1", clock.Now().Add(time.Minute))
	require.Equal(t, 1, reg.Len())

	reg.Remove("b1", "s1")
	_, ok := reg.Get("b1", "s1")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestFormatCountdown(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{0, "00:00"},
		{-5, "00:00"},
		{9, "00:09"},
		{65, "01:05"},
		{600, "10:00"},
		{3599, "59:59"},
		{3661, "61:01"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, timeout.FormatCountdown(tc.seconds))
	}
}
