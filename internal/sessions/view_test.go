package sessions_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harsh7274v/confiido-paywatch/internal/booking"
	"github.com/harsh7274v/confiido-paywatch/internal/events"
	"github.com/harsh7274v/confiido-paywatch/internal/expiry"
	"github.com/harsh7274v/confiido-paywatch/internal/handled"
	"github.com/harsh7274v/confiido-paywatch/internal/sessions"
	"github.com/harsh7274v/confiido-paywatch/internal/timeout"
)

type fakeAPI struct {
	mu            sync.Mutex
	sessions      []booking.PaymentSession
	fetchErr      error
	fetchCalls    int
	cancelErr     error
	cancelCalls   int
	completeErr   error
	completeCalls int
}

func (f *fakeAPI) FetchSessions(ctx context.Context, page, limit int) (*booking.SessionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]booking.PaymentSession, len(f.sessions))
	copy(out, f.sessions)
	return &booking.SessionPage{
		Sessions:   out,
		Pagination: booking.Pagination{Page: page, Limit: limit, Total: len(out), TotalPages: 1},
	}, nil
}

func (f *fakeAPI) CancelExpiredSession(ctx context.Context, bookingID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeAPI) CompletePayment(ctx context.Context, bookingID, sessionID string, req booking.CompletePaymentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	return f.completeErr
}

func (f *fakeAPI) counts() (fetch, cancel, complete int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, f.cancelCalls, f.completeCalls
}

func (f *fakeAPI) setSessions(list ...booking.PaymentSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = list
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func pending(deadline time.Time) booking.PaymentSession {
	return booking.PaymentSession{
		BookingID:     "b1",
		SessionID:     "s1",
		UserID:        "u1",
		ScheduledAt:   time.Now().Add(24 * time.Hour),
		Price:         49.99,
		Currency:      "USD",
		PaymentStatus: booking.PaymentPending,
		Status:        booking.StatusPending,
		TimeoutAt:     &deadline,
		TimeoutStatus: booking.TimeoutActive,
	}
}

func newViewFixture(t *testing.T, api *fakeAPI) (*sessions.View, *timeout.Registry, *handled.Set, *recordingPublisher) {
	t.Helper()
	clock := clockwork.NewRealClock()
	registry := timeout.NewRegistry(clock)
	handledSet := handled.NewSet(nil)
	publisher := &recordingPublisher{}

	cfg := sessions.DefaultConfig()
	cfg.RefetchDelay = 5 * time.Millisecond

	view := sessions.NewView(api, registry, handledSet, publisher, nil, clock, cfg)
	return view, registry, handledSet, publisher
}

func TestRefreshNormalizesCancelledPending(t *testing.T) {
	api := &fakeAPI{}
	cancelled := pending(time.Now().Add(time.Hour))
	cancelled.Status = booking.StatusCancelled
	api.setSessions(cancelled)

	view, _, _, _ := newViewFixture(t, api)
	require.NoError(t, view.Refresh(context.Background()))

	session, ok := view.Session("b1", "s1")
	require.True(t, ok)
	assert.Equal(t, booking.PaymentFailed, session.PaymentStatus, "a cancelled session is never still awaiting payment")
}

func TestRefreshKeepsStaleStateOnError(t *testing.T) {
	api := &fakeAPI{}
	api.setSessions(pending(time.Now().Add(time.Hour)))

	view, _, _, _ := newViewFixture(t, api)
	require.NoError(t, view.Refresh(context.Background()))
	require.Len(t, view.Sessions(), 1)

	api.mu.Lock()
	api.fetchErr = assert.AnError
	api.mu.Unlock()

	err := view.Refresh(context.Background())
	require.Error(t, err)
	assert.Len(t, view.Sessions(), 1, "stale-but-present beats empty")
}

func TestMarkPaidClearsTimeout(t *testing.T) {
	api := &fakeAPI{}
	deadline := time.Now().Add(time.Hour)
	api.setSessions(pending(deadline))

	view, registry, handledSet, publisher := newViewFixture(t, api)
	ctx := context.Background()
	require.NoError(t, view.Refresh(ctx))
	registry.Add("b1", "s1", deadline)

	require.NoError(t, view.MarkPaid(ctx, "b1", "s1", "card", 100))

	_, tracked := registry.Get("b1", "s1")
	assert.False(t, tracked, "payment removes the countdown even before the deadline")
	assert.True(t, handledSet.Contains("b1_s1"))

	session, _ := view.Session("b1", "s1")
	assert.Equal(t, booking.PaymentPaid, session.PaymentStatus)
	assert.Equal(t, booking.TimeoutCompleted, session.TimeoutStatus)

	_, _, complete := api.counts()
	assert.Equal(t, 1, complete)
	assert.Contains(t, publisher.types(), events.TypePaymentCompleted)
}

func TestMarkPaidRollsBackOnBackendFailure(t *testing.T) {
	api := &fakeAPI{completeErr: assert.AnError}
	deadline := time.Now().Add(time.Hour)
	api.setSessions(pending(deadline))

	view, registry, handledSet, publisher := newViewFixture(t, api)
	ctx := context.Background()
	require.NoError(t, view.Refresh(ctx))
	registry.Add("b1", "s1", deadline)

	err := view.MarkPaid(ctx, "b1", "s1", "card", 0)
	require.Error(t, err)

	session, _ := view.Session("b1", "s1")
	assert.Equal(t, booking.PaymentPending, session.PaymentStatus, "paid is never asserted without server confirmation")

	assert.False(t, handledSet.Contains("b1_s1"))
	entry, tracked := registry.Get("b1", "s1")
	require.True(t, tracked, "countdown re-armed from the last known deadline")
	assert.True(t, entry.Deadline.Equal(deadline))
	assert.Equal(t, timeout.StatusActive, entry.Status)
	assert.Contains(t, publisher.types(), events.TypePaymentRolledBack)
}

func TestMarkPaidFailureAfterDeadlineGoesToExpired(t *testing.T) {
	api := &fakeAPI{completeErr: assert.AnError}
	deadline := time.Now().Add(-time.Second)
	api.setSessions(pending(deadline))

	view, _, handledSet, _ := newViewFixture(t, api)
	ctx := context.Background()
	require.NoError(t, view.Refresh(ctx))

	// Server truth after the cancel lands, served to the post-cancel refetch.
	settled := pending(deadline)
	settled.PaymentStatus = booking.PaymentFailed
	settled.Status = booking.StatusCancelled
	settled.TimeoutStatus = booking.TimeoutExpired
	api.setSessions(settled)

	err := view.MarkPaid(ctx, "b1", "s1", "card", 0)
	require.Error(t, err)

	session, _ := view.Session("b1", "s1")
	assert.Equal(t, booking.PaymentFailed, session.PaymentStatus)
	assert.Equal(t, booking.StatusCancelled, session.Status)
	assert.True(t, handledSet.Contains("b1_s1"))

	require.Eventually(t, func() bool {
		_, cancel, _ := api.counts()
		return cancel == 1
	}, time.Second, 10*time.Millisecond, "lapsed deadline during rollback triggers reconciliation")
}

func TestMarkExpiredReconcilesAndRefetches(t *testing.T) {
	api := &fakeAPI{}
	deadline := time.Now().Add(-time.Second)
	api.setSessions(pending(deadline))

	view, _, _, publisher := newViewFixture(t, api)
	ctx := context.Background()
	require.NoError(t, view.Refresh(ctx))
	fetchBefore, _, _ := api.counts()

	// Server truth after the cancel lands, served to the delayed refetch.
	settled := pending(deadline)
	settled.PaymentStatus = booking.PaymentFailed
	settled.Status = booking.StatusCancelled
	settled.TimeoutStatus = booking.TimeoutExpired
	api.setSessions(settled)

	view.MarkExpired(ctx, "b1", "s1", true)

	session, _ := view.Session("b1", "s1")
	assert.Equal(t, booking.PaymentFailed, session.PaymentStatus)
	assert.Equal(t, booking.StatusCancelled, session.Status)

	require.Eventually(t, func() bool {
		fetch, cancel, _ := api.counts()
		return cancel == 1 && fetch > fetchBefore
	}, time.Second, 10*time.Millisecond, "successful cancel schedules a delayed refetch")

	assert.Contains(t, publisher.types(), events.TypeSessionExpired)
	assert.Contains(t, publisher.types(), events.TypeSessionCancelled)
}

func TestMarkExpiredSemanticRejection(t *testing.T) {
	api := &fakeAPI{cancelErr: booking.ErrNotExpiredOrNotPending}
	// Server truth: the session was paid in a race.
	paid := pending(time.Now().Add(-time.Second))
	paid.PaymentStatus = booking.PaymentPaid
	paid.Status = booking.StatusConfirmed
	paid.TimeoutStatus = booking.TimeoutCompleted

	view, _, handledSet, _ := newViewFixture(t, api)
	ctx := context.Background()

	api.setSessions(pending(time.Now().Add(-time.Second)))
	require.NoError(t, view.Refresh(ctx))
	handledSet.Add(ctx, "b1_s1")
	api.setSessions(paid)

	view.MarkExpired(ctx, "b1", "s1", true)

	require.Eventually(t, func() bool {
		session, ok := view.Session("b1", "s1")
		return ok && session.PaymentStatus == booking.PaymentPaid
	}, time.Second, 10*time.Millisecond, "rejection converges to authoritative server state")

	_, cancel, _ := api.counts()
	assert.Equal(t, 1, cancel, "semantic rejection is not retried")
	assert.False(t, handledSet.Contains("b1_s1"), "wrongly assumed expiry releases the handled mark")
}

func TestMarkExpiredRetriesExhaustedKeepsLocalState(t *testing.T) {
	api := &fakeAPI{cancelErr: booking.ErrRetriesExhausted}
	api.setSessions(pending(time.Now().Add(-time.Second)))

	view, _, _, publisher := newViewFixture(t, api)
	ctx := context.Background()
	require.NoError(t, view.Refresh(ctx))

	view.MarkExpired(ctx, "b1", "s1", true)

	require.Eventually(t, func() bool {
		_, cancel, _ := api.counts()
		return cancel == 1
	}, time.Second, 10*time.Millisecond)

	session, _ := view.Session("b1", "s1")
	assert.Equal(t, booking.PaymentFailed, session.PaymentStatus, "optimistic expired state survives reconciliation failure")

	require.Eventually(t, func() bool {
		for _, typ := range publisher.types() {
			if typ == events.TypeReconcileFailed {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestReloadDoesNotReCancel(t *testing.T) {
	api := &fakeAPI{}
	expired := pending(time.Now().Add(-time.Minute))
	api.setSessions(expired)

	clock := clockwork.NewRealClock()
	registry := timeout.NewRegistry(clock)
	handledSet := handled.NewSet(nil)
	// The key was persisted before the reload.
	handledSet.Add(context.Background(), "b1_s1")

	view := sessions.NewView(api, registry, handledSet, nil, nil, clock, sessions.DefaultConfig())
	detector := expiry.NewDetector(view, registry, handledSet, clock)

	ctx := context.Background()
	require.NoError(t, view.Refresh(ctx))
	for i := 0; i < 5; i++ {
		detector.Tick(ctx)
	}

	time.Sleep(50 * time.Millisecond)
	_, cancel, _ := api.counts()
	assert.Equal(t, 0, cancel, "a handled key survives reload without re-issuing the cancel call")
}

func TestDetectionEndToEndFiresCancelOnce(t *testing.T) {
	api := &fakeAPI{}
	api.setSessions(pending(time.Now().Add(-time.Second)))

	clock := clockwork.NewRealClock()
	registry := timeout.NewRegistry(clock)
	handledSet := handled.NewSet(nil)

	cfg := sessions.DefaultConfig()
	cfg.RefetchDelay = 5 * time.Millisecond
	view := sessions.NewView(api, registry, handledSet, nil, nil, clock, cfg)
	detector := expiry.NewDetector(view, registry, handledSet, clock)

	ctx := context.Background()
	require.NoError(t, view.Refresh(ctx))

	for i := 0; i < 5; i++ {
		detector.Tick(ctx)
	}

	require.Eventually(t, func() bool {
		_, cancel, _ := api.counts()
		return cancel >= 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	_, cancel, _ := api.counts()
	assert.Equal(t, 1, cancel, "N ticks over an expired session invoke the cancel call at most once")
}

func TestRefreshReArmsFreshDeadline(t *testing.T) {
	api := &fakeAPI{}
	view, registry, handledSet, _ := newViewFixture(t, api)
	ctx := context.Background()

	// Expiry was already handled for this key.
	handledSet.Add(ctx, "b1_s1")

	// The backend reopened the payment window with a new future deadline.
	fresh := pending(time.Now().Add(10 * time.Minute))
	api.setSessions(fresh)
	require.NoError(t, view.Refresh(ctx))

	assert.False(t, handledSet.Contains("b1_s1"), "a fresh pending deadline reopens the timeline")
	entry, tracked := registry.Get("b1", "s1")
	require.True(t, tracked)
	assert.True(t, entry.Deadline.Equal(*fresh.TimeoutAt))
}

func TestRefreshDoesNotReArmExpiredDeadline(t *testing.T) {
	api := &fakeAPI{}
	view, registry, handledSet, _ := newViewFixture(t, api)
	ctx := context.Background()

	handledSet.Add(ctx, "b1_s1")
	api.setSessions(pending(time.Now().Add(-time.Minute)))
	require.NoError(t, view.Refresh(ctx))

	assert.True(t, handledSet.Contains("b1_s1"), "a past deadline never reopens the timeline")
	_, tracked := registry.Get("b1", "s1")
	assert.False(t, tracked)
}

func TestCountdowns(t *testing.T) {
	api := &fakeAPI{}
	deadline := time.Now().Add(90 * time.Second)
	api.setSessions(pending(deadline))

	view, registry, _, _ := newViewFixture(t, api)
	require.NoError(t, view.Refresh(context.Background()))
	registry.Add("b1", "s1", deadline)

	countdowns := view.Countdowns()
	require.Len(t, countdowns, 1)
	assert.Equal(t, "u1", countdowns[0].UserID)
	assert.InDelta(t, 90, countdowns[0].RemainingSeconds, 2)
	assert.NotEmpty(t, countdowns[0].Display)
}
