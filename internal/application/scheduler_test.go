package application

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mode   domain.PolicyMode
		custom time.Duration
		want   time.Duration
	}{
		{domain.PolicyModeUrgent, 0, time.Minute},
		{domain.PolicyModeNormal, 0, 5 * time.Minute},
		{domain.PolicyModeBalance, 0, 15 * time.Minute},
		{domain.PolicyModeCustom, 0, 5 * time.Minute},
		{domain.PolicyModeCustom, 2 * time.Minute, 2 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IntervalFor(tc.mode, tc.custom), "%s", tc.mode)
	}
}

func detailFor(t *testing.T, result PassResult, id domain.BookingID) PassDetail {
	t.Helper()
	for _, detail := range result.Details {
		if detail.BookingID == id {
			return detail
		}
	}
	t.Fatalf("no pass detail for %s", id)
	return PassDetail{}
}

func TestRunPassCountsEveryOutcome(t *testing.T) {
	t.Parallel()

	soon := newBooking("b-soon", t0.Add(days(2)), 2, domain.MeetingTypeGeneral)
	far := newBooking("b-far", t0.Add(days(45)), 2, domain.MeetingTypeGeneral)
	orphan := newBooking("b-orphan", t0.Add(days(1)), 2, domain.MeetingTypeGeneral)
	orphan.EnvironmentID = "env-z"
	gone := newBooking("b-gone", t0.Add(days(5)), 2, domain.MeetingTypeGeneral)

	h := newHarness(t, t0, []domain.Booking{soon, far, orphan, gone}, []domain.Interpreter{
		newInterpreter("i-1", "A01", "env-a"),
	})
	ctx := context.Background()

	snapshot, err := h.policies.EffectivePolicy(ctx, gone.EnvironmentID)
	require.NoError(t, err)
	_, err = h.pool.Ensure(ctx, gone, snapshot)
	require.NoError(t, err)
	h.bookings.update(gone.ID, func(b *domain.Booking) { b.Status = domain.BookingStatusCancelled })

	result, err := h.scheduler.RunPass(ctx, domain.TriggerScheduler, "tick")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Assigned)
	assert.Equal(t, 1, result.Escalated)
	assert.Equal(t, 1, result.Deferred)
	assert.Equal(t, 1, result.Removed)
	assert.Zero(t, result.Failed)

	assert.Equal(t, ActionAssigned, detailFor(t, result, soon.ID).Action)
	assert.Equal(t, domain.InterpreterID("i-1"), detailFor(t, result, soon.ID).InterpreterID)
	assert.Equal(t, ActionDeferred, detailFor(t, result, far.ID).Action)
	assert.Equal(t, ActionEscalated, detailFor(t, result, orphan.ID).Action)
	assert.Equal(t, ActionRemoved, detailFor(t, result, gone.ID).Action)

	entry, err := h.pool.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusFailed, entry.Status)
	assert.Equal(t, 1, entry.ConsecutiveFailures)

	_, err = h.pool.Get(ctx, soon.ID)
	assert.True(t, errors.Is(err, domain.ErrPoolEntryNotFound))
	_, err = h.pool.Get(ctx, gone.ID)
	assert.True(t, errors.Is(err, domain.ErrPoolEntryNotFound))

	status, err := h.monitor.RealTimeStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, status.LastPassAt)
	assert.Equal(t, int64(2), status.Recorded)
	noDoubleBooking(t, h.bookings)
}

func TestRunPassForcesBookingAtDeadline(t *testing.T) {
	t.Parallel()

	policy := domain.DefaultPolicy()
	policy.LeadTimeHours = 0
	b := newBooking("b-1", t0.Add(days(45)), 1, domain.MeetingTypeGeneral)
	h := newHarness(t, t0, []domain.Booking{b}, []domain.Interpreter{newInterpreter("i-1", "A01")}, withPolicy(policy))
	ctx := context.Background()

	result, err := h.scheduler.RunPass(ctx, domain.TriggerScheduler, "tick")
	require.NoError(t, err)
	assert.Equal(t, ActionDeferred, detailFor(t, result, b.ID).Action)
	assert.Equal(t, domain.PoolStatusPending, detailFor(t, result, b.ID).PoolStatus)

	h.clock.Set(t0.Add(days(29)))
	result, err = h.scheduler.RunPass(ctx, domain.TriggerScheduler, "tick")
	require.NoError(t, err)
	assert.Equal(t, ActionDeferred, detailFor(t, result, b.ID).Action)

	h.clock.Set(t0.Add(days(30)))
	result, err = h.scheduler.RunPass(ctx, domain.TriggerScheduler, "tick")
	require.NoError(t, err)
	detail := detailFor(t, result, b.ID)
	assert.Equal(t, ActionAssigned, detail.Action)
	assert.Equal(t, domain.PoolStatusDeadline, detail.PoolStatus)
	assert.Equal(t, domain.InterpreterID("i-1"), h.bookings.get(b.ID).InterpreterID)
}

func TestRunPassSkipsCorruptedEntries(t *testing.T) {
	t.Parallel()

	b := newBooking("b-1", t0.Add(days(1)), 1, domain.MeetingTypeGeneral)
	h := newHarness(t, t0, []domain.Booking{b}, []domain.Interpreter{newInterpreter("i-1", "A01")})
	ctx := context.Background()

	snapshot, err := h.policies.EffectivePolicy(ctx, b.EnvironmentID)
	require.NoError(t, err)
	entry, err := h.pool.Ensure(ctx, b, snapshot)
	require.NoError(t, err)
	entry.Status = domain.PoolStatusCorrupted
	require.NoError(t, h.poolDB.Save(ctx, entry))

	result, err := h.scheduler.RunPass(ctx, domain.TriggerScheduler, "tick")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, h.logs.all())
	assert.Empty(t, h.bookings.get(b.ID).InterpreterID)
}

func TestSchedulerIsSingleFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, t0, nil, nil)
	h.scheduler.running.Store(true)

	_, err := h.scheduler.RunPass(context.Background(), domain.TriggerScheduler, "tick")
	assert.True(t, errors.Is(err, ErrPassInProgress))
	_, err = h.scheduler.Emergency(context.Background(), "ops")
	assert.True(t, errors.Is(err, ErrPassInProgress))

	h.scheduler.running.Store(false)
	_, err = h.scheduler.Trigger(context.Background(), "manual")
	assert.NoError(t, err)
}

func TestEmergencyProcessesEverythingOnceAndIsIdempotent(t *testing.T) {
	t.Parallel()

	far := newBooking("b-far", t0.Add(days(45)), 2, domain.MeetingTypeGeneral)
	near := newBooking("b-near", t0.Add(days(10)), 2, domain.MeetingTypeGeneral)
	orphan := newBooking("b-orphan", t0.Add(days(5)), 2, domain.MeetingTypeGeneral)
	orphan.EnvironmentID = "env-z"
	h := newHarness(t, t0, []domain.Booking{far, near, orphan}, []domain.Interpreter{
		newInterpreter("i-1", "A01", "env-a"),
	})
	ctx := context.Background()

	first, err := h.scheduler.Emergency(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Assigned)
	assert.Equal(t, 1, first.Skipped)
	assert.Equal(t, "ops", first.Audit.Actor)
	assert.NotEmpty(t, first.Audit.ID)
	assert.Equal(t, []domain.BookingID{"b-near", "b-far"}, first.Audit.BookingIDs)
	assert.Equal(t, ActionSkipped, detailFor(t, first.PassResult, orphan.ID).Action)

	logs := h.logs.all()
	require.Len(t, logs, 2)
	for _, record := range logs {
		assert.Equal(t, domain.TriggerEmergency, record.Trigger)
		assert.Equal(t, "ops", record.Actor)
	}
	entryBefore, err := h.pool.Get(ctx, orphan.ID)
	require.NoError(t, err)

	second, err := h.scheduler.Emergency(ctx, "ops")
	require.NoError(t, err)
	assert.Zero(t, second.Assigned)
	assert.Zero(t, second.Processed)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, h.logs.all(), 2)

	entryAfter, err := h.pool.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, entryBefore, entryAfter)
	noDoubleBooking(t, h.bookings)
}

func TestRunWakesOnRequestAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	b := newBooking("b-1", t0.Add(days(1)), 1, domain.MeetingTypeGeneral)
	h := newHarness(t, t0, []domain.Booking{b}, []domain.Interpreter{newInterpreter("i-1", "A01")})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.scheduler.Run(ctx) }()

	h.scheduler.RequestPass("test")
	require.Eventually(t, func() bool {
		return h.bookings.get(b.ID).InterpreterID == "i-1"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// unreachableBookings fails single-booking reads while down is set.
type unreachableBookings struct {
	*inMemoryBookingRepo
	down atomic.Bool
}

func (r *unreachableBookings) GetByID(ctx context.Context, id domain.BookingID) (domain.Booking, error) {
	if r.down.Load() {
		return domain.Booking{}, errors.New("read booking: i/o timeout")
	}
	return r.inMemoryBookingRepo.GetByID(ctx, id)
}

func TestEmergencyKeepsEntryWhenBookingReadFails(t *testing.T) {
	t.Parallel()

	b := newBooking("b-1", t0.Add(days(45)), 2, domain.MeetingTypeGeneral)
	h := newHarness(t, t0, []domain.Booking{b}, []domain.Interpreter{newInterpreter("i-1", "A01")})
	ctx := context.Background()

	_, err := h.scheduler.RunPass(ctx, domain.TriggerScheduler, "tick")
	require.NoError(t, err)
	seeded, err := h.pool.Get(ctx, b.ID)
	require.NoError(t, err)

	flaky := &unreachableBookings{inMemoryBookingRepo: h.bookings}
	h.scheduler.bookings = flaky
	flaky.down.Store(true)

	h.clock.Set(t0.Add(days(1)))
	result, err := h.scheduler.Emergency(ctx, "ops")
	require.NoError(t, err)
	detail := detailFor(t, result.PassResult, b.ID)
	assert.Equal(t, ActionFailed, detail.Action)
	assert.Equal(t, "internal", detail.Reason)
	assert.Contains(t, detail.Message, "i/o timeout")
	assert.Zero(t, result.Removed)

	kept, err := h.pool.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, seeded.EnteredAt, kept.EnteredAt)
	assert.Equal(t, seeded.DeadlineAt, kept.DeadlineAt)

	flaky.down.Store(false)
	_, err = h.scheduler.RunPass(ctx, domain.TriggerScheduler, "tick")
	require.NoError(t, err)
	after, err := h.pool.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, seeded.DeadlineAt, after.DeadlineAt)
	assert.Empty(t, h.bookings.get(b.ID).InterpreterID)
}

func TestRunPassDropsBookingCancelledBeforeAttemptWithoutLogging(t *testing.T) {
	t.Parallel()

	b := newBooking("b-1", t0.Add(days(2)), 2, domain.MeetingTypeGeneral)
	h := newHarness(t, t0, []domain.Booking{b}, []domain.Interpreter{newInterpreter("i-1", "A01")})
	ctx := context.Background()

	h.bookings.update(b.ID, func(b *domain.Booking) { b.Status = domain.BookingStatusCancelled })
	detail := h.scheduler.attempt(ctx, b.ID, domain.TriggerScheduler, "")
	assert.Equal(t, ActionRemoved, detail.Action)
	assert.Equal(t, "no_longer_assignable", detail.Reason)
	assert.Empty(t, h.logs.all())
	assert.Empty(t, h.notifier.all())
}
