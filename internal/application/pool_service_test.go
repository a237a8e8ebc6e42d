package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPoolFixture(now time.Time, policy domain.AssignmentPolicy) (*PoolService, *inMemoryPoolRepo, *manualClock, *PolicyService) {
	clock := &manualClock{now: now}
	policies := NewPolicyService(newPolicyRepo(policy), clock, nil)
	repo := newPoolRepo()
	return NewPoolService(repo, policies, clock, nil), repo, clock, policies
}

func TestPoolServiceEnsureCreatesAndRefreshes(t *testing.T) {
	t.Parallel()

	svc, repo, clock, policies := newPoolFixture(t0, domain.DefaultPolicy())
	ctx := context.Background()
	b := newBooking("b-1", t0.Add(days(45)), 1, domain.MeetingTypeGeneral)
	snapshot, err := policies.EffectivePolicy(ctx, b.EnvironmentID)
	require.NoError(t, err)

	entry, err := svc.Ensure(ctx, b, snapshot)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusPending, entry.Status)
	assert.Equal(t, t0, entry.EnteredAt)
	assert.Equal(t, t0.Add(days(30)), entry.DeadlineAt)

	clock.Set(t0.Add(days(1)))
	b.MeetingType = domain.MeetingTypeDR
	entry, err = svc.Ensure(ctx, b, snapshot)
	require.NoError(t, err)
	assert.Equal(t, t0, entry.EnteredAt, "entered at survives refreshes")
	assert.Equal(t, t0.Add(days(7)), entry.DeadlineAt)

	stored, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingTypeDR, stored.MeetingType)
}

func TestPoolServiceDeadlinePromotion(t *testing.T) {
	t.Parallel()

	policy := domain.DefaultPolicy()
	policy.LeadTimeHours = 0
	svc, _, clock, policies := newPoolFixture(t0, policy)
	ctx := context.Background()
	b := newBooking("b-1", t0.Add(days(45)), 1, domain.MeetingTypeGeneral)
	snapshot, err := policies.EffectivePolicy(ctx, b.EnvironmentID)
	require.NoError(t, err)

	entry, err := svc.Ensure(ctx, b, snapshot)
	require.NoError(t, err)

	clock.Set(t0.Add(days(29)))
	entry, err = svc.Evaluate(ctx, entry, snapshot)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusPending, entry.Status)
	assert.False(t, Due(entry))

	clock.Set(t0.Add(days(30)))
	entry, err = svc.Evaluate(ctx, entry, snapshot)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusDeadline, entry.Status)
	assert.True(t, Due(entry))
}

func TestPoolServiceLeadTimeMakesEntryReady(t *testing.T) {
	t.Parallel()

	svc, _, clock, policies := newPoolFixture(t0, domain.DefaultPolicy())
	ctx := context.Background()
	b := newBooking("b-1", t0.Add(days(45)), 1, domain.MeetingTypeGeneral)
	snapshot, err := policies.EffectivePolicy(ctx, b.EnvironmentID)
	require.NoError(t, err)
	entry, err := svc.Ensure(ctx, b, snapshot)
	require.NoError(t, err)

	clock.Set(t0.Add(days(29)))
	entry, err = svc.Evaluate(ctx, entry, snapshot)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusReady, entry.Status)
}

func TestPoolServiceReleasesStaleProcessing(t *testing.T) {
	t.Parallel()

	svc, _, clock, policies := newPoolFixture(t0, domain.DefaultPolicy())
	ctx := context.Background()
	b := newBooking("b-1", t0.Add(days(45)), 1, domain.MeetingTypeGeneral)
	snapshot, err := policies.EffectivePolicy(ctx, b.EnvironmentID)
	require.NoError(t, err)
	_, err = svc.Ensure(ctx, b, snapshot)
	require.NoError(t, err)

	entry, err := svc.MarkProcessing(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)

	clock.Set(t0.Add(5 * time.Minute))
	entry, err = svc.Evaluate(ctx, entry, snapshot)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusProcessing, entry.Status)

	clock.Set(t0.Add(StaleProcessingAfter + time.Minute))
	entry, err = svc.Evaluate(ctx, entry, snapshot)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusPending, entry.Status)
}

func TestPoolServiceFailuresCorruptAndReset(t *testing.T) {
	t.Parallel()

	svc, _, _, policies := newPoolFixture(t0, domain.DefaultPolicy())
	ctx := context.Background()
	b := newBooking("b-1", t0.Add(days(2)), 1, domain.MeetingTypeGeneral)
	snapshot, err := policies.EffectivePolicy(ctx, b.EnvironmentID)
	require.NoError(t, err)
	_, err = svc.Ensure(ctx, b, snapshot)
	require.NoError(t, err)

	cause := &domain.LockTimeoutError{Key: LockKey("i-1"), Timeout: time.Second}
	for i := 0; i < domain.MaxConsecutiveFailures-1; i++ {
		_, err = svc.MarkProcessing(ctx, b.ID)
		require.NoError(t, err)
		entry, err := svc.MarkFailed(ctx, b.ID, cause)
		require.NoError(t, err)
		assert.Equal(t, domain.PoolStatusFailed, entry.Status)
	}

	_, err = svc.MarkProcessing(ctx, b.ID)
	require.NoError(t, err)
	entry, err := svc.MarkFailed(ctx, b.ID, cause)
	var corrupted *domain.CorruptedEntryError
	require.ErrorAs(t, err, &corrupted)
	assert.Equal(t, domain.PoolStatusCorrupted, entry.Status)
	last, ok := entry.LastError()
	require.True(t, ok)
	assert.Equal(t, "lock_timeout", last.Reason)

	_, err = svc.MarkProcessing(ctx, b.ID)
	require.ErrorAs(t, err, &corrupted)

	entry, err = svc.Reset(ctx, b.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusPending, entry.Status)
	assert.Zero(t, entry.ConsecutiveFailures)
	assert.Len(t, entry.Errors, domain.MaxConsecutiveFailures)

	_, err = svc.Reset(ctx, b.ID, "ops")
	var invalid *domain.ValidationError
	assert.ErrorAs(t, err, &invalid)

	_, err = svc.Reset(ctx, "missing", "ops")
	assert.True(t, errors.Is(err, domain.ErrPoolEntryNotFound))
}

func TestPoolServiceRemoveIgnoresMissing(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newPoolFixture(t0, domain.DefaultPolicy())
	require.NoError(t, svc.Remove(context.Background(), "missing"))
}

func TestPoolServiceDashboard(t *testing.T) {
	t.Parallel()

	svc, repo, clock, policies := newPoolFixture(t0, domain.DefaultPolicy())
	ctx := context.Background()

	early := newBooking("early", t0.Add(days(40)), 1, domain.MeetingTypeGeneral)
	soon := newBooking("soon", t0.Add(days(2)), 1, domain.MeetingTypeGeneral)
	broken := newBooking("broken", t0.Add(days(20)), 1, domain.MeetingTypeVIP)
	for _, b := range []domain.Booking{early, soon, broken} {
		snapshot, err := policies.EffectivePolicy(ctx, b.EnvironmentID)
		require.NoError(t, err)
		_, err = svc.Ensure(ctx, b, snapshot)
		require.NoError(t, err)
		clock.Set(clock.Now().Add(time.Hour))
	}

	entry, err := repo.Get(ctx, "broken")
	require.NoError(t, err)
	entry.Status = domain.PoolStatusCorrupted
	entry.ConsecutiveFailures = domain.MaxConsecutiveFailures
	entry.Errors = []domain.PoolError{{At: t0.Add(time.Minute), Reason: "conflict", Message: "busy"}}
	require.NoError(t, repo.Save(ctx, entry))

	dashboard, err := svc.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, dashboard.Total)
	assert.Equal(t, 2, dashboard.ByStatus[domain.PoolStatusPending])
	assert.Equal(t, 1, dashboard.ByStatus[domain.PoolStatusCorrupted])
	assert.Equal(t, 1, dashboard.ByUrgency[domain.UrgencyCritical])
	require.NotNil(t, dashboard.Oldest)
	assert.Equal(t, domain.BookingID("early"), dashboard.Oldest.BookingID)
	require.Len(t, dashboard.Recent, 1)
	assert.Equal(t, domain.BookingID("broken"), dashboard.Recent[0].BookingID)

	require.Len(t, dashboard.Alerts, 1)
	assert.Equal(t, SeverityCritical, dashboard.Alerts[0].Severity)
	assert.Equal(t, domain.BookingID("broken"), dashboard.Alerts[0].BookingID)

	require.Len(t, dashboard.Entries, 3)
	for i := 1; i < len(dashboard.Entries); i++ {
		assert.False(t, dashboard.Entries[i].DeadlineAt.Before(dashboard.Entries[i-1].DeadlineAt))
	}
}

// gatedPolicySource parks EffectivePolicy until release is closed.
type gatedPolicySource struct {
	snapshot domain.PolicySnapshot
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (g *gatedPolicySource) EffectivePolicy(ctx context.Context, _ domain.EnvironmentID) (domain.PolicySnapshot, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return g.snapshot, nil
	case <-ctx.Done():
		return domain.PolicySnapshot{}, ctx.Err()
	}
}

func TestPoolServiceRecomputeDoesNotSaveOverConcurrentWrites(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		write func(context.Context, *PoolService, domain.BookingID) error
		check func(*testing.T, domain.PoolEntry, error)
	}{
		{
			name: "processing keeps its attempt",
			write: func(ctx context.Context, svc *PoolService, id domain.BookingID) error {
				_, err := svc.MarkProcessing(ctx, id)
				return err
			},
			check: func(t *testing.T, entry domain.PoolEntry, err error) {
				require.NoError(t, err)
				assert.Equal(t, 1, entry.Attempts)
				assert.Equal(t, domain.PoolStatusProcessing, entry.Status)
			},
		},
		{
			name: "removed entry stays removed",
			write: func(ctx context.Context, svc *PoolService, id domain.BookingID) error {
				return svc.Remove(ctx, id)
			},
			check: func(t *testing.T, _ domain.PoolEntry, err error) {
				assert.True(t, errors.Is(err, domain.ErrPoolEntryNotFound))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			clock := &manualClock{now: t0}
			repo := newPoolRepo()
			source := &gatedPolicySource{
				snapshot: domain.PolicySnapshot{Version: 2, Policy: domain.Preset(domain.PolicyModeUrgent)},
				entered:  make(chan struct{}),
				release:  make(chan struct{}),
			}
			svc := NewPoolService(repo, source, clock, nil)

			b := newBooking("b-1", t0.Add(days(45)), 1, domain.MeetingTypeGeneral)
			_, err := svc.Ensure(ctx, b, domain.PolicySnapshot{Version: 1, Policy: domain.DefaultPolicy()})
			require.NoError(t, err)

			recomputed := make(chan error, 1)
			go func() {
				_, err := svc.Recompute(ctx, PolicyChange{Version: 2})
				recomputed <- err
			}()
			<-source.entered

			written := make(chan error, 1)
			go func() { written <- tc.write(ctx, svc, b.ID) }()
			time.Sleep(20 * time.Millisecond)
			close(source.release)

			require.NoError(t, <-recomputed)
			require.NoError(t, <-written)

			entry, err := repo.Get(ctx, b.ID)
			tc.check(t, entry, err)
		})
	}
}

func TestPoolServiceEvaluatePrefersStoredEntry(t *testing.T) {
	t.Parallel()

	svc, repo, _, policies := newPoolFixture(t0, domain.DefaultPolicy())
	ctx := context.Background()
	b := newBooking("b-1", t0.Add(days(45)), 1, domain.MeetingTypeGeneral)
	snapshot, err := policies.EffectivePolicy(ctx, b.EnvironmentID)
	require.NoError(t, err)
	stale, err := svc.Ensure(ctx, b, snapshot)
	require.NoError(t, err)

	_, err = svc.MarkProcessing(ctx, b.ID)
	require.NoError(t, err)
	entry, err := svc.Evaluate(ctx, stale, snapshot)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)

	require.NoError(t, svc.Remove(ctx, b.ID))
	_, err = svc.Evaluate(ctx, stale, snapshot)
	assert.True(t, errors.Is(err, domain.ErrPoolEntryNotFound))
	_, err = repo.Get(ctx, b.ID)
	assert.True(t, errors.Is(err, domain.ErrPoolEntryNotFound))
}
