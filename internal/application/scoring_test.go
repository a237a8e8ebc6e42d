package application

import (
	"context"
	"testing"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(policy domain.AssignmentPolicy) domain.PolicySnapshot {
	return domain.PolicySnapshot{Version: 1, Policy: policy}
}

func forbidConsecutive() domain.AssignmentPolicy {
	policy := domain.DefaultPolicy()
	policy.ForbidConsecutiveDR = true
	return policy
}

func TestSelectInterpreterPrefersLowerWorkload(t *testing.T) {
	t.Parallel()

	history := []domain.Booking{
		assignedTo(newBooking("h-1", t0.Add(-days(5)), 5, domain.MeetingTypeGeneral), "i-1"),
		assignedTo(newBooking("h-2", t0.Add(-days(3)), 5, domain.MeetingTypeGeneral), "i-1"),
		assignedTo(newBooking("h-3", t0.Add(-days(2)), 2, domain.MeetingTypeGeneral), "i-2"),
	}
	target := newBooking("b-1", t0.Add(days(10)), 1, domain.MeetingTypeGeneral)
	repo := newBookingRepo(append(history, target)...)
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, nil)

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(domain.DefaultPolicy()), []domain.Interpreter{
		newInterpreter("i-1", "A01"),
		newInterpreter("i-2", "A02"),
	})
	require.NoError(t, err)
	require.True(t, selection.Found())
	assert.Equal(t, domain.InterpreterID("i-2"), selection.InterpreterID)
	assert.Equal(t, 10.0, selection.Workload["i-1"])
	assert.Equal(t, 2.0, selection.Workload["i-2"])

	require.Len(t, selection.Ranked, 2)
	assert.InDelta(t, 0.8, selection.Ranked[0].Fairness, 1e-9)
	assert.InDelta(t, 0.0, selection.Ranked[1].Fairness, 1e-9)
	assert.Greater(t, selection.Ranked[0].Total, selection.Ranked[1].Total)
}

func TestSelectInterpreterExcludesPreviousDRAssignee(t *testing.T) {
	t.Parallel()

	previous := newBooking("dr-prev", t0.Add(-days(1)), 2, domain.MeetingTypeDR)
	target := newBooking("dr-next", t0.Add(days(10)), 2, domain.MeetingTypeDR)
	repo := newBookingRepo(assignedTo(previous, "i-1"), target)
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, nil)

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(forbidConsecutive()), []domain.Interpreter{
		newInterpreter("i-1", "A01"),
		newInterpreter("i-2", "A02"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InterpreterID("i-2"), selection.InterpreterID)
	assert.True(t, selection.DR.Blocked)
	assert.False(t, selection.DR.OverrideApplied)
	assert.Equal(t, domain.InterpreterID("i-1"), selection.DR.LastAssignee)
	require.Len(t, selection.Ranked, 1)
}

func TestSelectInterpreterDROverrideWhenOnlyOptionIsUrgent(t *testing.T) {
	t.Parallel()

	previous := newBooking("dr-prev", t0.Add(-days(2)), 2, domain.MeetingTypeDR)
	target := newBooking("dr-next", t0.Add(12*time.Hour), 2, domain.MeetingTypeDR)
	repo := newBookingRepo(assignedTo(previous, "i-1"), target)
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, nil)

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(forbidConsecutive()), []domain.Interpreter{
		newInterpreter("i-1", "A01"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InterpreterID("i-1"), selection.InterpreterID)
	assert.True(t, selection.DR.OverrideApplied)
	assert.False(t, selection.DR.Blocked)
	assert.Equal(t, OverrideNoAlternative, selection.DR.OverrideReason)
	assert.Equal(t, forbidConsecutive().DRConsecutivePenalty, selection.Ranked[0].ConsecutivePenalty)
}

func TestSelectInterpreterNoOverrideOutsideUrgentWindow(t *testing.T) {
	t.Parallel()

	previous := newBooking("dr-prev", t0.Add(-days(2)), 2, domain.MeetingTypeDR)
	target := newBooking("dr-next", t0.Add(days(5)), 2, domain.MeetingTypeDR)
	repo := newBookingRepo(assignedTo(previous, "i-1"), target)
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, nil)

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(forbidConsecutive()), []domain.Interpreter{
		newInterpreter("i-1", "A01"),
	})
	require.NoError(t, err)
	assert.False(t, selection.Found())
	assert.True(t, selection.DR.Blocked)
}

func TestSelectInterpreterCriticalCoverageOverride(t *testing.T) {
	t.Parallel()

	previous := newBooking("dr-prev", t0.Add(-days(2)), 2, domain.MeetingTypeDR)
	target := newBooking("dr-next", t0.Add(days(5)), 2, domain.MeetingTypeDR)
	target.CriticalCoverage = true
	repo := newBookingRepo(assignedTo(previous, "i-1"), target)
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, nil)

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(forbidConsecutive()), []domain.Interpreter{
		newInterpreter("i-1", "A01"),
		newInterpreter("i-2", "A02"),
	})
	require.NoError(t, err)
	assert.True(t, selection.DR.OverrideApplied)
	assert.Equal(t, OverrideCriticalCoverage, selection.DR.OverrideReason)
	assert.Len(t, selection.Ranked, 2)
}

func TestSelectInterpreterUsesInjectedOverridePredicate(t *testing.T) {
	t.Parallel()

	previous := newBooking("dr-prev", t0.Add(-days(2)), 2, domain.MeetingTypeDR)
	target := newBooking("dr-next", t0.Add(days(5)), 2, domain.MeetingTypeDR)
	repo := newBookingRepo(assignedTo(previous, "i-1"), target)

	var seen DROverrideInput
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, func(in DROverrideInput) (bool, string) {
		seen = in
		return true, "load_shedding"
	})

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(forbidConsecutive()), []domain.Interpreter{
		newInterpreter("i-1", "A01"),
		newInterpreter("i-2", "A02"),
	})
	require.NoError(t, err)
	assert.Equal(t, "load_shedding", selection.DR.OverrideReason)
	assert.Equal(t, 1, seen.Alternatives)
	assert.Equal(t, domain.InterpreterID("i-1"), seen.LastAssignee)
}

func TestSelectInterpreterSoftPenaltyWhenNotForbidden(t *testing.T) {
	t.Parallel()

	previous := newBooking("dr-prev", t0.Add(-days(15)), 1, domain.MeetingTypeDR)
	target := newBooking("dr-next", t0.Add(days(10)), 1, domain.MeetingTypeDR)
	repo := newBookingRepo(assignedTo(previous, "i-1"), target)
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, nil)

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(domain.DefaultPolicy()), []domain.Interpreter{
		newInterpreter("i-1", "A01"),
		newInterpreter("i-2", "A02"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InterpreterID("i-2"), selection.InterpreterID)
	assert.True(t, selection.DR.PenaltyApplied)
	assert.False(t, selection.DR.Blocked)
	for _, score := range selection.Ranked {
		if score.InterpreterID == "i-1" {
			assert.Equal(t, domain.DefaultPolicy().DRConsecutivePenalty, score.ConsecutivePenalty)
		}
	}
}

func TestSelectInterpreterFiltersEligibility(t *testing.T) {
	t.Parallel()

	target := newBooking("b-1", t0.Add(days(10)), 1, domain.MeetingTypeGeneral)
	target.ForwardTargets = []domain.EnvironmentID{"env-b"}
	busy := assignedTo(newBooking("busy", t0.Add(days(10)), 2, domain.MeetingTypeGeneral), "i-busy")
	repo := newBookingRepo(target, busy)
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, nil)

	inactive := newInterpreter("i-off", "A00")
	inactive.Active = false
	noRole := newInterpreter("i-norole", "A05")
	noRole.Roles = []string{"admin"}

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(domain.DefaultPolicy()), []domain.Interpreter{
		inactive,
		noRole,
		newInterpreter("i-elsewhere", "A06", "env-z"),
		newInterpreter("i-busy", "A01"),
		newInterpreter("i-forward", "A09", "env-b"),
		newInterpreter("i-home", "A08", "env-a"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, selection.Eligible)
	assert.Contains(t, selection.Conflicted, domain.InterpreterID("i-busy"))
	assert.Equal(t, []domain.InterpreterID{"i-home", "i-forward"}, selection.Next(5))
}

func TestSelectInterpreterTieBreaksByCode(t *testing.T) {
	t.Parallel()

	target := newBooking("b-1", t0.Add(days(10)), 1, domain.MeetingTypeGeneral)
	repo := newBookingRepo(target)
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, nil)

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(domain.DefaultPolicy()), []domain.Interpreter{
		newInterpreter("i-z", "Z99"),
		newInterpreter("i-b", "B10"),
		newInterpreter("i-a", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.InterpreterID{"i-b", "i-z", "i-a"}, selection.Next(3))
}

func TestSelectInterpreterGapGuardDropsOverloaded(t *testing.T) {
	t.Parallel()

	history := []domain.Booking{
		assignedTo(newBooking("h-1", t0.Add(-days(4)), 12, domain.MeetingTypeGeneral), "i-1"),
	}
	target := newBooking("b-1", t0.Add(days(10)), 1, domain.MeetingTypeGeneral)
	repo := newBookingRepo(append(history, target)...)
	engine := NewScoringEngine(repo, NewConflictDetector(repo), fixedClock{now: t0}, nil)

	selection, err := engine.SelectInterpreter(context.Background(), target, snapshotOf(domain.DefaultPolicy()), []domain.Interpreter{
		newInterpreter("i-1", "A01"),
		newInterpreter("i-2", "A02"),
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.InterpreterID{"i-1"}, selection.GapDropped)
	assert.Equal(t, []domain.InterpreterID{"i-2"}, selection.Next(3))
}

func TestScoreComponents(t *testing.T) {
	t.Parallel()

	policy := domain.DefaultPolicy()
	general := policy.Threshold(domain.MeetingTypeGeneral)

	assert.Equal(t, 1.0, fairnessScore(0, 0))
	assert.InDelta(t, 0.25, fairnessScore(3, 4), 1e-9)

	urgent := newBooking("u", t0.Add(days(float64(general.UrgentDays))), 1, domain.MeetingTypeGeneral)
	assert.Equal(t, 1.0, urgencyScore(urgent, policy, t0))
	far := newBooking("f", t0.Add(days(float64(general.GeneralDays)*2)), 1, domain.MeetingTypeGeneral)
	assert.Equal(t, 0.0, urgencyScore(far, policy, t0))
	mid := newBooking("m", t0.Add(days(15)), 1, domain.MeetingTypeGeneral)
	assert.InDelta(t, 0.5, urgencyScore(mid, policy, t0), 1e-9)

	assert.Equal(t, 1.0, lrsScore(time.Time{}, t0, 30))
	assert.InDelta(t, 0.5, lrsScore(t0.Add(-days(15)), t0, 30), 1e-9)
	assert.Equal(t, 1.0, lrsScore(t0.Add(-days(90)), t0, 30))
}
