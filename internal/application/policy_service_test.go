package application

import (
	"context"
	"errors"
	"testing"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyServiceEffectivePolicyMatchesMergedOverride(t *testing.T) {
	t.Parallel()

	repo := newPolicyRepo(domain.DefaultPolicy())
	svc := NewPolicyService(repo, fixedClock{now: t0}, nil)
	ctx := context.Background()

	override := domain.PolicyOverride{
		MaxGapHours:         ptr(6.0),
		WeightLRS:           ptr(1.5),
		ForbidConsecutiveDR: ptr(true),
		Thresholds: []domain.ThresholdRule{
			{MeetingType: domain.MeetingTypeVIP, Mode: domain.PolicyModeNormal, Threshold: domain.Threshold{UrgentDays: 4, GeneralDays: 10}},
		},
	}
	snapshot, err := svc.UpdateEnvironment(ctx, "env-a", PolicyPatch{PolicyOverride: override, Actor: "ops"})
	require.NoError(t, err)

	state, err := svc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Merge(state.Global, override), snapshot.Policy)

	read, err := svc.EffectivePolicy(ctx, "env-a")
	require.NoError(t, err)
	assert.Equal(t, snapshot, read)
	assert.Equal(t, domain.Threshold{UrgentDays: 4, GeneralDays: 10}, read.Policy.Threshold(domain.MeetingTypeVIP))

	other, err := svc.EffectivePolicy(ctx, "env-b")
	require.NoError(t, err)
	assert.Equal(t, state.Global, other.Policy)
}

func TestPolicyServiceRejectsLockedFieldOutsideCustom(t *testing.T) {
	t.Parallel()

	repo := newPolicyRepo(domain.DefaultPolicy())
	svc := NewPolicyService(repo, fixedClock{now: t0}, nil)

	_, err := svc.UpdateGlobal(context.Background(), PolicyPatch{PolicyOverride: domain.PolicyOverride{WeightFair: ptr(3.0)}})
	var locked *domain.PolicyLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, string(domain.LockedWeightFair), locked.Field)
	assert.Equal(t, domain.PolicyModeNormal, locked.Mode)
	assert.Equal(t, "policy_locked", domain.Reason(err))
	assert.Zero(t, repo.saves)
}

func TestPolicyServiceCustomModeUnlocksFields(t *testing.T) {
	t.Parallel()

	repo := newPolicyRepo(domain.DefaultPolicy())
	svc := NewPolicyService(repo, fixedClock{now: t0}, nil)

	snapshot, err := svc.UpdateGlobal(context.Background(), PolicyPatch{
		PolicyOverride: domain.PolicyOverride{Mode: ptr(domain.PolicyModeCustom), WeightFair: ptr(3.0)},
		Actor:          "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyModeCustom, snapshot.Policy.Mode)
	assert.Equal(t, 3.0, snapshot.Policy.Weights.Fair)
	assert.Equal(t, uint64(1), snapshot.Version)
	assert.Equal(t, "admin", snapshot.Policy.UpdatedBy)
	assert.Equal(t, t0, snapshot.Policy.UpdatedAt)
}

func TestPolicyServiceModeSwitchAppliesPreset(t *testing.T) {
	t.Parallel()

	repo := newPolicyRepo(domain.DefaultPolicy())
	svc := NewPolicyService(repo, fixedClock{now: t0}, nil)
	ctx := context.Background()

	snapshot, err := svc.UpdateEnvironment(ctx, "env-a", PolicyPatch{PolicyOverride: domain.PolicyOverride{Mode: ptr(domain.PolicyModeBalance)}})
	require.NoError(t, err)

	balance := domain.Preset(domain.PolicyModeBalance)
	assert.Equal(t, domain.PolicyModeBalance, snapshot.Policy.Mode)
	assert.Equal(t, balance.FairnessWindowDays, snapshot.Policy.FairnessWindowDays)
	assert.Equal(t, balance.Weights.Fair, snapshot.Policy.Weights.Fair)
	assert.Equal(t, balance.DRConsecutivePenalty, snapshot.Policy.DRConsecutivePenalty)

	global, err := svc.EffectivePolicy(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyModeNormal, global.Policy.Mode)
}

func TestPolicyServiceRejectsOutOfRangeValues(t *testing.T) {
	t.Parallel()

	svc := NewPolicyService(newPolicyRepo(domain.DefaultPolicy()), fixedClock{now: t0}, nil)

	_, err := svc.UpdateGlobal(context.Background(), PolicyPatch{PolicyOverride: domain.PolicyOverride{
		MaxGapHours:   ptr(0.5),
		LeadTimeHours: ptr(500),
	}})
	var invalid domain.ValidationErrors
	require.ErrorAs(t, err, &invalid)
	require.Len(t, invalid, 2)
	assert.Equal(t, "max_gap_hours", invalid[0].Field)
	assert.Equal(t, "lead_time_hours", invalid[1].Field)
}

func TestPolicyServiceGlobalWriteRevalidatesEnvironments(t *testing.T) {
	t.Parallel()

	svc := NewPolicyService(newPolicyRepo(domain.DefaultPolicy()), fixedClock{now: t0}, nil)
	ctx := context.Background()

	_, err := svc.UpdateGlobal(ctx, PolicyPatch{PolicyOverride: domain.PolicyOverride{Mode: ptr(domain.PolicyModeCustom), WeightFair: ptr(2.5)}})
	require.NoError(t, err)
	_, err = svc.UpdateEnvironment(ctx, "env-a", PolicyPatch{PolicyOverride: domain.PolicyOverride{WeightUrgency: ptr(1.0)}})
	require.NoError(t, err)

	// env-a would inherit NORMAL with a custom urgency weight.
	_, err = svc.UpdateGlobal(ctx, PolicyPatch{PolicyOverride: domain.PolicyOverride{Mode: ptr(domain.PolicyModeNormal)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment env-a")
}

func TestPolicyServiceClearEnvironment(t *testing.T) {
	t.Parallel()

	svc := NewPolicyService(newPolicyRepo(domain.DefaultPolicy()), fixedClock{now: t0}, nil)
	ctx := context.Background()

	_, err := svc.UpdateEnvironment(ctx, "env-a", PolicyPatch{PolicyOverride: domain.PolicyOverride{MaxGapHours: ptr(4.0)}})
	require.NoError(t, err)

	snapshot, err := svc.ClearEnvironment(ctx, "env-a", "ops")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snapshot.Version)
	assert.Equal(t, domain.DefaultPolicy().MaxGapHours, snapshot.Policy.MaxGapHours)

	_, err = svc.ClearEnvironment(ctx, "env-a", "ops")
	assert.True(t, errors.Is(err, domain.ErrPolicyNotFound))

	_, err = svc.ClearEnvironment(ctx, " ", "ops")
	var invalid *domain.ValidationError
	assert.ErrorAs(t, err, &invalid)
}

func TestPolicyServicePreviewDoesNotWrite(t *testing.T) {
	t.Parallel()

	repo := newPolicyRepo(domain.DefaultPolicy())
	svc := NewPolicyService(repo, fixedClock{now: t0}, nil)

	candidate, result, err := svc.Preview(context.Background(), "", PolicyPatch{PolicyOverride: domain.PolicyOverride{Mode: ptr(domain.PolicyModeCustom)}})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, domain.PolicyModeCustom, candidate.Mode)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "CUSTOM")
	assert.Zero(t, repo.saves)
}

func TestPolicyServiceNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	svc := NewPolicyService(newPolicyRepo(domain.DefaultPolicy()), fixedClock{now: t0}, nil)
	var changes []PolicyChange
	svc.OnChange(func(_ context.Context, change PolicyChange) {
		changes = append(changes, change)
	})

	_, err := svc.UpdateGlobal(context.Background(), PolicyPatch{PolicyOverride: domain.PolicyOverride{Mode: ptr(domain.PolicyModeUrgent)}, Actor: "ops"})
	require.NoError(t, err)

	require.Len(t, changes, 1)
	assert.True(t, changes[0].ModeChanged())
	assert.Equal(t, uint64(1), changes[0].Version)
	urgent := domain.Preset(domain.PolicyModeUrgent)
	assert.Equal(t, urgent.Weights.Fair, changes[0].Current.Weights.Fair)
	assert.Equal(t, urgent.Weights.Urgency, changes[0].Current.Weights.Urgency)
	assert.Equal(t, domain.DefaultPolicy().Weights.LRS, changes[0].Current.Weights.LRS)
}

func TestPolicyChangeRecomputesPoolDeadlines(t *testing.T) {
	t.Parallel()

	b := newBooking("b-1", t0.Add(days(50)), 1, domain.MeetingTypeGeneral)
	h := newHarness(t, t0, []domain.Booking{b}, nil)
	ctx := context.Background()

	snapshot, err := h.policies.EffectivePolicy(ctx, b.EnvironmentID)
	require.NoError(t, err)
	entry, err := h.pool.Ensure(ctx, b, snapshot)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(days(30)), entry.DeadlineAt)

	h.clock.Set(t0.Add(days(10)))
	_, err = h.policies.UpdateGlobal(ctx, PolicyPatch{PolicyOverride: domain.PolicyOverride{
		Thresholds: []domain.ThresholdRule{
			{MeetingType: domain.MeetingTypeGeneral, Mode: domain.PolicyModeNormal, Threshold: domain.Threshold{UrgentDays: 1, GeneralDays: 5}},
		},
	}})
	require.NoError(t, err)

	updated, err := h.pool.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(days(5)), updated.DeadlineAt)
	assert.Equal(t, domain.PoolStatusDeadline, updated.Status)
}

func TestValidateWarnsOnZeroWeights(t *testing.T) {
	t.Parallel()

	policy := domain.Preset(domain.PolicyModeCustom)
	policy.Mode = domain.PolicyModeCustom
	policy.Weights = domain.Weights{}

	result := Validate(policy, domain.PolicyModeCustom)
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "all weights are zero")
}
