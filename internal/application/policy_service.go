package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/logger"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/sirupsen/logrus"
)

// PolicyPatch is a partial policy write attributed to an actor.
type PolicyPatch struct {
	domain.PolicyOverride
	Actor string
}

// PolicyChange is delivered to subscribers after a successful write.
// EnvironmentID is empty for global writes.
type PolicyChange struct {
	EnvironmentID domain.EnvironmentID
	Version       uint64
	Previous      domain.AssignmentPolicy
	Current       domain.AssignmentPolicy
	Actor         string
}

func (c PolicyChange) ModeChanged() bool {
	return c.Previous.Mode != c.Current.Mode
}

type ValidationResult struct {
	Valid    bool
	Errors   domain.ValidationErrors
	Locked   []domain.PolicyLockedError
	Warnings []string
}

// Err returns the first locked-field error, else the aggregated validation errors.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	if len(r.Locked) > 0 {
		locked := r.Locked[0]
		return &locked
	}
	return r.Errors
}

type PolicyService struct {
	repo   ports.PolicyRepository
	clock  ports.Clock
	log    *logrus.Entry
	mu     sync.Mutex
	subsMu sync.RWMutex
	subs   []func(context.Context, PolicyChange)
}

func NewPolicyService(repo ports.PolicyRepository, clock ports.Clock, log logrus.FieldLogger) *PolicyService {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &PolicyService{repo: repo, clock: clock, log: logger.Component(log, "policy")}
}

// OnChange registers fn for every successful write. Subscribers run synchronously
// after the write is persisted.
func (s *PolicyService) OnChange(fn func(context.Context, PolicyChange)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *PolicyService) EffectivePolicy(ctx context.Context, envID domain.EnvironmentID) (domain.PolicySnapshot, error) {
	state, err := s.repo.Load(ctx)
	if err != nil {
		return domain.PolicySnapshot{}, fmt.Errorf("load policy: %w", err)
	}

	return effective(state, envID), nil
}

func (s *PolicyService) State(ctx context.Context) (ports.PolicyState, error) {
	state, err := s.repo.Load(ctx)
	if err != nil {
		return ports.PolicyState{}, fmt.Errorf("load policy: %w", err)
	}
	return state, nil
}

func (s *PolicyService) Threshold(ctx context.Context, meetingType domain.MeetingType, mode domain.PolicyMode) (domain.Threshold, error) {
	state, err := s.repo.Load(ctx)
	if err != nil {
		return domain.Threshold{}, fmt.Errorf("load policy: %w", err)
	}
	return state.Global.ThresholdFor(meetingType, mode), nil
}

// Preview merges patch over the current policy of envID and validates the result
// without writing anything.
func (s *PolicyService) Preview(ctx context.Context, envID domain.EnvironmentID, patch PolicyPatch) (domain.AssignmentPolicy, ValidationResult, error) {
	state, err := s.repo.Load(ctx)
	if err != nil {
		return domain.AssignmentPolicy{}, ValidationResult{}, fmt.Errorf("load policy: %w", err)
	}

	current := effective(state, envID).Policy
	candidate := domain.Merge(current, patch.PolicyOverride)
	return candidate, Validate(candidate, current.Mode), nil
}

func (s *PolicyService) UpdateGlobal(ctx context.Context, patch PolicyPatch) (domain.PolicySnapshot, error) {
	return s.write(ctx, "", patch, false)
}

func (s *PolicyService) UpdateEnvironment(ctx context.Context, envID domain.EnvironmentID, patch PolicyPatch) (domain.PolicySnapshot, error) {
	if strings.TrimSpace(string(envID)) == "" {
		return domain.PolicySnapshot{}, &domain.ValidationError{Field: "environment", Message: "environment id is required"}
	}
	return s.write(ctx, envID, patch, false)
}

func (s *PolicyService) ClearEnvironment(ctx context.Context, envID domain.EnvironmentID, actor string) (domain.PolicySnapshot, error) {
	if strings.TrimSpace(string(envID)) == "" {
		return domain.PolicySnapshot{}, &domain.ValidationError{Field: "environment", Message: "environment id is required"}
	}
	return s.write(ctx, envID, PolicyPatch{Actor: actor}, true)
}

func (s *PolicyService) write(ctx context.Context, envID domain.EnvironmentID, patch PolicyPatch, clear bool) (domain.PolicySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.repo.Load(ctx)
	if err != nil {
		return domain.PolicySnapshot{}, fmt.Errorf("load policy: %w", err)
	}

	previous := effective(state, envID).Policy
	next := cloneState(state)

	switch {
	case envID == "":
		next.Global = domain.Merge(state.Global, patch.PolicyOverride)
	case clear:
		if _, ok := next.Environments[envID]; !ok {
			return domain.PolicySnapshot{}, &domain.NotFoundError{Kind: "policy override", ID: string(envID), Err: domain.ErrPolicyNotFound}
		}
		delete(next.Environments, envID)
	default:
		next.Environments[envID] = domain.MergeOverrides(next.Environments[envID], overrideFor(state, envID, patch.PolicyOverride))
	}

	candidate := effective(next, envID).Policy
	result := Validate(candidate, previous.Mode)
	if !result.Valid {
		return domain.PolicySnapshot{}, result.Err()
	}
	if envID == "" {
		for id := range next.Environments {
			if check := Validate(effective(next, id).Policy, effective(state, id).Policy.Mode); !check.Valid {
				return domain.PolicySnapshot{}, fmt.Errorf("environment %s: %w", id, check.Err())
			}
		}
	}

	now := s.clock.Now()
	next.Version = state.Version + 1
	next.Global.UpdatedAt = now
	next.Global.UpdatedBy = strings.TrimSpace(patch.Actor)

	if err := s.repo.Save(ctx, next); err != nil {
		return domain.PolicySnapshot{}, fmt.Errorf("save policy: %w", err)
	}

	snapshot := effective(next, envID)
	logger.Audit(s.log, "policy.write", patch.Actor, logrus.Fields{
		"environment": string(envID),
		"version":     next.Version,
		"mode":        string(snapshot.Policy.Mode),
		"cleared":     clear,
	})
	for _, warning := range result.Warnings {
		s.log.WithField("environment", string(envID)).Warn(warning)
	}

	s.publish(ctx, PolicyChange{
		EnvironmentID: envID,
		Version:       next.Version,
		Previous:      previous,
		Current:       snapshot.Policy,
		Actor:         patch.Actor,
	})

	return snapshot, nil
}

func (s *PolicyService) publish(ctx context.Context, change PolicyChange) {
	s.subsMu.RLock()
	subs := append([]func(context.Context, PolicyChange){}, s.subs...)
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(ctx, change)
	}
}

// overrideFor makes an environment mode switch carry the new preset's locked
// fields, so the stored override stays consistent with the merged result.
func overrideFor(state ports.PolicyState, envID domain.EnvironmentID, o domain.PolicyOverride) domain.PolicyOverride {
	if o.Mode == nil {
		return o
	}
	current := effective(state, envID).Policy
	if *o.Mode == current.Mode || *o.Mode == domain.PolicyModeCustom {
		return o
	}
	preset := domain.Preset(*o.Mode)
	out := o
	if out.FairnessWindowDays == nil {
		out.FairnessWindowDays = &preset.FairnessWindowDays
	}
	if out.WeightFair == nil {
		out.WeightFair = &preset.Weights.Fair
	}
	if out.WeightUrgency == nil {
		out.WeightUrgency = &preset.Weights.Urgency
	}
	if out.DRConsecutivePenalty == nil {
		out.DRConsecutivePenalty = &preset.DRConsecutivePenalty
	}
	return out
}

func effective(state ports.PolicyState, envID domain.EnvironmentID) domain.PolicySnapshot {
	policy := state.Global.Clone()
	if envID != "" {
		if override, ok := state.Environments[envID]; ok {
			policy = domain.Merge(policy, override)
		}
	}
	return domain.PolicySnapshot{Version: state.Version, EnvironmentID: envID, Policy: policy}
}

func cloneState(state ports.PolicyState) ports.PolicyState {
	out := ports.PolicyState{
		Version:      state.Version,
		Global:       state.Global.Clone(),
		Environments: make(map[domain.EnvironmentID]domain.PolicyOverride, len(state.Environments)),
	}
	for id, override := range state.Environments {
		override.Thresholds = append([]domain.ThresholdRule(nil), override.Thresholds...)
		out.Environments[id] = override
	}
	return out
}

// Validate checks ranges and the mode lock of a fully merged candidate.
func Validate(candidate domain.AssignmentPolicy, currentMode domain.PolicyMode) ValidationResult {
	result := ValidationResult{}
	fail := func(field, format string, args ...any) {
		result.Errors = append(result.Errors, domain.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := domain.ParsePolicyMode(string(candidate.Mode)); err != nil {
		var invalid *domain.ValidationError
		if errors.As(err, &invalid) {
			result.Errors = append(result.Errors, *invalid)
		}
	}
	if candidate.FairnessWindowDays < 7 || candidate.FairnessWindowDays > 90 {
		fail("fairness_window_days", "must be between 7 and 90, got %d", candidate.FairnessWindowDays)
	}
	if candidate.MaxGapHours < 1 || candidate.MaxGapHours > 100 {
		fail("max_gap_hours", "must be between 1 and 100, got %g", candidate.MaxGapHours)
	}
	weights := []struct {
		field string
		value float64
	}{
		{"w_fair", candidate.Weights.Fair},
		{"w_urgency", candidate.Weights.Urgency},
		{"w_lrs", candidate.Weights.LRS},
	}
	for _, weight := range weights {
		if weight.value < 0 || weight.value > 5 {
			fail(weight.field, "must be between 0 and 5, got %g", weight.value)
		}
	}
	if candidate.DRConsecutivePenalty < -2 || candidate.DRConsecutivePenalty > 0 {
		fail("dr_consecutive_penalty", "must be between -2 and 0, got %g", candidate.DRConsecutivePenalty)
	}
	if candidate.LeadTimeHours < 0 || candidate.LeadTimeHours > 168 {
		fail("lead_time_hours", "must be between 0 and 168, got %d", candidate.LeadTimeHours)
	}
	for _, rule := range candidate.Thresholds {
		field := fmt.Sprintf("threshold[%s/%s]", rule.MeetingType, rule.Mode)
		if !rule.MeetingType.Valid() {
			fail(field, "unknown meeting type %q", rule.MeetingType)
		}
		if _, err := domain.ParsePolicyMode(string(rule.Mode)); err != nil {
			fail(field, "unknown policy mode %q", rule.Mode)
		}
		if rule.UrgentDays < 0 || rule.GeneralDays > 365 || rule.UrgentDays > rule.GeneralDays {
			fail(field, "requires 0 <= urgent (%d) <= general (%d) <= 365", rule.UrgentDays, rule.GeneralDays)
		}
	}

	if candidate.Mode != domain.PolicyModeCustom {
		preset := domain.Preset(candidate.Mode)
		for _, field := range domain.LockedFields() {
			if candidate.LockedValue(field) != preset.LockedValue(field) {
				result.Locked = append(result.Locked, domain.PolicyLockedError{Mode: candidate.Mode, Field: string(field)})
			}
		}
	}

	w := candidate.Weights
	if w.Fair == 0 && w.Urgency == 0 && w.LRS == 0 {
		result.Warnings = append(result.Warnings, "all weights are zero; ranking falls back to interpreter code order")
	}
	if candidate.Mode == domain.PolicyModeBalance && w.Urgency > w.Fair {
		result.Warnings = append(result.Warnings, "urgency weight dominates fairness in BALANCE mode")
	}
	if candidate.Mode == domain.PolicyModeCustom && currentMode != domain.PolicyModeCustom && currentMode != "" {
		result.Warnings = append(result.Warnings, fmt.Sprintf("switching from %s to CUSTOM unlocks preset parameters", currentMode))
	}
	if candidate.ForbidConsecutiveDR && candidate.DRConsecutivePenalty == 0 {
		result.Warnings = append(result.Warnings, "consecutive DR assignments are forbidden; the soft penalty has no effect")
	}

	result.Valid = len(result.Errors) == 0 && len(result.Locked) == 0
	return result
}
