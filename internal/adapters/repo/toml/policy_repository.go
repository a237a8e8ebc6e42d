package toml

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/spf13/viper"
)

const (
	policyPathKey  = "policy.path"
	policyFileName = "policy.toml"
)

// PolicyRepository stores the global policy and the per-environment overrides
// in one document so a write is atomic across both.
type PolicyRepository struct {
	path string
	mu   *sync.RWMutex
}

var _ ports.PolicyRepository = (*PolicyRepository)(nil)

func NewPolicyRepository(cfg *viper.Viper) (*PolicyRepository, error) {
	path, err := resolvePath(cfg, policyPathKey, policyFileName)
	if err != nil {
		return nil, err
	}

	return &PolicyRepository{path: path, mu: lockForPath(path)}, nil
}

func (r *PolicyRepository) Path() string {
	return r.path
}

// Load returns the NORMAL preset at revision 0 when nothing was written yet.
func (r *PolicyRepository) Load(ctx context.Context) (ports.PolicyState, error) {
	if err := ctx.Err(); err != nil {
		return ports.PolicyState{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var file policyFileSchema
	if err := readTOMLFile(r.path, "policy", &file); err != nil {
		return ports.PolicyState{}, err
	}
	if err := file.validateVersion(); err != nil {
		return ports.PolicyState{}, err
	}

	state := ports.PolicyState{
		Version:      file.Revision,
		Global:       domain.DefaultPolicy(),
		Environments: map[domain.EnvironmentID]domain.PolicyOverride{},
	}
	if file.Global != nil {
		global, err := fromPolicySchema(*file.Global)
		if err != nil {
			return ports.PolicyState{}, fmt.Errorf("decode global policy: %w", err)
		}
		state.Global = global
	}
	for _, entry := range file.Environments {
		override, err := fromOverrideSchema(entry)
		if err != nil {
			return ports.PolicyState{}, fmt.Errorf("decode policy of environment %s: %w", entry.EnvironmentID, err)
		}
		state.Environments[domain.EnvironmentID(entry.EnvironmentID)] = override
	}

	return state, nil
}

func (r *PolicyRepository) Save(ctx context.Context, state ports.PolicyState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	global := toPolicySchema(state.Global)
	file := policyFileSchema{Revision: state.Version, Global: &global}
	for id, override := range state.Environments {
		file.Environments = append(file.Environments, toOverrideSchema(id, override))
	}
	sort.Slice(file.Environments, func(i, j int) bool {
		return file.Environments[i].EnvironmentID < file.Environments[j].EnvironmentID
	})
	file.applyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	return writeTOMLFile(r.path, file)
}

func toPolicySchema(policy domain.AssignmentPolicy) policySchema {
	return policySchema{
		Mode:                 string(policy.Mode),
		FairnessWindowDays:   policy.FairnessWindowDays,
		MaxGapHours:          policy.MaxGapHours,
		WeightFair:           policy.Weights.Fair,
		WeightUrgency:        policy.Weights.Urgency,
		WeightLRS:            policy.Weights.LRS,
		DRConsecutivePenalty: policy.DRConsecutivePenalty,
		ForbidConsecutiveDR:  policy.ForbidConsecutiveDR,
		LeadTimeHours:        policy.LeadTimeHours,
		Thresholds:           toThresholdSchemas(policy.Thresholds),
		UpdatedAt:            formatTime(policy.UpdatedAt),
		UpdatedBy:            policy.UpdatedBy,
	}
}

func fromPolicySchema(schema policySchema) (domain.AssignmentPolicy, error) {
	mode, err := domain.ParsePolicyMode(schema.Mode)
	if err != nil {
		return domain.AssignmentPolicy{}, err
	}
	thresholds, err := fromThresholdSchemas(schema.Thresholds)
	if err != nil {
		return domain.AssignmentPolicy{}, err
	}

	return domain.AssignmentPolicy{
		Mode:                 mode,
		FairnessWindowDays:   schema.FairnessWindowDays,
		MaxGapHours:          schema.MaxGapHours,
		Weights:              domain.Weights{Fair: schema.WeightFair, Urgency: schema.WeightUrgency, LRS: schema.WeightLRS},
		DRConsecutivePenalty: schema.DRConsecutivePenalty,
		ForbidConsecutiveDR:  schema.ForbidConsecutiveDR,
		LeadTimeHours:        schema.LeadTimeHours,
		Thresholds:           thresholds,
		UpdatedAt:            parseTime(schema.UpdatedAt),
		UpdatedBy:            schema.UpdatedBy,
	}, nil
}

func toOverrideSchema(id domain.EnvironmentID, override domain.PolicyOverride) environmentOverrideSchema {
	out := environmentOverrideSchema{
		EnvironmentID:        string(id),
		FairnessWindowDays:   override.FairnessWindowDays,
		MaxGapHours:          override.MaxGapHours,
		WeightFair:           override.WeightFair,
		WeightUrgency:        override.WeightUrgency,
		WeightLRS:            override.WeightLRS,
		DRConsecutivePenalty: override.DRConsecutivePenalty,
		ForbidConsecutiveDR:  override.ForbidConsecutiveDR,
		LeadTimeHours:        override.LeadTimeHours,
		Thresholds:           toThresholdSchemas(override.Thresholds),
	}
	if override.Mode != nil {
		mode := string(*override.Mode)
		out.Mode = &mode
	}
	return out
}

func fromOverrideSchema(schema environmentOverrideSchema) (domain.PolicyOverride, error) {
	thresholds, err := fromThresholdSchemas(schema.Thresholds)
	if err != nil {
		return domain.PolicyOverride{}, err
	}

	out := domain.PolicyOverride{
		FairnessWindowDays:   schema.FairnessWindowDays,
		MaxGapHours:          schema.MaxGapHours,
		WeightFair:           schema.WeightFair,
		WeightUrgency:        schema.WeightUrgency,
		WeightLRS:            schema.WeightLRS,
		DRConsecutivePenalty: schema.DRConsecutivePenalty,
		ForbidConsecutiveDR:  schema.ForbidConsecutiveDR,
		LeadTimeHours:        schema.LeadTimeHours,
		Thresholds:           thresholds,
	}
	if schema.Mode != nil {
		mode, err := domain.ParsePolicyMode(*schema.Mode)
		if err != nil {
			return domain.PolicyOverride{}, err
		}
		out.Mode = &mode
	}
	return out, nil
}

func toThresholdSchemas(rules []domain.ThresholdRule) []thresholdSchema {
	if len(rules) == 0 {
		return nil
	}
	out := make([]thresholdSchema, 0, len(rules))
	for _, rule := range rules {
		out = append(out, thresholdSchema{
			MeetingType: string(rule.MeetingType),
			Mode:        string(rule.Mode),
			UrgentDays:  rule.UrgentDays,
			GeneralDays: rule.GeneralDays,
		})
	}
	return out
}

func fromThresholdSchemas(schemas []thresholdSchema) ([]domain.ThresholdRule, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	out := make([]domain.ThresholdRule, 0, len(schemas))
	for _, schema := range schemas {
		meetingType, err := domain.ParseMeetingType(schema.MeetingType)
		if err != nil {
			return nil, err
		}
		mode, err := domain.ParsePolicyMode(schema.Mode)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ThresholdRule{
			MeetingType: meetingType,
			Mode:        mode,
			Threshold:   domain.Threshold{UrgentDays: schema.UrgentDays, GeneralDays: schema.GeneralDays},
		})
	}
	return out, nil
}
