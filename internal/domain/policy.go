package domain

import (
	"fmt"
	"strings"
	"time"
)

type PolicyMode string

const (
	PolicyModeBalance PolicyMode = "BALANCE"
	PolicyModeNormal  PolicyMode = "NORMAL"
	PolicyModeUrgent  PolicyMode = "URGENT"
	PolicyModeCustom  PolicyMode = "CUSTOM"
)

func ParsePolicyMode(raw string) (PolicyMode, error) {
	mode := PolicyMode(strings.ToUpper(strings.TrimSpace(raw)))
	switch mode {
	case PolicyModeBalance, PolicyModeNormal, PolicyModeUrgent, PolicyModeCustom:
		return mode, nil
	default:
		return "", &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown policy mode %q", raw)}
	}
}

type Weights struct {
	Fair    float64
	Urgency float64
	LRS     float64
}

type Threshold struct {
	UrgentDays  int
	GeneralDays int
}

// ThresholdRule overrides the built-in threshold for one (meeting type, mode) pair.
type ThresholdRule struct {
	MeetingType MeetingType
	Mode        PolicyMode
	Threshold
}

type AssignmentPolicy struct {
	Mode                 PolicyMode
	FairnessWindowDays   int
	MaxGapHours          float64
	Weights              Weights
	DRConsecutivePenalty float64
	ForbidConsecutiveDR  bool
	LeadTimeHours        int
	Thresholds           []ThresholdRule
	UpdatedAt            time.Time
	UpdatedBy            string
}

// PolicySnapshot is the immutable view handed to one booking evaluation.
type PolicySnapshot struct {
	Version       uint64
	EnvironmentID EnvironmentID
	Policy        AssignmentPolicy
}

// LockedField names a parameter fixed by non-CUSTOM presets.
type LockedField string

const (
	LockedFairnessWindow LockedField = "fairness_window_days"
	LockedWeightFair     LockedField = "w_fair"
	LockedWeightUrgency  LockedField = "w_urgency"
	LockedDRPenalty      LockedField = "dr_consecutive_penalty"
)

func LockedFields() []LockedField {
	return []LockedField{LockedFairnessWindow, LockedWeightFair, LockedWeightUrgency, LockedDRPenalty}
}

// Preset returns the mode's parameter set. CUSTOM starts from NORMAL values.
func Preset(mode PolicyMode) AssignmentPolicy {
	switch mode {
	case PolicyModeBalance:
		return AssignmentPolicy{
			Mode:                 PolicyModeBalance,
			FairnessWindowDays:   60,
			MaxGapHours:          10,
			Weights:              Weights{Fair: 2.0, Urgency: 0.6, LRS: 0.6},
			DRConsecutivePenalty: -0.8,
			LeadTimeHours:        24,
		}
	case PolicyModeUrgent:
		return AssignmentPolicy{
			Mode:                 PolicyModeUrgent,
			FairnessWindowDays:   7,
			MaxGapHours:          20,
			Weights:              Weights{Fair: 0.5, Urgency: 2.0, LRS: 0.2},
			DRConsecutivePenalty: -0.2,
			LeadTimeHours:        72,
		}
	case PolicyModeCustom:
		p := Preset(PolicyModeNormal)
		p.Mode = PolicyModeCustom
		return p
	default:
		return AssignmentPolicy{
			Mode:                 PolicyModeNormal,
			FairnessWindowDays:   30,
			MaxGapHours:          10,
			Weights:              Weights{Fair: 1.2, Urgency: 0.8, LRS: 0.3},
			DRConsecutivePenalty: -0.7,
			LeadTimeHours:        48,
		}
	}
}

func DefaultPolicy() AssignmentPolicy {
	return Preset(PolicyModeNormal)
}

var builtinThresholds = map[MeetingType]map[PolicyMode]Threshold{
	MeetingTypeDR: {
		PolicyModeBalance: {UrgentDays: 2, GeneralDays: 14},
		PolicyModeNormal:  {UrgentDays: 1, GeneralDays: 7},
		PolicyModeUrgent:  {UrgentDays: 1, GeneralDays: 3},
	},
	MeetingTypeVIP: {
		PolicyModeBalance: {UrgentDays: 2, GeneralDays: 14},
		PolicyModeNormal:  {UrgentDays: 2, GeneralDays: 7},
		PolicyModeUrgent:  {UrgentDays: 1, GeneralDays: 3},
	},
	MeetingTypePresident: {
		PolicyModeBalance: {UrgentDays: 3, GeneralDays: 30},
		PolicyModeNormal:  {UrgentDays: 2, GeneralDays: 14},
		PolicyModeUrgent:  {UrgentDays: 1, GeneralDays: 7},
	},
	MeetingTypeUrgent: {
		PolicyModeBalance: {UrgentDays: 1, GeneralDays: 3},
		PolicyModeNormal:  {UrgentDays: 1, GeneralDays: 2},
		PolicyModeUrgent:  {UrgentDays: 0, GeneralDays: 1},
	},
}

var fallbackThresholds = map[PolicyMode]Threshold{
	PolicyModeBalance: {UrgentDays: 3, GeneralDays: 30},
	PolicyModeNormal:  {UrgentDays: 3, GeneralDays: 30},
	PolicyModeUrgent:  {UrgentDays: 1, GeneralDays: 7},
}

// BuiltinThreshold is the table used when no rule matches. CUSTOM reads the NORMAL row.
func BuiltinThreshold(meetingType MeetingType, mode PolicyMode) Threshold {
	if mode == PolicyModeCustom || mode == "" {
		mode = PolicyModeNormal
	}
	if byMode, ok := builtinThresholds[meetingType]; ok {
		if threshold, ok := byMode[mode]; ok {
			return threshold
		}
	}
	if threshold, ok := fallbackThresholds[mode]; ok {
		return threshold
	}
	return Threshold{UrgentDays: 3, GeneralDays: 30}
}

func (p AssignmentPolicy) Threshold(meetingType MeetingType) Threshold {
	return p.ThresholdFor(meetingType, p.Mode)
}

func (p AssignmentPolicy) ThresholdFor(meetingType MeetingType, mode PolicyMode) Threshold {
	for _, rule := range p.Thresholds {
		if rule.MeetingType == meetingType && rule.Mode == mode {
			return rule.Threshold
		}
	}
	return BuiltinThreshold(meetingType, mode)
}

func (p AssignmentPolicy) FairnessWindow() time.Duration {
	return time.Duration(p.FairnessWindowDays) * 24 * time.Hour
}

func (p AssignmentPolicy) LeadTime() time.Duration {
	return time.Duration(p.LeadTimeHours) * time.Hour
}

// LockedValue returns the current value of a locked field.
func (p AssignmentPolicy) LockedValue(field LockedField) float64 {
	switch field {
	case LockedFairnessWindow:
		return float64(p.FairnessWindowDays)
	case LockedWeightFair:
		return p.Weights.Fair
	case LockedWeightUrgency:
		return p.Weights.Urgency
	case LockedDRPenalty:
		return p.DRConsecutivePenalty
	default:
		return 0
	}
}

func (p AssignmentPolicy) Clone() AssignmentPolicy {
	out := p
	out.Thresholds = append([]ThresholdRule(nil), p.Thresholds...)
	return out
}

// PolicyOverride carries only the fields a writer or an environment sets.
type PolicyOverride struct {
	Mode                 *PolicyMode
	FairnessWindowDays   *int
	MaxGapHours          *float64
	WeightFair           *float64
	WeightUrgency        *float64
	WeightLRS            *float64
	DRConsecutivePenalty *float64
	ForbidConsecutiveDR  *bool
	LeadTimeHours        *int
	Thresholds           []ThresholdRule
}

func (o PolicyOverride) Empty() bool {
	return o.Mode == nil && o.FairnessWindowDays == nil && o.MaxGapHours == nil &&
		o.WeightFair == nil && o.WeightUrgency == nil && o.WeightLRS == nil &&
		o.DRConsecutivePenalty == nil && o.ForbidConsecutiveDR == nil &&
		o.LeadTimeHours == nil && len(o.Thresholds) == 0
}

// Merge overlays o on base. A mode switch first resets the locked fields to the new
// mode's preset, then explicit override fields win.
func Merge(base AssignmentPolicy, o PolicyOverride) AssignmentPolicy {
	out := base.Clone()

	if o.Mode != nil && *o.Mode != out.Mode {
		preset := Preset(*o.Mode)
		out.Mode = *o.Mode
		if *o.Mode != PolicyModeCustom {
			out.FairnessWindowDays = preset.FairnessWindowDays
			out.Weights.Fair = preset.Weights.Fair
			out.Weights.Urgency = preset.Weights.Urgency
			out.DRConsecutivePenalty = preset.DRConsecutivePenalty
		}
	}
	if o.FairnessWindowDays != nil {
		out.FairnessWindowDays = *o.FairnessWindowDays
	}
	if o.MaxGapHours != nil {
		out.MaxGapHours = *o.MaxGapHours
	}
	if o.WeightFair != nil {
		out.Weights.Fair = *o.WeightFair
	}
	if o.WeightUrgency != nil {
		out.Weights.Urgency = *o.WeightUrgency
	}
	if o.WeightLRS != nil {
		out.Weights.LRS = *o.WeightLRS
	}
	if o.DRConsecutivePenalty != nil {
		out.DRConsecutivePenalty = *o.DRConsecutivePenalty
	}
	if o.ForbidConsecutiveDR != nil {
		out.ForbidConsecutiveDR = *o.ForbidConsecutiveDR
	}
	if o.LeadTimeHours != nil {
		out.LeadTimeHours = *o.LeadTimeHours
	}
	for _, rule := range o.Thresholds {
		out.Thresholds = upsertThreshold(out.Thresholds, rule)
	}

	return out
}

// MergeOverrides folds b over a, b winning per field.
func MergeOverrides(a, b PolicyOverride) PolicyOverride {
	out := a
	out.Thresholds = append([]ThresholdRule(nil), a.Thresholds...)
	if b.Mode != nil {
		out.Mode = b.Mode
	}
	if b.FairnessWindowDays != nil {
		out.FairnessWindowDays = b.FairnessWindowDays
	}
	if b.MaxGapHours != nil {
		out.MaxGapHours = b.MaxGapHours
	}
	if b.WeightFair != nil {
		out.WeightFair = b.WeightFair
	}
	if b.WeightUrgency != nil {
		out.WeightUrgency = b.WeightUrgency
	}
	if b.WeightLRS != nil {
		out.WeightLRS = b.WeightLRS
	}
	if b.DRConsecutivePenalty != nil {
		out.DRConsecutivePenalty = b.DRConsecutivePenalty
	}
	if b.ForbidConsecutiveDR != nil {
		out.ForbidConsecutiveDR = b.ForbidConsecutiveDR
	}
	if b.LeadTimeHours != nil {
		out.LeadTimeHours = b.LeadTimeHours
	}
	for _, rule := range b.Thresholds {
		out.Thresholds = upsertThreshold(out.Thresholds, rule)
	}
	return out
}

func upsertThreshold(rules []ThresholdRule, rule ThresholdRule) []ThresholdRule {
	for i := range rules {
		if rules[i].MeetingType == rule.MeetingType && rules[i].Mode == rule.Mode {
			rules[i] = rule
			return rules
		}
	}
	return append(rules, rule)
}
