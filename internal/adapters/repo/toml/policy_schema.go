package toml

import "fmt"

const currentPolicySchemaVersion = 1

type policyFileSchema struct {
	Version      int                         `toml:"version"`
	Revision     uint64                      `toml:"revision"`
	Global       *policySchema               `toml:"global,omitempty"`
	Environments []environmentOverrideSchema `toml:"environments,omitempty"`
}

func (s *policyFileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentPolicySchemaVersion
	}
}

func (s policyFileSchema) validateVersion() error {
	if s.Version > currentPolicySchemaVersion {
		return fmt.Errorf("unsupported policy schema version %d (current %d)", s.Version, currentPolicySchemaVersion)
	}

	return nil
}

type policySchema struct {
	Mode                 string            `toml:"mode"`
	FairnessWindowDays   int               `toml:"fairness_window_days"`
	MaxGapHours          float64           `toml:"max_gap_hours"`
	WeightFair           float64           `toml:"w_fair"`
	WeightUrgency        float64           `toml:"w_urgency"`
	WeightLRS            float64           `toml:"w_lrs"`
	DRConsecutivePenalty float64           `toml:"dr_consecutive_penalty"`
	ForbidConsecutiveDR  bool              `toml:"forbid_consecutive_dr"`
	LeadTimeHours        int               `toml:"lead_time_hours"`
	Thresholds           []thresholdSchema `toml:"thresholds,omitempty"`
	UpdatedAt            string            `toml:"updated_at,omitempty"`
	UpdatedBy            string            `toml:"updated_by,omitempty"`
}

type environmentOverrideSchema struct {
	EnvironmentID        string            `toml:"environment_id"`
	Mode                 *string           `toml:"mode,omitempty"`
	FairnessWindowDays   *int              `toml:"fairness_window_days,omitempty"`
	MaxGapHours          *float64          `toml:"max_gap_hours,omitempty"`
	WeightFair           *float64          `toml:"w_fair,omitempty"`
	WeightUrgency        *float64          `toml:"w_urgency,omitempty"`
	WeightLRS            *float64          `toml:"w_lrs,omitempty"`
	DRConsecutivePenalty *float64          `toml:"dr_consecutive_penalty,omitempty"`
	ForbidConsecutiveDR  *bool             `toml:"forbid_consecutive_dr,omitempty"`
	LeadTimeHours        *int              `toml:"lead_time_hours,omitempty"`
	Thresholds           []thresholdSchema `toml:"thresholds,omitempty"`
}

type thresholdSchema struct {
	MeetingType string `toml:"meeting_type"`
	Mode        string `toml:"mode"`
	UrgentDays  int    `toml:"urgent_days"`
	GeneralDays int    `toml:"general_days"`
}
