package httpapi

import (
	"time"

	"github.com/bnema/interpreter-scheduler/internal/application"
	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
)

type thresholdDTO struct {
	MeetingType string `json:"meeting_type"`
	Mode        string `json:"mode"`
	UrgentDays  int    `json:"urgent_days"`
	GeneralDays int    `json:"general_days"`
}

type policyDTO struct {
	Mode                 string         `json:"mode"`
	FairnessWindowDays   int            `json:"fairness_window_days"`
	MaxGapHours          float64        `json:"max_gap_hours"`
	WeightFair           float64        `json:"w_fair"`
	WeightUrgency        float64        `json:"w_urgency"`
	WeightLRS            float64        `json:"w_lrs"`
	DRConsecutivePenalty float64        `json:"dr_consecutive_penalty"`
	ForbidConsecutiveDR  bool           `json:"forbid_consecutive_dr"`
	LeadTimeHours        int            `json:"lead_time_hours"`
	Thresholds           []thresholdDTO `json:"thresholds,omitempty"`
	UpdatedAt            *time.Time     `json:"updated_at,omitempty"`
	UpdatedBy            string         `json:"updated_by,omitempty"`
}

type snapshotDTO struct {
	Version       uint64    `json:"version"`
	EnvironmentID string    `json:"environment_id,omitempty"`
	Policy        policyDTO `json:"policy"`
}

type policyStateDTO struct {
	Version      uint64                     `json:"version"`
	Global       policyDTO                  `json:"global"`
	Environments map[string]policyPatchBody `json:"environments"`
}

// policyPatchBody is a partial write: absent fields keep their current value.
type policyPatchBody struct {
	Mode                 *string        `json:"mode,omitempty"`
	FairnessWindowDays   *int           `json:"fairness_window_days,omitempty"`
	MaxGapHours          *float64       `json:"max_gap_hours,omitempty"`
	WeightFair           *float64       `json:"w_fair,omitempty"`
	WeightUrgency        *float64       `json:"w_urgency,omitempty"`
	WeightLRS            *float64       `json:"w_lrs,omitempty"`
	DRConsecutivePenalty *float64       `json:"dr_consecutive_penalty,omitempty"`
	ForbidConsecutiveDR  *bool          `json:"forbid_consecutive_dr,omitempty"`
	LeadTimeHours        *int           `json:"lead_time_hours,omitempty"`
	Thresholds           []thresholdDTO `json:"thresholds,omitempty"`
}

type validateBody struct {
	EnvironmentID string `json:"environment_id,omitempty"`
	policyPatchBody
}

type validationDTO struct {
	Valid     bool            `json:"valid"`
	Errors    []fieldErrorDTO `json:"errors,omitempty"`
	Locked    []string        `json:"locked,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	Candidate policyDTO       `json:"candidate"`
}

type fieldErrorDTO struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type assignBody struct {
	BookingID     string `json:"booking_id"`
	InterpreterID string `json:"interpreter_id,omitempty"`
}

type attemptDTO struct {
	InterpreterID string `json:"interpreter_id"`
	Reason        string `json:"reason"`
}

type assignmentDTO struct {
	BookingID     string       `json:"booking_id"`
	InterpreterID string       `json:"interpreter_id,omitempty"`
	Outcome       string       `json:"outcome"`
	Reason        string       `json:"reason,omitempty"`
	Message       string       `json:"message,omitempty"`
	LogID         string       `json:"log_id,omitempty"`
	Attempts      []attemptDTO `json:"attempts,omitempty"`
}

type passDetailDTO struct {
	BookingID     string `json:"booking_id"`
	InterpreterID string `json:"interpreter_id,omitempty"`
	Action        string `json:"action"`
	PoolStatus    string `json:"pool_status,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type passDTO struct {
	Trigger    string          `json:"trigger"`
	Reason     string          `json:"reason,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Processed  int             `json:"processed"`
	Assigned   int             `json:"assigned"`
	Escalated  int             `json:"escalated"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Deferred   int             `json:"deferred"`
	Removed    int             `json:"removed"`
	Details    []passDetailDTO `json:"details"`
}

type emergencyDTO struct {
	passDTO
	AuditID    string   `json:"audit_id"`
	Actor      string   `json:"actor"`
	BookingIDs []string `json:"booking_ids"`
}

type poolEntryDTO struct {
	BookingID           string    `json:"booking_id"`
	EnvironmentID       string    `json:"environment_id,omitempty"`
	MeetingType         string    `json:"meeting_type"`
	Status              string    `json:"status"`
	BookingStart        time.Time `json:"booking_start"`
	EnteredAt           time.Time `json:"entered_at"`
	DeadlineAt          time.Time `json:"deadline_at"`
	Attempts            int       `json:"attempts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

type alertDTO struct {
	Severity  string `json:"severity"`
	Code      string `json:"code,omitempty"`
	BookingID string `json:"booking_id,omitempty"`
	Message   string `json:"message"`
}

type poolDashboardDTO struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByUrgency   map[string]int `json:"by_urgency"`
	Oldest      *poolEntryDTO  `json:"oldest,omitempty"`
	Entries     []poolEntryDTO `json:"entries"`
	Alerts      []alertDTO     `json:"alerts"`
}

type workloadDTO struct {
	InterpreterID string  `json:"interpreter_id"`
	Hours         float64 `json:"hours"`
	Assignments   int     `json:"assignments"`
}

type trendDTO struct {
	Day       string `json:"day"`
	Attempts  int    `json:"attempts"`
	Assigned  int    `json:"assigned"`
	Escalated int    `json:"escalated"`
	Failed    int    `json:"failed"`
}

type healthDTO struct {
	From            time.Time     `json:"from"`
	To              time.Time     `json:"to"`
	Attempts        int           `json:"attempts"`
	Assigned        int           `json:"assigned"`
	Escalated       int           `json:"escalated"`
	Conflicts       int           `json:"conflicts"`
	Failed          int           `json:"failed"`
	SuccessRate     float64       `json:"success_rate"`
	EscalationRate  float64       `json:"escalation_rate"`
	ConflictRate    float64       `json:"conflict_rate"`
	AvgProcessingMs float64       `json:"avg_processing_ms"`
	DRDecisions     int           `json:"dr_decisions"`
	DROverrides     int           `json:"dr_overrides"`
	DROverrideRate  float64       `json:"dr_override_rate"`
	Workload        []workloadDTO `json:"workload"`
	WorkloadSpread  float64       `json:"workload_spread"`
	FairnessGap     bool          `json:"fairness_gap"`
	Trends          []trendDTO    `json:"trends"`
	Recommendations []string      `json:"recommendations"`
	Alerts          []alertDTO    `json:"alerts"`
}

type statusDTO struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	PoolSize        int            `json:"pool_size"`
	PoolByStatus    map[string]int `json:"pool_by_status"`
	LastProcessedAt *time.Time     `json:"last_processed_at,omitempty"`
	LastPassAt      *time.Time     `json:"last_pass_at,omitempty"`
	InFlight        int64          `json:"in_flight"`
	Recorded        int64          `json:"recorded"`
	CriticalAlerts  []alertDTO     `json:"critical_alerts"`
}

func toPolicyDTO(policy domain.AssignmentPolicy) policyDTO {
	return policyDTO{
		Mode:                 string(policy.Mode),
		FairnessWindowDays:   policy.FairnessWindowDays,
		MaxGapHours:          policy.MaxGapHours,
		WeightFair:           policy.Weights.Fair,
		WeightUrgency:        policy.Weights.Urgency,
		WeightLRS:            policy.Weights.LRS,
		DRConsecutivePenalty: policy.DRConsecutivePenalty,
		ForbidConsecutiveDR:  policy.ForbidConsecutiveDR,
		LeadTimeHours:        policy.LeadTimeHours,
		Thresholds:           toThresholdDTOs(policy.Thresholds),
		UpdatedAt:            optionalTime(policy.UpdatedAt),
		UpdatedBy:            policy.UpdatedBy,
	}
}

func toSnapshotDTO(snapshot domain.PolicySnapshot) snapshotDTO {
	return snapshotDTO{
		Version:       snapshot.Version,
		EnvironmentID: string(snapshot.EnvironmentID),
		Policy:        toPolicyDTO(snapshot.Policy),
	}
}

func toPolicyStateDTO(state ports.PolicyState) policyStateDTO {
	out := policyStateDTO{
		Version:      state.Version,
		Global:       toPolicyDTO(state.Global),
		Environments: make(map[string]policyPatchBody, len(state.Environments)),
	}
	for id, override := range state.Environments {
		out.Environments[string(id)] = toPatchBody(override)
	}
	return out
}

func toPatchBody(o domain.PolicyOverride) policyPatchBody {
	out := policyPatchBody{
		FairnessWindowDays:   o.FairnessWindowDays,
		MaxGapHours:          o.MaxGapHours,
		WeightFair:           o.WeightFair,
		WeightUrgency:        o.WeightUrgency,
		WeightLRS:            o.WeightLRS,
		DRConsecutivePenalty: o.DRConsecutivePenalty,
		ForbidConsecutiveDR:  o.ForbidConsecutiveDR,
		LeadTimeHours:        o.LeadTimeHours,
		Thresholds:           toThresholdDTOs(o.Thresholds),
	}
	if o.Mode != nil {
		mode := string(*o.Mode)
		out.Mode = &mode
	}
	return out
}

// override parses enums so a bad mode or meeting type is a 400, never a stored value.
func (b policyPatchBody) override() (domain.PolicyOverride, error) {
	out := domain.PolicyOverride{
		FairnessWindowDays:   b.FairnessWindowDays,
		MaxGapHours:          b.MaxGapHours,
		WeightFair:           b.WeightFair,
		WeightUrgency:        b.WeightUrgency,
		WeightLRS:            b.WeightLRS,
		DRConsecutivePenalty: b.DRConsecutivePenalty,
		ForbidConsecutiveDR:  b.ForbidConsecutiveDR,
		LeadTimeHours:        b.LeadTimeHours,
	}
	if b.Mode != nil {
		mode, err := domain.ParsePolicyMode(*b.Mode)
		if err != nil {
			return domain.PolicyOverride{}, err
		}
		out.Mode = &mode
	}
	for _, rule := range b.Thresholds {
		meetingType, err := domain.ParseMeetingType(rule.MeetingType)
		if err != nil {
			return domain.PolicyOverride{}, err
		}
		mode, err := domain.ParsePolicyMode(rule.Mode)
		if err != nil {
			return domain.PolicyOverride{}, err
		}
		out.Thresholds = append(out.Thresholds, domain.ThresholdRule{
			MeetingType: meetingType,
			Mode:        mode,
			Threshold:   domain.Threshold{UrgentDays: rule.UrgentDays, GeneralDays: rule.GeneralDays},
		})
	}
	return out, nil
}

func toThresholdDTOs(rules []domain.ThresholdRule) []thresholdDTO {
	var out []thresholdDTO
	for _, rule := range rules {
		out = append(out, thresholdDTO{
			MeetingType: string(rule.MeetingType),
			Mode:        string(rule.Mode),
			UrgentDays:  rule.UrgentDays,
			GeneralDays: rule.GeneralDays,
		})
	}
	return out
}

func toValidationDTO(candidate domain.AssignmentPolicy, result application.ValidationResult) validationDTO {
	out := validationDTO{
		Valid:     result.Valid,
		Warnings:  result.Warnings,
		Candidate: toPolicyDTO(candidate),
	}
	for _, item := range result.Errors {
		out.Errors = append(out.Errors, fieldErrorDTO{Field: item.Field, Message: item.Message})
	}
	for _, locked := range result.Locked {
		out.Locked = append(out.Locked, locked.Error())
	}
	return out
}

func toAssignmentDTO(result application.AssignResult, err error) assignmentDTO {
	out := assignmentDTO{
		BookingID:     string(result.BookingID),
		InterpreterID: string(result.InterpreterID),
		Outcome:       string(result.Outcome),
		Reason:        domain.Reason(err),
		LogID:         result.Log.ID,
	}
	if err != nil {
		out.Message = err.Error()
	}
	for _, attempt := range result.Attempts {
		out.Attempts = append(out.Attempts, attemptDTO{InterpreterID: string(attempt.InterpreterID), Reason: attempt.Reason})
	}
	return out
}

func toPassDTO(result application.PassResult) passDTO {
	out := passDTO{
		Trigger:    string(result.Trigger),
		Reason:     result.Reason,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Processed:  result.Processed,
		Assigned:   result.Assigned,
		Escalated:  result.Escalated,
		Failed:     result.Failed,
		Skipped:    result.Skipped,
		Deferred:   result.Deferred,
		Removed:    result.Removed,
		Details:    []passDetailDTO{},
	}
	for _, detail := range result.Details {
		out.Details = append(out.Details, passDetailDTO{
			BookingID:     string(detail.BookingID),
			InterpreterID: string(detail.InterpreterID),
			Action:        string(detail.Action),
			PoolStatus:    string(detail.PoolStatus),
			Reason:        detail.Reason,
		})
	}
	return out
}

func toEmergencyDTO(result application.EmergencyResult) emergencyDTO {
	out := emergencyDTO{
		passDTO:    toPassDTO(result.PassResult),
		AuditID:    result.Audit.ID,
		Actor:      result.Audit.Actor,
		BookingIDs: []string{},
	}
	for _, id := range result.Audit.BookingIDs {
		out.BookingIDs = append(out.BookingIDs, string(id))
	}
	return out
}

func toPoolEntryDTO(entry domain.PoolEntry) poolEntryDTO {
	out := poolEntryDTO{
		BookingID:           string(entry.BookingID),
		EnvironmentID:       string(entry.EnvironmentID),
		MeetingType:         string(entry.MeetingType),
		Status:              string(entry.Status),
		BookingStart:        entry.BookingStart,
		EnteredAt:           entry.EnteredAt,
		DeadlineAt:          entry.DeadlineAt,
		Attempts:            entry.Attempts,
		ConsecutiveFailures: entry.ConsecutiveFailures,
	}
	if last, ok := entry.LastError(); ok {
		out.LastError = last.Reason
	}
	return out
}

func toPoolDashboardDTO(dashboard application.PoolDashboard) poolDashboardDTO {
	out := poolDashboardDTO{
		GeneratedAt: dashboard.GeneratedAt,
		Total:       dashboard.Total,
		ByStatus:    map[string]int{},
		ByUrgency:   map[string]int{},
		Entries:     []poolEntryDTO{},
		Alerts:      []alertDTO{},
	}
	for status, count := range dashboard.ByStatus {
		out.ByStatus[string(status)] = count
	}
	for level, count := range dashboard.ByUrgency {
		out.ByUrgency[string(level)] = count
	}
	if dashboard.Oldest != nil {
		oldest := toPoolEntryDTO(*dashboard.Oldest)
		out.Oldest = &oldest
	}
	for _, entry := range dashboard.Entries {
		out.Entries = append(out.Entries, toPoolEntryDTO(entry))
	}
	for _, alert := range dashboard.Alerts {
		out.Alerts = append(out.Alerts, alertDTO{Severity: string(alert.Severity), BookingID: string(alert.BookingID), Message: alert.Message})
	}
	return out
}

func toAlertDTOs(alerts []application.Alert) []alertDTO {
	out := make([]alertDTO, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, alertDTO{Severity: string(alert.Severity), Code: alert.Code, Message: alert.Message})
	}
	return out
}

func toHealthDTO(report application.HealthReport) healthDTO {
	out := healthDTO{
		From:            report.From,
		To:              report.To,
		Attempts:        report.Attempts,
		Assigned:        report.Assigned,
		Escalated:       report.Escalated,
		Conflicts:       report.Conflicts,
		Failed:          report.Failed,
		SuccessRate:     report.SuccessRate,
		EscalationRate:  report.EscalationRate,
		ConflictRate:    report.ConflictRate,
		AvgProcessingMs: report.AvgProcessingMs,
		DRDecisions:     report.DRDecisions,
		DROverrides:     report.DROverrides,
		DROverrideRate:  report.DROverrideRate,
		Workload:        []workloadDTO{},
		WorkloadSpread:  report.WorkloadSpread,
		FairnessGap:     report.FairnessGap,
		Trends:          []trendDTO{},
		Recommendations: append([]string{}, report.Recommendations...),
		Alerts:          toAlertDTOs(report.Alerts),
	}
	for _, item := range report.Workload {
		out.Workload = append(out.Workload, workloadDTO{InterpreterID: string(item.InterpreterID), Hours: item.Hours, Assignments: item.Assignments})
	}
	for _, trend := range report.Trends {
		out.Trends = append(out.Trends, trendDTO{
			Day:       trend.Day.Format(time.DateOnly),
			Attempts:  trend.Attempts,
			Assigned:  trend.Assigned,
			Escalated: trend.Escalated,
			Failed:    trend.Failed,
		})
	}
	return out
}

func toStatusDTO(status application.RealTimeStatus) statusDTO {
	out := statusDTO{
		GeneratedAt:     status.GeneratedAt,
		PoolSize:        status.PoolSize,
		PoolByStatus:    map[string]int{},
		LastProcessedAt: optionalTime(status.LastProcessedAt),
		LastPassAt:      optionalTime(status.LastPassAt),
		InFlight:        status.InFlight,
		Recorded:        status.Recorded,
		CriticalAlerts:  toAlertDTOs(status.CriticalAlerts),
	}
	for key, count := range status.PoolByStatus {
		out.PoolByStatus[string(key)] = count
	}
	return out
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
