package application

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Severity Severity
	Code     string
	Message  string
}

type InterpreterWorkload struct {
	InterpreterID domain.InterpreterID
	Hours         float64
	Assignments   int
}

type DailyTrend struct {
	Day       time.Time
	Attempts  int
	Assigned  int
	Escalated int
	Failed    int
}

type HealthReport struct {
	From            time.Time
	To              time.Time
	Attempts        int
	Assigned        int
	Escalated       int
	Conflicts       int
	Failed          int
	SuccessRate     float64
	EscalationRate  float64
	ConflictRate    float64
	AvgProcessingMs float64
	DRDecisions     int
	DROverrides     int
	DROverrideRate  float64
	Workload        []InterpreterWorkload
	WorkloadSpread  float64
	FairnessGap     bool
	Trends          []DailyTrend
	Recommendations []string
	Alerts          []Alert
}

type RealTimeStatus struct {
	GeneratedAt     time.Time
	PoolSize        int
	PoolByStatus    map[domain.PoolStatus]int
	LastProcessedAt time.Time
	LastPassAt      time.Time
	InFlight        int64
	Recorded        int64
	CriticalAlerts  []Alert
}

// Monitor never takes a lock shared with the executor; its counters are atomics.
type Monitor struct {
	logs          ports.AssignmentLogRepository
	bookings      ports.BookingRepository
	pool          ports.PoolRepository
	policies      PolicySource
	clock         ports.Clock
	inFlight      atomic.Int64
	recorded      atomic.Int64
	lastProcessed atomic.Int64
	lastPass      atomic.Int64
}

func NewMonitor(logs ports.AssignmentLogRepository, bookings ports.BookingRepository, pool ports.PoolRepository, policies PolicySource, clock ports.Clock) *Monitor {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &Monitor{logs: logs, bookings: bookings, pool: pool, policies: policies, clock: clock}
}

// Begin counts one in-flight assignment until the returned func runs.
func (m *Monitor) Begin() func() {
	m.inFlight.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			m.inFlight.Add(-1)
		}
	}
}

func (m *Monitor) InFlight() int64 {
	return m.inFlight.Load()
}

func (m *Monitor) MarkPass(at time.Time) {
	m.lastPass.Store(at.UnixNano())
}

func (m *Monitor) RecordAssignment(ctx context.Context, record domain.AssignmentLog) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = m.clock.Now()
	}
	if err := m.logs.Append(ctx, record); err != nil {
		return fmt.Errorf("append assignment log: %w", err)
	}
	m.recorded.Add(1)
	m.lastProcessed.Store(record.CreatedAt.UnixNano())
	return nil
}

func (m *Monitor) AnalyzeSystemHealth(ctx context.Context, from, to time.Time) (HealthReport, error) {
	if !to.After(from) {
		return HealthReport{}, &domain.ValidationError{Field: "range", Message: "to must be after from"}
	}

	logs, err := m.logs.List(ctx, from, to)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list assignment logs: %w", err)
	}

	report := HealthReport{From: from, To: to}
	trends := map[time.Time]*DailyTrend{}
	var totalMs float64
	for _, record := range logs {
		report.Attempts++
		totalMs += record.Timings.TotalMs

		day := record.CreatedAt.UTC().Truncate(24 * time.Hour)
		trend, ok := trends[day]
		if !ok {
			trend = &DailyTrend{Day: day}
			trends[day] = trend
		}
		trend.Attempts++

		switch record.Outcome {
		case domain.OutcomeAssigned:
			report.Assigned++
			trend.Assigned++
		case domain.OutcomeEscalated:
			report.Escalated++
			trend.Escalated++
		case domain.OutcomeConflict:
			report.Conflicts++
			trend.Failed++
		default:
			report.Failed++
			trend.Failed++
		}
		if record.DR.Applied {
			report.DRDecisions++
			if record.DR.OverrideApplied {
				report.DROverrides++
			}
		}
	}

	if report.Attempts > 0 {
		n := float64(report.Attempts)
		report.SuccessRate = float64(report.Assigned) / n
		report.EscalationRate = float64(report.Escalated) / n
		report.ConflictRate = float64(report.Conflicts) / n
		report.AvgProcessingMs = totalMs / n
	}
	if report.DRDecisions > 0 {
		report.DROverrideRate = float64(report.DROverrides) / float64(report.DRDecisions)
	}
	for _, trend := range trends {
		report.Trends = append(report.Trends, *trend)
	}
	sort.Slice(report.Trends, func(i, j int) bool { return report.Trends[i].Day.Before(report.Trends[j].Day) })

	if err := m.workload(ctx, &report); err != nil {
		return HealthReport{}, err
	}
	if err := m.poolAlerts(ctx, &report.Alerts); err != nil {
		return HealthReport{}, err
	}
	m.classify(&report)

	return report, nil
}

func (m *Monitor) workload(ctx context.Context, report *HealthReport) error {
	assigned, err := m.bookings.ListAssigned(ctx, report.From, report.To)
	if err != nil {
		return fmt.Errorf("list assigned bookings: %w", err)
	}

	byInterpreter := map[domain.InterpreterID]*InterpreterWorkload{}
	for _, booking := range assigned {
		if booking.Cancelled() || booking.InterpreterID == "" {
			continue
		}
		item, ok := byInterpreter[booking.InterpreterID]
		if !ok {
			item = &InterpreterWorkload{InterpreterID: booking.InterpreterID}
			byInterpreter[booking.InterpreterID] = item
		}
		item.Hours += booking.Duration().Hours()
		item.Assignments++
	}

	minHours, maxHours := math.Inf(1), 0.0
	for _, item := range byInterpreter {
		report.Workload = append(report.Workload, *item)
		minHours = math.Min(minHours, item.Hours)
		maxHours = math.Max(maxHours, item.Hours)
	}
	sort.Slice(report.Workload, func(i, j int) bool {
		if report.Workload[i].Hours != report.Workload[j].Hours {
			return report.Workload[i].Hours > report.Workload[j].Hours
		}
		return report.Workload[i].InterpreterID < report.Workload[j].InterpreterID
	})
	if len(report.Workload) > 1 {
		report.WorkloadSpread = maxHours - minHours
	}

	snapshot, err := m.policies.EffectivePolicy(ctx, "")
	if err != nil {
		return err
	}
	report.FairnessGap = report.WorkloadSpread > snapshot.Policy.MaxGapHours
	return nil
}

func (m *Monitor) poolAlerts(ctx context.Context, alerts *[]Alert) error {
	entries, err := m.pool.List(ctx)
	if err != nil {
		return fmt.Errorf("list pool entries: %w", err)
	}
	now := m.clock.Now()
	corrupted, overdue := 0, 0
	for _, entry := range entries {
		switch {
		case entry.Status == domain.PoolStatusCorrupted:
			corrupted++
		case !now.Before(entry.DeadlineAt):
			overdue++
		}
	}
	if corrupted > 0 {
		*alerts = append(*alerts, Alert{Severity: SeverityCritical, Code: "pool_corrupted", Message: fmt.Sprintf("%d pool entries need manual intervention", corrupted)})
	}
	if overdue > 0 {
		*alerts = append(*alerts, Alert{Severity: SeverityWarning, Code: "pool_overdue", Message: fmt.Sprintf("%d pool entries are past their deadline", overdue)})
	}
	return nil
}

func (m *Monitor) classify(report *HealthReport) {
	if report.Attempts > 0 {
		switch {
		case report.SuccessRate < 0.5:
			report.Alerts = append(report.Alerts, Alert{Severity: SeverityCritical, Code: "low_success_rate", Message: fmt.Sprintf("success rate %.0f%%", report.SuccessRate*100)})
		case report.SuccessRate < 0.8:
			report.Alerts = append(report.Alerts, Alert{Severity: SeverityWarning, Code: "low_success_rate", Message: fmt.Sprintf("success rate %.0f%%", report.SuccessRate*100)})
		}
		if report.EscalationRate > 0.2 {
			report.Alerts = append(report.Alerts, Alert{Severity: SeverityWarning, Code: "high_escalation_rate", Message: fmt.Sprintf("escalation rate %.0f%%", report.EscalationRate*100)})
			report.Recommendations = append(report.Recommendations, "Many bookings found no available interpreter; widen environment membership or add interpreters.")
		}
		if report.ConflictRate > 0.1 {
			report.Alerts = append(report.Alerts, Alert{Severity: SeverityWarning, Code: "high_conflict_rate", Message: fmt.Sprintf("conflict rate %.0f%%", report.ConflictRate*100)})
			report.Recommendations = append(report.Recommendations, "Commit-time conflicts are frequent; lower scheduler concurrency or shorten the polling interval.")
		}
		if report.AvgProcessingMs > 5000 {
			report.Alerts = append(report.Alerts, Alert{Severity: SeverityWarning, Code: "slow_processing", Message: fmt.Sprintf("average processing %.0fms", report.AvgProcessingMs)})
			report.Recommendations = append(report.Recommendations, "Assignments are slow; check lock contention and booking store latency.")
		}
	}
	if report.DROverrideRate > 0.3 {
		report.Alerts = append(report.Alerts, Alert{Severity: SeverityInfo, Code: "frequent_dr_override", Message: fmt.Sprintf("DR block overridden in %.0f%% of DR decisions", report.DROverrideRate*100)})
		report.Recommendations = append(report.Recommendations, "The consecutive DR block is often lifted; consider more DR-eligible interpreters.")
	}
	if report.FairnessGap {
		report.Alerts = append(report.Alerts, Alert{Severity: SeverityWarning, Code: "fairness_gap", Message: fmt.Sprintf("workload spread %.1fh exceeds the allowed gap", report.WorkloadSpread)})
		report.Recommendations = append(report.Recommendations, "Workload is uneven; switch to BALANCE mode or raise the fairness weight.")
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = append(report.Recommendations, "No action needed.")
	}
}

func (m *Monitor) RealTimeStatus(ctx context.Context) (RealTimeStatus, error) {
	entries, err := m.pool.List(ctx)
	if err != nil {
		return RealTimeStatus{}, fmt.Errorf("list pool entries: %w", err)
	}

	status := RealTimeStatus{
		GeneratedAt:  m.clock.Now(),
		PoolSize:     len(entries),
		PoolByStatus: map[domain.PoolStatus]int{},
		InFlight:     m.inFlight.Load(),
		Recorded:     m.recorded.Load(),
	}
	if ts := m.lastProcessed.Load(); ts != 0 {
		status.LastProcessedAt = time.Unix(0, ts).UTC()
	}
	if ts := m.lastPass.Load(); ts != 0 {
		status.LastPassAt = time.Unix(0, ts).UTC()
	}
	for _, entry := range entries {
		status.PoolByStatus[entry.Status]++
	}

	var alerts []Alert
	if err := m.poolAlerts(ctx, &alerts); err != nil {
		return RealTimeStatus{}, err
	}
	for _, alert := range alerts {
		if alert.Severity == SeverityCritical {
			status.CriticalAlerts = append(status.CriticalAlerts, alert)
		}
	}
	return status, nil
}
