package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/application"
	"github.com/charmbracelet/lipgloss"
)

func healthView(report application.HealthReport, s styles) string {
	lines := []string{
		s.title.Render("Assignment Health"),
		s.header.Render(fmt.Sprintf("%s to %s  attempts: %d",
			report.From.Format(time.DateOnly), report.To.Format(time.DateOnly), report.Attempts)),
	}

	lines = append(lines,
		s.section.Render(lipgloss.JoinVertical(lipgloss.Left,
			rateLine("success", report.SuccessRate, s),
			rateLine("escalation", report.EscalationRate, s),
			rateLine("conflict", report.ConflictRate, s),
			rateLine("dr override", report.DROverrideRate, s),
		)),
		s.detail.Render(fmt.Sprintf("avg processing: %.1f ms  workload spread: %.1f h", report.AvgProcessingMs, report.WorkloadSpread)),
	)

	if len(report.Workload) > 0 {
		workload := []string{s.title.Render("Workload")}
		for _, item := range report.Workload {
			workload = append(workload, s.detail.Render(fmt.Sprintf("%-12s %6.1f h  %d assignments", item.InterpreterID, item.Hours, item.Assignments)))
		}
		lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, workload...)))
	}

	if len(report.Trends) > 0 {
		trends := []string{s.title.Render("Daily")}
		for _, day := range report.Trends {
			trends = append(trends, s.detail.Render(fmt.Sprintf("%s  %3d attempts  %3d assigned  %3d escalated  %3d failed",
				day.Day.Format(time.DateOnly), day.Attempts, day.Assigned, day.Escalated, day.Failed)))
		}
		lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, trends...)))
	}

	lines = append(lines, s.section.Render(alertBlock(report.Alerts, s)))

	if len(report.Recommendations) > 0 {
		recs := []string{s.title.Render("Recommendations")}
		for _, rec := range report.Recommendations {
			recs = append(recs, s.detail.Render("- "+rec))
		}
		lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, recs...)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func statusView(status application.RealTimeStatus, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Scheduler Status"),
		s.header.Render(fmt.Sprintf("pool: %d  in flight: %d  recorded: %d", status.PoolSize, status.InFlight, status.Recorded)),
	}

	if status.PoolSize > 0 {
		counts := make([]string, 0, len(status.PoolByStatus))
		for _, key := range sortedStatuses(status.PoolByStatus) {
			counts = append(counts, fmt.Sprintf("%s %d", key, status.PoolByStatus[key]))
		}
		lines = append(lines, s.detail.Render(strings.Join(counts, "  ")))
	}

	lines = append(lines,
		s.detail.Render("last pass: "+lastSeen(status.LastPassAt, opts.Now)),
		s.detail.Render("last assignment: "+lastSeen(status.LastProcessedAt, opts.Now)),
		s.section.Render(alertBlock(status.CriticalAlerts, s)),
	)

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func alertBlock(alerts []application.Alert, s styles) string {
	if len(alerts) == 0 {
		return s.empty.Render("No alerts.")
	}
	lines := []string{s.title.Render("Alerts")}
	for _, alert := range alerts {
		lines = append(lines, severityStyle(alert.Severity, s).Render(fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Code, alert.Message)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func rateLine(label string, rate float64, s styles) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		s.key.Render(fmt.Sprintf("%-12s", label+":")), " ",
		progressBar(rate*100, 20, s), " ",
		s.meta.Render(fmt.Sprintf("%5.1f%%", rate*100)),
	)
}

func lastSeen(at, now time.Time) string {
	if at.IsZero() {
		return "never"
	}
	if now.IsZero() {
		return formatAt(at, now)
	}
	ago := now.Sub(at).Round(time.Second)
	return fmt.Sprintf("%s (%s ago)", formatAt(at, now), ago)
}
