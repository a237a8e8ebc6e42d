package dashboard

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/application"
	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

type RenderOptions struct {
	Now time.Time
	// MaxEntries caps the pool listing; zero lists everything.
	MaxEntries int
}

var statusOrder = []domain.PoolStatus{
	domain.PoolStatusDeadline,
	domain.PoolStatusReady,
	domain.PoolStatusPending,
	domain.PoolStatusProcessing,
	domain.PoolStatusFailed,
	domain.PoolStatusCorrupted,
}

func poolView(dashboard application.PoolDashboard, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Assignment Pool"),
		s.header.Render(fmt.Sprintf("entries: %d  %s", dashboard.Total, statusCounts(dashboard.ByStatus))),
	}

	if dashboard.Total == 0 {
		lines = append(lines, s.empty.Render("Pool is empty."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	if len(dashboard.ByUrgency) > 0 {
		lines = append(lines, s.header.Render(fmt.Sprintf("urgency: critical %d  high %d  normal %d",
			dashboard.ByUrgency[domain.UrgencyCritical],
			dashboard.ByUrgency[domain.UrgencyHigh],
			dashboard.ByUrgency[domain.UrgencyNormal])))
	}

	if oldest := dashboard.Oldest; oldest != nil {
		lines = append(lines, s.meta.Render(fmt.Sprintf("oldest: %s waiting since %s", oldest.BookingID, formatAt(oldest.EnteredAt, opts.Now))))
	}

	entries := dashboard.Entries
	if opts.MaxEntries > 0 && len(entries) > opts.MaxEntries {
		entries = entries[:opts.MaxEntries]
	}
	for _, entry := range entries {
		lines = append(lines, s.section.Render(entryBlock(entry, opts, s)))
	}
	if hidden := len(dashboard.Entries) - len(entries); hidden > 0 {
		lines = append(lines, s.empty.Render(fmt.Sprintf("... %d more", hidden)))
	}

	if len(dashboard.Alerts) > 0 {
		alertLines := []string{s.title.Render("Alerts")}
		for _, alert := range dashboard.Alerts {
			alertLines = append(alertLines, severityStyle(alert.Severity, s).Render(
				fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.BookingID, alert.Message)))
		}
		lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, alertLines...)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func entryBlock(entry domain.PoolEntry, opts RenderOptions, s styles) string {
	title := s.booking.Render(fmt.Sprintf("%s (%s)", entry.BookingID, entry.MeetingType))
	state := statusStyle(entry.Status, s).Render(string(entry.Status))
	header := lipgloss.JoinHorizontal(lipgloss.Top, title, " ", state)

	parts := []string{
		header,
		lipgloss.JoinHorizontal(lipgloss.Top,
			s.key.Render("deadline:"), " ",
			deadlineBar(entry, opts.Now, 24, s), " ",
			s.meta.Render(formatRelative(entry.DeadlineAt, opts.Now)),
		),
		s.detail.Render(fmt.Sprintf("starts %s  attempts %d  failures %d",
			formatAt(entry.BookingStart, opts.Now), entry.Attempts, entry.ConsecutiveFailures)),
	}
	if entry.EnvironmentID != "" {
		parts = append(parts, s.meta.Render("environment: "+string(entry.EnvironmentID)))
	}
	if last, ok := entry.LastError(); ok {
		parts = append(parts, s.warning.Render(fmt.Sprintf("last error: %s %s", last.Reason, last.Message)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// deadlineBar fills as the entry ages toward its deadline.
func deadlineBar(entry domain.PoolEntry, now time.Time, width int, s styles) string {
	elapsed := 1.0
	total := entry.DeadlineAt.Sub(entry.EnteredAt)
	if !now.IsZero() && total > 0 {
		elapsed = float64(now.Sub(entry.EnteredAt)) / float64(total)
	}
	return progressBar(elapsed*100, width, s)
}

func progressBar(percent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := int(math.Round(float64(width) * clampPercent(percent) / 100))
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func statusCounts(byStatus map[domain.PoolStatus]int) string {
	parts := make([]string, 0, len(byStatus))
	for _, status := range statusOrder {
		if count := byStatus[status]; count > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", status, count))
		}
	}
	return strings.Join(parts, "  ")
}

func statusStyle(status domain.PoolStatus, s styles) lipgloss.Style {
	switch status {
	case domain.PoolStatusDeadline, domain.PoolStatusCorrupted:
		return s.critical
	case domain.PoolStatusFailed, domain.PoolStatusReady:
		return s.warning
	default:
		return s.meta
	}
}

func severityStyle(severity application.Severity, s styles) lipgloss.Style {
	if severity == application.SeverityCritical {
		return s.critical
	}
	return s.warning
}

func formatAt(at, now time.Time) string {
	if at.IsZero() {
		return "unknown"
	}
	if now.IsZero() {
		return at.Format(time.RFC3339)
	}

	yearA, monthA, dayA := now.Date()
	yearB, monthB, dayB := at.Date()
	if yearA == yearB && monthA == monthB && dayA == dayB {
		return at.Format("15:04")
	}

	return at.Format("15:04 on 02 Jan")
}

func formatRelative(at, now time.Time) string {
	if now.IsZero() {
		return "at " + formatAt(at, now)
	}
	if !at.After(now) {
		return "reached"
	}

	remaining := at.Sub(now)
	if remaining < 24*time.Hour {
		hours := int(math.Ceil(remaining.Hours()))
		return fmt.Sprintf("in %d %s (%s)", hours, plural(hours, "hour"), at.Format("15:04"))
	}

	days := int(math.Ceil(remaining.Hours() / 24))
	return fmt.Sprintf("in %d %s (%s)", days, plural(days, "day"), at.Format("15:04 on 02 Jan"))
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}

func sortedStatuses(counts map[domain.PoolStatus]int) []domain.PoolStatus {
	keys := make([]domain.PoolStatus, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
