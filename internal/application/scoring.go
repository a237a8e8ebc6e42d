package application

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
)

// DROverrideInput is what a DROverridePredicate sees when the previous DR
// assignee is about to be excluded.
type DROverrideInput struct {
	Booking      domain.Booking
	Policy       domain.AssignmentPolicy
	Now          time.Time
	LastAssignee domain.InterpreterID
	Alternatives int
}

// DROverridePredicate decides whether the consecutive-DR block is lifted.
// The returned reason is stored in the audit trail.
type DROverridePredicate func(DROverrideInput) (bool, string)

const (
	OverrideCriticalCoverage = "critical_coverage"
	OverrideNoAlternative    = "no_alternative_within_urgent_window"
)

// DefaultDROverride lifts the block for critical-coverage bookings, or when the
// previous assignee is the only option and the meeting is inside its urgent window.
func DefaultDROverride(in DROverrideInput) (bool, string) {
	if in.Booking.CriticalCoverage {
		return true, OverrideCriticalCoverage
	}
	threshold := in.Policy.Threshold(in.Booking.MeetingType)
	if in.Alternatives == 0 && domain.WithinUrgentWindow(in.Booking.Start, in.Now, threshold) {
		return true, OverrideNoAlternative
	}
	return false, ""
}

// Selection is the ranked outcome of one scoring run. Ranked is ordered best first.
type Selection struct {
	InterpreterID domain.InterpreterID
	Ranked        []domain.CandidateScore
	DR            domain.DRDecision
	Workload      map[domain.InterpreterID]float64
	Conflicted    map[domain.InterpreterID][]domain.ConflictResult
	GapDropped    []domain.InterpreterID
	Eligible      int
}

func (s Selection) Found() bool {
	return s.InterpreterID != ""
}

// Next returns up to n ranked interpreter ids, best first.
func (s Selection) Next(n int) []domain.InterpreterID {
	if n > len(s.Ranked) {
		n = len(s.Ranked)
	}
	out := make([]domain.InterpreterID, 0, n)
	for _, score := range s.Ranked[:n] {
		out = append(out, score.InterpreterID)
	}
	return out
}

type ScoringEngine struct {
	bookings  ports.BookingRepository
	conflicts *ConflictDetector
	clock     ports.Clock
	override  DROverridePredicate
}

func NewScoringEngine(bookings ports.BookingRepository, conflicts *ConflictDetector, clock ports.Clock, override DROverridePredicate) *ScoringEngine {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if override == nil {
		override = DefaultDROverride
	}

	return &ScoringEngine{bookings: bookings, conflicts: conflicts, clock: clock, override: override}
}

func (e *ScoringEngine) SelectInterpreter(ctx context.Context, booking domain.Booking, snapshot domain.PolicySnapshot, candidates []domain.Interpreter) (Selection, error) {
	policy := snapshot.Policy
	now := e.clock.Now()
	selection := Selection{
		Workload:   map[domain.InterpreterID]float64{},
		Conflicted: map[domain.InterpreterID][]domain.ConflictResult{},
	}

	eligible := eligibleInterpreters(booking, candidates)
	selection.Eligible = len(eligible)

	available := make([]domain.Interpreter, 0, len(eligible))
	for _, interpreter := range eligible {
		conflicts, err := e.conflicts.FindConflicts(ctx, interpreter.ID, booking.Start, booking.End, booking.ID)
		if err != nil {
			return Selection{}, err
		}
		if len(conflicts) > 0 {
			selection.Conflicted[interpreter.ID] = conflicts
			continue
		}
		available = append(available, interpreter)
	}

	history, err := e.history(ctx, booking, policy, now)
	if err != nil {
		return Selection{}, err
	}
	for _, interpreter := range eligible {
		selection.Workload[interpreter.ID] = history.workload[interpreter.ID]
	}

	if booking.MeetingType.IsDR() && history.lastDR != "" {
		selection.DR.LastAssignee = history.lastDR
		if policy.ForbidConsecutiveDR && containsInterpreter(available, history.lastDR) {
			alternatives := len(available) - 1
			lifted, reason := e.override(DROverrideInput{
				Booking:      booking,
				Policy:       policy,
				Now:          now,
				LastAssignee: history.lastDR,
				Alternatives: alternatives,
			})
			selection.DR.Applied = true
			if lifted {
				selection.DR.OverrideApplied = true
				selection.DR.OverrideReason = reason
			} else {
				selection.DR.Blocked = true
				available = removeInterpreter(available, history.lastDR)
			}
		}
	}

	available, selection.GapDropped = applyGapGuard(available, history.workload, policy.MaxGapHours)
	if len(available) == 0 {
		return selection, nil
	}

	maxHours := 0.0
	for _, interpreter := range available {
		maxHours = math.Max(maxHours, history.workload[interpreter.ID])
	}
	urgency := urgencyScore(booking, policy, now)

	for _, interpreter := range available {
		hours := history.workload[interpreter.ID]
		score := domain.CandidateScore{
			InterpreterID: interpreter.ID,
			Code:          interpreter.SortKey(),
			WorkloadHours: hours,
			Fairness:      fairnessScore(hours, maxHours),
			Urgency:       urgency,
			LRS:           lrsScore(history.lastAssigned[interpreter.ID], booking.Start, policy.FairnessWindowDays),
		}
		if booking.MeetingType.IsDR() && interpreter.ID == history.lastDR && !selection.DR.Blocked {
			score.ConsecutivePenalty = policy.DRConsecutivePenalty
			selection.DR.Applied = true
			selection.DR.PenaltyApplied = policy.DRConsecutivePenalty != 0
		}
		score.Total = policy.Weights.Fair*score.Fairness +
			policy.Weights.Urgency*score.Urgency +
			policy.Weights.LRS*score.LRS +
			score.ConsecutivePenalty
		selection.Ranked = append(selection.Ranked, score)
	}

	sort.SliceStable(selection.Ranked, func(i, j int) bool {
		left, right := selection.Ranked[i], selection.Ranked[j]
		if left.Total != right.Total {
			return left.Total > right.Total
		}
		return left.Code < right.Code
	})
	selection.InterpreterID = selection.Ranked[0].InterpreterID

	return selection, nil
}

type assignmentHistory struct {
	workload     map[domain.InterpreterID]float64
	lastAssigned map[domain.InterpreterID]time.Time
	lastDR       domain.InterpreterID
}

// history loads assigned bookings once and derives workload over
// [now-window, now+window) plus the most recent assignments before booking.
func (e *ScoringEngine) history(ctx context.Context, booking domain.Booking, policy domain.AssignmentPolicy, now time.Time) (assignmentHistory, error) {
	window := policy.FairnessWindow()
	workFrom, workTo := now.Add(-window), now.Add(window)
	prevFrom := booking.Start.Add(-window)

	from, to := workFrom, workTo
	if prevFrom.Before(from) {
		from = prevFrom
	}
	if booking.Start.After(to) {
		to = booking.Start
	}

	assigned, err := e.bookings.ListAssigned(ctx, from, to)
	if err != nil {
		return assignmentHistory{}, fmt.Errorf("list assigned bookings: %w", err)
	}

	h := assignmentHistory{
		workload:     map[domain.InterpreterID]float64{},
		lastAssigned: map[domain.InterpreterID]time.Time{},
	}
	var lastDRStart time.Time
	for _, b := range assigned {
		if b.Cancelled() || b.InterpreterID == "" || b.ID == booking.ID {
			continue
		}
		if domain.Overlaps(workFrom, workTo, b.Start, b.End) {
			h.workload[b.InterpreterID] += b.Duration().Hours()
		}
		if !b.Start.Before(booking.Start) || b.Start.Before(prevFrom) {
			continue
		}
		if b.Start.After(h.lastAssigned[b.InterpreterID]) {
			h.lastAssigned[b.InterpreterID] = b.Start
		}
		if b.MeetingType.IsDR() && b.Start.After(lastDRStart) {
			lastDRStart = b.Start
			h.lastDR = b.InterpreterID
		}
	}

	return h, nil
}

func eligibleInterpreters(booking domain.Booking, candidates []domain.Interpreter) []domain.Interpreter {
	envs := booking.Environments()
	out := make([]domain.Interpreter, 0, len(candidates))
	for _, interpreter := range candidates {
		if !interpreter.Active || !interpreter.HasRole(domain.RoleInterpreter) {
			continue
		}
		// Interpreters without environment membership serve every environment.
		if len(envs) > 0 && len(interpreter.Environments) > 0 && !interpreter.InAnyEnvironment(envs) {
			continue
		}
		out = append(out, interpreter)
	}
	return out
}

func applyGapGuard(available []domain.Interpreter, workload map[domain.InterpreterID]float64, maxGap float64) ([]domain.Interpreter, []domain.InterpreterID) {
	if len(available) < 2 || maxGap <= 0 {
		return available, nil
	}
	minHours := math.Inf(1)
	for _, interpreter := range available {
		minHours = math.Min(minHours, workload[interpreter.ID])
	}

	kept := make([]domain.Interpreter, 0, len(available))
	var dropped []domain.InterpreterID
	for _, interpreter := range available {
		if workload[interpreter.ID]-minHours > maxGap {
			dropped = append(dropped, interpreter.ID)
			continue
		}
		kept = append(kept, interpreter)
	}
	if len(kept) == 0 {
		return available, nil
	}
	return kept, dropped
}

func fairnessScore(hours, maxHours float64) float64 {
	if maxHours <= 0 {
		return 1
	}
	return clamp01(1 - hours/maxHours)
}

func urgencyScore(booking domain.Booking, policy domain.AssignmentPolicy, now time.Time) float64 {
	threshold := policy.Threshold(booking.MeetingType)
	if domain.WithinUrgentWindow(booking.Start, now, threshold) {
		return 1
	}
	if threshold.GeneralDays <= 0 {
		return 0
	}
	daysUntil := booking.Start.Sub(now).Hours() / 24
	return clamp01(1 - daysUntil/float64(threshold.GeneralDays))
}

func lrsScore(last, start time.Time, windowDays int) float64 {
	if last.IsZero() || windowDays <= 0 {
		return 1
	}
	return math.Min(1, start.Sub(last).Hours()/(float64(windowDays)*24))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func containsInterpreter(list []domain.Interpreter, id domain.InterpreterID) bool {
	for _, interpreter := range list {
		if interpreter.ID == id {
			return true
		}
	}
	return false
}

func removeInterpreter(list []domain.Interpreter, id domain.InterpreterID) []domain.Interpreter {
	out := make([]domain.Interpreter, 0, len(list))
	for _, interpreter := range list {
		if interpreter.ID != id {
			out = append(out, interpreter)
		}
	}
	return out
}
