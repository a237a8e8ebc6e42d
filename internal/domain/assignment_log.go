package domain

import "time"

type AssignmentOutcome string

const (
	OutcomeAssigned        AssignmentOutcome = "assigned"
	OutcomeEscalated       AssignmentOutcome = "escalated"
	OutcomeConflict        AssignmentOutcome = "conflict"
	OutcomeLockTimeout     AssignmentOutcome = "lock_timeout"
	OutcomeVersionConflict AssignmentOutcome = "version_conflict"
	OutcomeFailed          AssignmentOutcome = "failed"
	OutcomeSkipped         AssignmentOutcome = "skipped"
)

// OutcomeFor maps a commit error to its audit outcome.
func OutcomeFor(err error) AssignmentOutcome {
	switch Reason(err) {
	case "":
		return OutcomeAssigned
	case "conflict":
		return OutcomeConflict
	case "lock_timeout":
		return OutcomeLockTimeout
	case "version_conflict":
		return OutcomeVersionConflict
	case "no_candidate":
		return OutcomeEscalated
	case "not_assignable":
		return OutcomeSkipped
	default:
		return OutcomeFailed
	}
}

type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerManual    Trigger = "manual"
	TriggerEmergency Trigger = "emergency"
)

type CandidateScore struct {
	InterpreterID      InterpreterID
	Code               string
	WorkloadHours      float64
	Fairness           float64
	Urgency            float64
	LRS                float64
	ConsecutivePenalty float64
	Total              float64
}

type DRDecision struct {
	Applied         bool
	LastAssignee    InterpreterID
	Blocked         bool
	OverrideApplied bool
	OverrideReason  string
	PenaltyApplied  bool
}

type PoolSnapshot struct {
	InPool              bool
	Status              PoolStatus
	EnteredAt           time.Time
	DeadlineAt          time.Time
	Attempts            int
	ConsecutiveFailures int
}

type PhaseTimings struct {
	ScoringMs float64
	LockMs    float64
	CommitMs  float64
	TotalMs   float64
}

type SystemSnapshot struct {
	PoolSize      int
	InFlight      int64
	PolicyVersion uint64
	PolicyMode    PolicyMode
}

// AssignmentLog is append-only; stores never update a written record.
type AssignmentLog struct {
	ID            string
	BookingID     BookingID
	InterpreterID InterpreterID
	MeetingType   MeetingType
	EnvironmentID EnvironmentID
	Outcome       AssignmentOutcome
	Reason        string
	Message       string
	Trigger       Trigger
	Actor         string
	PreWorkload   map[InterpreterID]float64
	PostWorkload  map[InterpreterID]float64
	Scores        []CandidateScore
	Conflicts     []ConflictResult
	DR            DRDecision
	Pool          PoolSnapshot
	Timings       PhaseTimings
	System        SystemSnapshot
	CreatedAt     time.Time
}

func (l AssignmentLog) Succeeded() bool {
	return l.Outcome == OutcomeAssigned
}
