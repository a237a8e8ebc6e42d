package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/logger"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLockTimeout = 5 * time.Second
	MaxCandidates      = 3
)

func LockKey(id domain.InterpreterID) string {
	return "interpreter:" + string(id)
}

type AssignRequest struct {
	BookingID     domain.BookingID
	InterpreterID domain.InterpreterID
	Trigger       domain.Trigger
	Actor         string
}

func (r AssignRequest) Manual() bool {
	return strings.TrimSpace(string(r.InterpreterID)) != ""
}

type Attempt struct {
	InterpreterID domain.InterpreterID
	Reason        string
	Err           error
}

type AssignResult struct {
	BookingID     domain.BookingID
	InterpreterID domain.InterpreterID
	Outcome       domain.AssignmentOutcome
	Booking       domain.Booking
	Selection     Selection
	Attempts      []Attempt
	Log           domain.AssignmentLog
}

type ExecutorConfig struct {
	LockTimeout   time.Duration
	MaxCandidates int
}

type Executor struct {
	bookings     ports.BookingRepository
	interpreters ports.InterpreterDirectory
	policies     PolicySource
	conflicts    *ConflictDetector
	scoring      *ScoringEngine
	pool         *PoolService
	locker       ports.Locker
	notifier     ports.Notifier
	monitor      *Monitor
	clock        ports.Clock
	log          *logrus.Entry
	cfg          ExecutorConfig
}

type ExecutorDeps struct {
	Bookings     ports.BookingRepository
	Interpreters ports.InterpreterDirectory
	Policies     PolicySource
	Conflicts    *ConflictDetector
	Scoring      *ScoringEngine
	Pool         *PoolService
	Locker       ports.Locker
	Notifier     ports.Notifier
	Monitor      *Monitor
	Clock        ports.Clock
	Log          logrus.FieldLogger
}

func NewExecutor(deps ExecutorDeps, cfg ExecutorConfig) *Executor {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = MaxCandidates
	}

	return &Executor{
		bookings:     deps.Bookings,
		interpreters: deps.Interpreters,
		policies:     deps.Policies,
		conflicts:    deps.Conflicts,
		scoring:      deps.Scoring,
		pool:         deps.Pool,
		locker:       deps.Locker,
		notifier:     deps.Notifier,
		monitor:      deps.Monitor,
		clock:        deps.Clock,
		log:          logger.Component(deps.Log, "executor"),
		cfg:          cfg,
	}
}

// Candidates ranks the interpreters for booking without committing anything.
func (e *Executor) Candidates(ctx context.Context, booking domain.Booking, snapshot domain.PolicySnapshot) (Selection, error) {
	interpreters, err := e.interpreters.List(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("list interpreters: %w", err)
	}
	return e.scoring.SelectInterpreter(ctx, booking, snapshot, interpreters)
}

// TryAssign commits one interpreter to the booking. The returned result always
// carries the audit record, also on error.
func (e *Executor) TryAssign(ctx context.Context, req AssignRequest) (AssignResult, error) {
	started := e.clock.Now()
	done := e.monitor.Begin()
	defer done()

	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}
	result := AssignResult{BookingID: req.BookingID}

	booking, err := e.bookings.GetByID(ctx, req.BookingID)
	if err != nil {
		return e.reject(ctx, req, domain.Booking{ID: req.BookingID}, domain.PolicySnapshot{}, result, notFound("booking", string(req.BookingID), err), started)
	}
	result.Booking = booking
	if !booking.Assignable() {
		err = fmt.Errorf("booking %s is %s: %w", booking.ID, booking.Status, domain.ErrBookingNotAssignable)
		return e.reject(ctx, req, booking, domain.PolicySnapshot{}, result, err, started)
	}

	snapshot, err := e.policies.EffectivePolicy(ctx, booking.EnvironmentID)
	if err != nil {
		return e.reject(ctx, req, booking, snapshot, result, err, started)
	}

	pooled := e.poolSnapshot(ctx, booking.ID)
	timings := domain.PhaseTimings{}
	scoringStarted := time.Now()
	var candidates []domain.InterpreterID
	if req.Manual() {
		candidates, err = e.manualCandidate(ctx, req.InterpreterID, booking, &result)
	} else {
		result.Selection, err = e.Candidates(ctx, booking, snapshot)
		candidates = result.Selection.Next(e.cfg.MaxCandidates)
		if err == nil && len(candidates) == 0 {
			err = fmt.Errorf("booking %s: %w", booking.ID, domain.ErrNoCandidate)
		}
	}
	timings.ScoringMs = millis(time.Since(scoringStarted))

	var commitErr error
	if err == nil {
		for _, id := range candidates {
			committed, lockWait, commitTime, attemptErr := e.commit(ctx, booking.ID, id)
			timings.LockMs += millis(lockWait)
			timings.CommitMs += millis(commitTime)
			result.Attempts = append(result.Attempts, Attempt{InterpreterID: id, Reason: domain.Reason(attemptErr), Err: attemptErr})
			if attemptErr == nil {
				result.InterpreterID = id
				result.Booking = committed
				break
			}
			commitErr = attemptErr
			if !retryNextCandidate(attemptErr) || req.Manual() {
				break
			}
			e.log.WithFields(logrus.Fields{
				"booking":     string(booking.ID),
				"interpreter": string(id),
				"reason":      domain.Reason(attemptErr),
			}).Debug("candidate rejected, trying next")
		}
		if result.InterpreterID == "" {
			err = commitErr
		}
	}
	timings.TotalMs = millis(e.clock.Now().Sub(started))

	if err == nil {
		if removeErr := e.pool.Remove(ctx, booking.ID); removeErr != nil {
			e.log.WithError(removeErr).WithField("booking", string(booking.ID)).Warn("assigned booking left in pool")
		}
	}

	result.Outcome = domain.OutcomeFor(err)
	result.Log = e.auditRecord(ctx, req, booking, snapshot, pooled, result, err, timings)
	if recordErr := e.monitor.RecordAssignment(ctx, result.Log); recordErr != nil {
		e.log.WithError(recordErr).WithField("booking", string(booking.ID)).Error("write assignment log")
	}
	e.emit(ctx, req, result, err)

	return result, err
}

// reject audits a request that failed before any candidate was scored.
func (e *Executor) reject(ctx context.Context, req AssignRequest, booking domain.Booking, snapshot domain.PolicySnapshot, result AssignResult, err error, started time.Time) (AssignResult, error) {
	result.Outcome = domain.OutcomeFailed
	timings := domain.PhaseTimings{TotalMs: millis(e.clock.Now().Sub(started))}
	result.Log = e.auditRecord(ctx, req, booking, snapshot, e.poolSnapshot(ctx, req.BookingID), result, err, timings)
	if recordErr := e.monitor.RecordAssignment(ctx, result.Log); recordErr != nil {
		e.log.WithError(recordErr).WithField("booking", string(req.BookingID)).Error("write assignment log")
	}
	e.emit(ctx, req, result, err)
	return result, err
}

func (e *Executor) manualCandidate(ctx context.Context, id domain.InterpreterID, booking domain.Booking, result *AssignResult) ([]domain.InterpreterID, error) {
	interpreter, err := e.interpreters.GetByID(ctx, id)
	if err != nil {
		return nil, notFound("interpreter", string(id), err)
	}
	if !interpreter.Active {
		return nil, &domain.ValidationError{Field: "interpreter", Message: fmt.Sprintf("interpreter %s is inactive", id)}
	}
	if !interpreter.HasRole(domain.RoleInterpreter) {
		return nil, &domain.ValidationError{Field: "interpreter", Message: fmt.Sprintf("%s does not hold the %s role", id, domain.RoleInterpreter)}
	}
	if err := e.conflicts.Check(ctx, id, booking); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			result.Selection.Conflicted = map[domain.InterpreterID][]domain.ConflictResult{id: conflict.Conflicts}
		}
		return nil, err
	}
	return []domain.InterpreterID{id}, nil
}

// commit holds the interpreter lock across the re-read, the conflict re-check
// and the compare-and-swap.
func (e *Executor) commit(ctx context.Context, bookingID domain.BookingID, id domain.InterpreterID) (domain.Booking, time.Duration, time.Duration, error) {
	lockStarted := time.Now()
	release, err := e.locker.Acquire(ctx, LockKey(id), e.cfg.LockTimeout)
	lockWait := time.Since(lockStarted)
	if err != nil {
		return domain.Booking{}, lockWait, 0, err
	}
	defer release()

	commitStarted := time.Now()
	booking, err := e.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, lockWait, time.Since(commitStarted), notFound("booking", string(bookingID), err)
	}
	if !booking.Assignable() {
		return domain.Booking{}, lockWait, time.Since(commitStarted), fmt.Errorf("booking %s is %s: %w", booking.ID, booking.Status, domain.ErrBookingNotAssignable)
	}
	if err := e.conflicts.Check(ctx, id, booking); err != nil {
		return domain.Booking{}, lockWait, time.Since(commitStarted), err
	}

	expected := booking.Version
	booking.InterpreterID = id
	booking.Status = domain.BookingStatusApproved
	booking.UpdatedAt = e.clock.Now()
	committed, err := e.bookings.CompareAndSwap(ctx, booking, expected)
	if err != nil {
		return domain.Booking{}, lockWait, time.Since(commitStarted), err
	}

	return committed, lockWait, time.Since(commitStarted), nil
}

// poolSnapshot captures the pool state before the commit removes the entry.
func (e *Executor) poolSnapshot(ctx context.Context, id domain.BookingID) domain.PoolSnapshot {
	entry, err := e.pool.Get(ctx, id)
	if err != nil {
		return domain.PoolSnapshot{}
	}
	return domain.PoolSnapshot{
		InPool:              true,
		Status:              entry.Status,
		EnteredAt:           entry.EnteredAt,
		DeadlineAt:          entry.DeadlineAt,
		Attempts:            entry.Attempts,
		ConsecutiveFailures: entry.ConsecutiveFailures,
	}
}

func (e *Executor) auditRecord(ctx context.Context, req AssignRequest, booking domain.Booking, snapshot domain.PolicySnapshot, pooled domain.PoolSnapshot, result AssignResult, err error, timings domain.PhaseTimings) domain.AssignmentLog {
	record := domain.AssignmentLog{
		BookingID:     booking.ID,
		InterpreterID: result.InterpreterID,
		MeetingType:   booking.MeetingType,
		EnvironmentID: booking.EnvironmentID,
		Outcome:       result.Outcome,
		Reason:        domain.Reason(err),
		Trigger:       req.Trigger,
		Actor:         req.Actor,
		PreWorkload:   copyWorkload(result.Selection.Workload),
		Scores:        append([]domain.CandidateScore(nil), result.Selection.Ranked...),
		DR:            result.Selection.DR,
		Pool:          pooled,
		Timings:       timings,
		CreatedAt:     e.clock.Now(),
		System: domain.SystemSnapshot{
			InFlight:      e.monitor.InFlight(),
			PolicyVersion: snapshot.Version,
			PolicyMode:    snapshot.Policy.Mode,
		},
	}
	if err != nil {
		record.Message = err.Error()
	}
	if result.InterpreterID != "" && result.Outcome == domain.OutcomeAssigned {
		record.PostWorkload = copyWorkload(result.Selection.Workload)
		if record.PostWorkload == nil {
			record.PostWorkload = map[domain.InterpreterID]float64{}
		}
		record.PostWorkload[result.InterpreterID] += booking.Duration().Hours()
	}
	for _, conflicts := range result.Selection.Conflicted {
		record.Conflicts = append(record.Conflicts, conflicts...)
	}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) && len(result.Selection.Conflicted[conflict.InterpreterID]) == 0 {
		record.Conflicts = append(record.Conflicts, conflict.Conflicts...)
	}

	if entries, listErr := e.pool.List(ctx); listErr == nil {
		record.System.PoolSize = len(entries)
	}

	return record
}

func (e *Executor) emit(ctx context.Context, req AssignRequest, result AssignResult, err error) {
	if e.notifier == nil {
		return
	}
	event := ports.AssignmentEvent{
		Type:          ports.EventAssignmentSucceeded,
		BookingID:     result.BookingID,
		InterpreterID: result.InterpreterID,
		Trigger:       req.Trigger,
		OccurredAt:    e.clock.Now(),
	}
	if err != nil {
		event.Type = ports.EventAssignmentFailed
		event.Reason = domain.Reason(err)
	}
	if notifyErr := e.notifier.Notify(ctx, event); notifyErr != nil {
		e.log.WithError(notifyErr).WithField("booking", string(result.BookingID)).Warn("notify assignment event")
	}
}

func retryNextCandidate(err error) bool {
	var conflict *domain.ConflictError
	return errors.As(err, &conflict) || errors.Is(err, domain.ErrLockTimeout)
}

func notFound(kind, id string, err error) error {
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	if errors.Is(err, domain.ErrBookingNotFound) || errors.Is(err, domain.ErrInterpreterNotFound) {
		return &domain.NotFoundError{Kind: kind, ID: id, Err: err}
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

func copyWorkload(in map[domain.InterpreterID]float64) map[domain.InterpreterID]float64 {
	if in == nil {
		return nil
	}
	out := make(map[domain.InterpreterID]float64, len(in))
	for id, hours := range in {
		out[id] = hours
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
