package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/logger"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrPassInProgress = errors.New("scheduler pass already in progress")

const (
	DefaultHorizon     = 60 * 24 * time.Hour
	DefaultConcurrency = 4
)

// IntervalFor is the polling interval of a policy mode. CUSTOM uses custom,
// falling back to the NORMAL interval.
func IntervalFor(mode domain.PolicyMode, custom time.Duration) time.Duration {
	switch mode {
	case domain.PolicyModeUrgent:
		return time.Minute
	case domain.PolicyModeBalance:
		return 15 * time.Minute
	case domain.PolicyModeCustom:
		if custom > 0 {
			return custom
		}
		return 5 * time.Minute
	default:
		return 5 * time.Minute
	}
}

type PassAction string

const (
	ActionAssigned  PassAction = "assigned"
	ActionEscalated PassAction = "escalated"
	ActionFailed    PassAction = "failed"
	ActionSkipped   PassAction = "skipped"
	ActionDeferred  PassAction = "deferred"
	ActionRemoved   PassAction = "removed"
)

type PassDetail struct {
	BookingID     domain.BookingID
	InterpreterID domain.InterpreterID
	Action        PassAction
	PoolStatus    domain.PoolStatus
	Reason        string
	Message       string
}

type PassResult struct {
	Trigger    domain.Trigger
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Assigned   int
	Escalated  int
	Failed     int
	Skipped    int
	Deferred   int
	Removed    int
	Details    []PassDetail
}

func (r *PassResult) add(detail PassDetail) {
	r.Details = append(r.Details, detail)
	switch detail.Action {
	case ActionAssigned:
		r.Processed++
		r.Assigned++
	case ActionEscalated:
		r.Processed++
		r.Escalated++
	case ActionFailed:
		r.Processed++
		r.Failed++
	case ActionSkipped:
		r.Skipped++
	case ActionDeferred:
		r.Deferred++
	case ActionRemoved:
		r.Removed++
	}
}

// AuditRecord summarizes one emergency run.
type AuditRecord struct {
	ID         string
	Actor      string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Assigned   int
	Skipped    int
	Failed     int
	BookingIDs []domain.BookingID
}

type EmergencyResult struct {
	PassResult
	Audit AuditRecord
}

type SchedulerConfig struct {
	CustomInterval time.Duration
	Horizon        time.Duration
	Concurrency    int
}

type Scheduler struct {
	bookings ports.BookingRepository
	policies *PolicyService
	pool     *PoolService
	executor *Executor
	monitor  *Monitor
	clock    ports.Clock
	log      *logrus.Entry
	cfg      SchedulerConfig
	running  atomic.Bool
	wake     chan string
}

func NewScheduler(bookings ports.BookingRepository, policies *PolicyService, pool *PoolService, executor *Executor, monitor *Monitor, clock ports.Clock, log logrus.FieldLogger, cfg SchedulerConfig) *Scheduler {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Scheduler{
		bookings: bookings,
		policies: policies,
		pool:     pool,
		executor: executor,
		monitor:  monitor,
		clock:    clock,
		log:      logger.Component(log, "scheduler"),
		cfg:      cfg,
		wake:     make(chan string, 1),
	}
}

// Run polls until ctx is done. The interval is re-read from the global policy
// mode after every pass.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started")
	defer s.log.Info("scheduler stopped")

	for {
		interval := s.interval(ctx)
		timer := time.NewTimer(interval)

		reason := "tick"
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case reason = <-s.wake:
			timer.Stop()
		case <-timer.C:
		}

		result, err := s.RunPass(ctx, domain.TriggerScheduler, reason)
		switch {
		case errors.Is(err, ErrPassInProgress):
			s.log.WithField("reason", reason).Warn("tick skipped, previous pass still running")
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			s.log.WithError(err).Error("scheduler pass failed")
		default:
			s.log.WithFields(logrus.Fields{
				"reason":    reason,
				"processed": result.Processed,
				"assigned":  result.Assigned,
				"escalated": result.Escalated,
				"failed":    result.Failed,
				"deferred":  result.Deferred,
			}).Info("scheduler pass completed")
		}
	}
}

// RequestPass asks the running loop for an early pass. Requests coalesce.
func (s *Scheduler) RequestPass(reason string) {
	select {
	case s.wake <- reason:
	default:
	}
}

// Trigger runs one pass now on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, reason string) (PassResult, error) {
	return s.RunPass(ctx, domain.TriggerManual, reason)
}

func (s *Scheduler) interval(ctx context.Context) time.Duration {
	snapshot, err := s.policies.EffectivePolicy(ctx, "")
	if err != nil {
		s.log.WithError(err).Warn("load policy for interval")
		return IntervalFor(domain.PolicyModeNormal, s.cfg.CustomInterval)
	}
	return IntervalFor(snapshot.Policy.Mode, s.cfg.CustomInterval)
}

// RunPass is single-flight: a call while another pass or emergency run is
// active returns ErrPassInProgress.
func (s *Scheduler) RunPass(ctx context.Context, trigger domain.Trigger, reason string) (PassResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return PassResult{}, ErrPassInProgress
	}
	defer s.running.Store(false)

	now := s.clock.Now()
	result := PassResult{Trigger: trigger, Reason: reason, StartedAt: now}
	defer func() { s.monitor.MarkPass(s.clock.Now()) }()

	waiting, err := s.bookings.ListWaiting(ctx, now, now.Add(s.cfg.Horizon))
	if err != nil {
		return result, fmt.Errorf("list waiting bookings: %w", err)
	}

	if err := s.sweep(ctx, waiting, &result); err != nil {
		return result, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, booking := range waiting {
		booking := booking
		g.Go(func() error {
			detail := s.processBooking(gctx, booking, trigger)
			mu.Lock()
			result.add(detail)
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	sortDetails(result.Details)
	result.FinishedAt = s.clock.Now()
	return result, nil
}

// sweep drops pool entries whose booking was cancelled, assigned elsewhere or deleted.
func (s *Scheduler) sweep(ctx context.Context, waiting []domain.Booking, result *PassResult) error {
	entries, err := s.pool.List(ctx)
	if err != nil {
		return err
	}
	open := make(map[domain.BookingID]struct{}, len(waiting))
	for _, booking := range waiting {
		open[booking.ID] = struct{}{}
	}

	for _, entry := range entries {
		if _, ok := open[entry.BookingID]; ok {
			continue
		}
		booking, err := s.bookings.GetByID(ctx, entry.BookingID)
		switch {
		case errors.Is(err, domain.ErrBookingNotFound):
		case err != nil:
			return fmt.Errorf("load booking %s: %w", entry.BookingID, err)
		case booking.Assignable():
			continue
		}
		if err := s.pool.Remove(ctx, entry.BookingID); err != nil {
			return err
		}
		result.add(PassDetail{BookingID: entry.BookingID, Action: ActionRemoved, PoolStatus: entry.Status, Reason: "no_longer_assignable"})
	}
	return nil
}

// processBooking isolates failures: every error ends up in the returned detail.
func (s *Scheduler) processBooking(ctx context.Context, booking domain.Booking, trigger domain.Trigger) PassDetail {
	detail := PassDetail{BookingID: booking.ID}
	fail := func(err error) PassDetail {
		detail.Action = ActionFailed
		detail.Reason = domain.Reason(err)
		detail.Message = err.Error()
		s.log.WithError(err).WithField("booking", string(booking.ID)).Warn("booking evaluation failed")
		return detail
	}

	snapshot, err := s.policies.EffectivePolicy(ctx, booking.EnvironmentID)
	if err != nil {
		return fail(err)
	}
	entry, err := s.pool.Ensure(ctx, booking, snapshot)
	if err != nil {
		return fail(err)
	}
	if entry.Terminal() {
		detail.Action = ActionSkipped
		detail.PoolStatus = entry.Status
		detail.Reason = "corrupted"
		return detail
	}
	entry, err = s.pool.Evaluate(ctx, entry, snapshot)
	if err != nil {
		return fail(err)
	}
	detail.PoolStatus = entry.Status
	if !Due(entry) {
		detail.Action = ActionDeferred
		return detail
	}

	out := s.attempt(ctx, booking.ID, trigger, "")
	if out.PoolStatus == "" {
		out.PoolStatus = entry.Status
	}
	return out
}

// attempt runs the executor for a pooled booking and feeds the outcome back
// into the pool state machine.
func (s *Scheduler) attempt(ctx context.Context, id domain.BookingID, trigger domain.Trigger, actor string) PassDetail {
	detail := PassDetail{BookingID: id}

	// a booking closed since the listing is cleanup, not a failed assignment
	booking, err := s.bookings.GetByID(ctx, id)
	if errors.Is(err, domain.ErrBookingNotFound) || (err == nil && !booking.Assignable()) {
		if removeErr := s.pool.Remove(ctx, id); removeErr != nil {
			s.log.WithError(removeErr).WithField("booking", string(id)).Warn("remove pool entry")
		}
		detail.Action = ActionRemoved
		detail.Reason = "no_longer_assignable"
		return detail
	}

	if _, err := s.pool.MarkProcessing(ctx, id); err != nil {
		detail.Action = ActionFailed
		detail.Reason = domain.Reason(err)
		detail.Message = err.Error()
		return detail
	}

	result, err := s.executor.TryAssign(ctx, AssignRequest{BookingID: id, Trigger: trigger, Actor: actor})
	if err == nil {
		detail.Action = ActionAssigned
		detail.InterpreterID = result.InterpreterID
		return detail
	}

	detail.Reason = domain.Reason(err)
	detail.Message = err.Error()
	if errors.Is(err, domain.ErrBookingNotAssignable) || errors.Is(err, domain.ErrBookingNotFound) {
		if removeErr := s.pool.Remove(ctx, id); removeErr != nil {
			s.log.WithError(removeErr).WithField("booking", string(id)).Warn("remove pool entry")
		}
		detail.Action = ActionRemoved
		return detail
	}

	entry, markErr := s.pool.MarkFailed(ctx, id, err)
	detail.PoolStatus = entry.Status
	var corrupted *domain.CorruptedEntryError
	if markErr != nil && !errors.As(markErr, &corrupted) {
		s.log.WithError(markErr).WithField("booking", string(id)).Warn("record pool failure")
	}

	if errors.Is(err, domain.ErrNoCandidate) {
		detail.Action = ActionEscalated
	} else {
		detail.Action = ActionFailed
	}
	s.log.WithFields(logrus.Fields{
		"booking":   string(id),
		"reason":    detail.Reason,
		"retryable": domain.IsRetryable(err),
		"pool":      string(entry.Status),
	}).Warn("assignment attempt failed")
	return detail
}

// Emergency force-processes every non-corrupted pool entry, deadline first then
// earliest start. Entries without an available interpreter are skipped without
// touching the pool or the log store, so a re-run with nothing new is a no-op.
func (s *Scheduler) Emergency(ctx context.Context, actor string) (EmergencyResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return EmergencyResult{}, ErrPassInProgress
	}
	defer s.running.Store(false)

	now := s.clock.Now()
	out := EmergencyResult{
		PassResult: PassResult{Trigger: domain.TriggerEmergency, Reason: "emergency", StartedAt: now},
		Audit:      AuditRecord{ID: uuid.NewString(), Actor: actor, StartedAt: now},
	}

	waiting, err := s.bookings.ListWaiting(ctx, now, now.Add(s.cfg.Horizon))
	if err != nil {
		return out, fmt.Errorf("list waiting bookings: %w", err)
	}
	if err := s.sweep(ctx, waiting, &out.PassResult); err != nil {
		return out, err
	}
	for _, booking := range waiting {
		snapshot, err := s.policies.EffectivePolicy(ctx, booking.EnvironmentID)
		if err != nil {
			return out, err
		}
		if _, err := s.pool.Ensure(ctx, booking, snapshot); err != nil {
			return out, err
		}
	}

	entries, err := s.pool.List(ctx)
	if err != nil {
		return out, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].DeadlineAt.Equal(entries[j].DeadlineAt) {
			return entries[i].DeadlineAt.Before(entries[j].DeadlineAt)
		}
		if !entries[i].BookingStart.Equal(entries[j].BookingStart) {
			return entries[i].BookingStart.Before(entries[j].BookingStart)
		}
		return entries[i].BookingID < entries[j].BookingID
	})

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if entry.Terminal() {
			out.add(PassDetail{BookingID: entry.BookingID, Action: ActionSkipped, PoolStatus: entry.Status, Reason: "corrupted"})
			continue
		}

		booking, err := s.bookings.GetByID(ctx, entry.BookingID)
		if err != nil && !errors.Is(err, domain.ErrBookingNotFound) {
			out.add(PassDetail{BookingID: entry.BookingID, Action: ActionFailed, PoolStatus: entry.Status, Reason: domain.Reason(err), Message: err.Error()})
			continue
		}
		if err != nil || !booking.Assignable() {
			if removeErr := s.pool.Remove(ctx, entry.BookingID); removeErr != nil {
				return out, removeErr
			}
			out.add(PassDetail{BookingID: entry.BookingID, Action: ActionRemoved, PoolStatus: entry.Status, Reason: "no_longer_assignable"})
			continue
		}
		snapshot, err := s.policies.EffectivePolicy(ctx, booking.EnvironmentID)
		if err != nil {
			return out, err
		}
		selection, err := s.executor.Candidates(ctx, booking, snapshot)
		if err != nil {
			out.add(PassDetail{BookingID: booking.ID, Action: ActionFailed, PoolStatus: entry.Status, Reason: domain.Reason(err), Message: err.Error()})
			continue
		}
		if !selection.Found() {
			out.add(PassDetail{BookingID: booking.ID, Action: ActionSkipped, PoolStatus: entry.Status, Reason: "no_candidate"})
			continue
		}

		detail := s.attempt(ctx, booking.ID, domain.TriggerEmergency, actor)
		out.add(detail)
		out.Audit.BookingIDs = append(out.Audit.BookingIDs, booking.ID)
	}

	out.FinishedAt = s.clock.Now()
	out.Audit.FinishedAt = out.FinishedAt
	out.Audit.Processed = out.Processed
	out.Audit.Assigned = out.Assigned
	out.Audit.Skipped = out.Skipped
	out.Audit.Failed = out.Failed + out.Escalated
	s.monitor.MarkPass(out.FinishedAt)

	logger.Audit(s.log, "scheduler.emergency", actor, logrus.Fields{
		"audit_id":  out.Audit.ID,
		"processed": out.Audit.Processed,
		"assigned":  out.Audit.Assigned,
		"skipped":   out.Audit.Skipped,
		"failed":    out.Audit.Failed,
	})

	return out, nil
}

// SubscribePolicy recomputes the pool and requests an early pass after every
// policy write.
func (s *Scheduler) SubscribePolicy() {
	s.policies.OnChange(func(ctx context.Context, change PolicyChange) {
		if _, err := s.pool.Recompute(ctx, change); err != nil {
			s.log.WithError(err).Warn("recompute pool after policy change")
		}
		s.RequestPass(fmt.Sprintf("policy v%d", change.Version))
	})
}

func sortDetails(details []PassDetail) {
	sort.SliceStable(details, func(i, j int) bool {
		return details[i].BookingID < details[j].BookingID
	})
}
