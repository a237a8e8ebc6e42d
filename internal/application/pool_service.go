package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/logger"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/sirupsen/logrus"
)

const recentErrorLimit = 10

// StaleProcessingAfter releases entries left in processing by an interrupted pass.
const StaleProcessingAfter = 10 * time.Minute

// PolicySource resolves the effective policy of an environment.
type PolicySource interface {
	EffectivePolicy(ctx context.Context, envID domain.EnvironmentID) (domain.PolicySnapshot, error)
}

// PoolService owns every write to the pool. mu serializes the
// read-modify-write cycles so a policy recompute cannot save over a
// concurrent attempt or resurrect a removed entry.
type PoolService struct {
	mu       sync.Mutex
	pool     ports.PoolRepository
	policies PolicySource
	clock    ports.Clock
	log      *logrus.Entry
}

func NewPoolService(pool ports.PoolRepository, policies PolicySource, clock ports.Clock, log logrus.FieldLogger) *PoolService {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &PoolService{pool: pool, policies: policies, clock: clock, log: logger.Component(log, "pool")}
}

// Ensure returns the entry of booking, creating it when missing. Booking fields
// copied into the entry are refreshed and the deadline follows snapshot.
func (s *PoolService) Ensure(ctx context.Context, booking domain.Booking, snapshot domain.PolicySnapshot) (domain.PoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := snapshot.Policy.Threshold(booking.MeetingType)

	entry, err := s.pool.Get(ctx, booking.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrPoolEntryNotFound) {
			return domain.PoolEntry{}, fmt.Errorf("load pool entry: %w", err)
		}
		entry = domain.NewPoolEntry(booking, s.clock.Now(), threshold)
		if err := s.pool.Save(ctx, entry); err != nil {
			return domain.PoolEntry{}, fmt.Errorf("save pool entry: %w", err)
		}
		s.log.WithFields(logrus.Fields{
			"booking":  string(booking.ID),
			"deadline": entry.DeadlineAt,
		}).Debug("booking entered pool")
		return entry, nil
	}

	before := entry
	entry.EnvironmentID = booking.EnvironmentID
	entry.MeetingType = booking.MeetingType
	entry.BookingStart = booking.Start
	entry.RecomputeDeadline(threshold)
	if entry.EnvironmentID == before.EnvironmentID && entry.MeetingType == before.MeetingType &&
		entry.BookingStart.Equal(before.BookingStart) && entry.DeadlineAt.Equal(before.DeadlineAt) {
		return entry, nil
	}

	entry.UpdatedAt = s.clock.Now()
	if err := s.pool.Save(ctx, entry); err != nil {
		return domain.PoolEntry{}, fmt.Errorf("save pool entry: %w", err)
	}
	return entry, nil
}

// Evaluate moves the entry to the status its readiness calls for. The stored
// copy wins over entry, which may have been read before a concurrent write.
func (s *PoolService) Evaluate(ctx context.Context, entry domain.PoolEntry, snapshot domain.PolicySnapshot) (domain.PoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluate(ctx, entry.BookingID, snapshot)
}

func (s *PoolService) evaluate(ctx context.Context, id domain.BookingID, snapshot domain.PolicySnapshot) (domain.PoolEntry, error) {
	entry, err := s.pool.Get(ctx, id)
	if err != nil {
		return domain.PoolEntry{}, fmt.Errorf("load pool entry: %w", err)
	}
	now := s.clock.Now()
	before := entry
	if entry.Status == domain.PoolStatusProcessing && now.Sub(entry.LastAttemptAt) > StaleProcessingAfter {
		entry.Status = domain.PoolStatusPending
	}
	threshold := snapshot.Policy.Threshold(entry.MeetingType)
	next := entry.Readiness(now, threshold, snapshot.Policy.LeadTime())
	if next == entry.Status && entry.Status == before.Status {
		return entry, nil
	}
	// deadline is sticky even when a policy change pushes the deadline back
	if !entry.CanTransition(next) {
		return entry, nil
	}
	if err := entry.Transition(next, now); err != nil {
		return entry, err
	}
	if err := s.pool.Save(ctx, entry); err != nil {
		return domain.PoolEntry{}, fmt.Errorf("save pool entry: %w", err)
	}
	return entry, nil
}

// Due reports whether the entry may be handed to the executor.
func Due(entry domain.PoolEntry) bool {
	return entry.Status == domain.PoolStatusReady || entry.Status == domain.PoolStatusDeadline
}

func (s *PoolService) MarkProcessing(ctx context.Context, id domain.BookingID) (domain.PoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.pool.Get(ctx, id)
	if err != nil {
		return domain.PoolEntry{}, err
	}
	if entry.Terminal() {
		return entry, &domain.CorruptedEntryError{BookingID: id, Failures: entry.ConsecutiveFailures}
	}

	now := s.clock.Now()
	if err := entry.Transition(domain.PoolStatusProcessing, now); err != nil {
		return entry, err
	}
	entry.Attempts++
	entry.LastAttemptAt = now
	if err := s.pool.Save(ctx, entry); err != nil {
		return domain.PoolEntry{}, fmt.Errorf("save pool entry: %w", err)
	}
	return entry, nil
}

// MarkFailed records cause and returns a *domain.CorruptedEntryError once the
// retry budget is spent.
func (s *PoolService) MarkFailed(ctx context.Context, id domain.BookingID, cause error) (domain.PoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.pool.Get(ctx, id)
	if err != nil {
		return domain.PoolEntry{}, err
	}

	message := ""
	if cause != nil {
		message = cause.Error()
	}
	entry.RecordFailure(s.clock.Now(), domain.Reason(cause), message)
	if err := s.pool.Save(ctx, entry); err != nil {
		return domain.PoolEntry{}, fmt.Errorf("save pool entry: %w", err)
	}

	if entry.Terminal() {
		s.log.WithFields(logrus.Fields{
			"booking":  string(id),
			"failures": entry.ConsecutiveFailures,
		}).Error("pool entry corrupted")
		return entry, &domain.CorruptedEntryError{BookingID: id, Failures: entry.ConsecutiveFailures}
	}
	return entry, nil
}

// Remove is a no-op for bookings that are not pooled.
func (s *PoolService) Remove(ctx context.Context, id domain.BookingID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pool.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrPoolEntryNotFound) {
		return fmt.Errorf("delete pool entry: %w", err)
	}
	return nil
}

func (s *PoolService) Get(ctx context.Context, id domain.BookingID) (domain.PoolEntry, error) {
	return s.pool.Get(ctx, id)
}

func (s *PoolService) List(ctx context.Context) ([]domain.PoolEntry, error) {
	entries, err := s.pool.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pool entries: %w", err)
	}
	return entries, nil
}

// Reset puts a corrupted entry back to pending and clears its failure streak.
// The error history is kept.
func (s *PoolService) Reset(ctx context.Context, id domain.BookingID, actor string) (domain.PoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.pool.Get(ctx, id)
	if err != nil {
		return domain.PoolEntry{}, err
	}
	if entry.Status != domain.PoolStatusCorrupted && entry.Status != domain.PoolStatusFailed {
		return entry, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("pool entry %s is %s, only failed or corrupted entries can be reset", id, entry.Status)}
	}

	entry.Status = domain.PoolStatusPending
	entry.ConsecutiveFailures = 0
	entry.UpdatedAt = s.clock.Now()
	if err := s.pool.Save(ctx, entry); err != nil {
		return domain.PoolEntry{}, fmt.Errorf("save pool entry: %w", err)
	}

	logger.Audit(s.log, "pool.reset", actor, logrus.Fields{"booking": string(id)})
	return entry, nil
}

// Recompute refreshes deadlines and readiness of the entries a policy change
// touches. Entries that became overdue move to deadline immediately.
func (s *PoolService) Recompute(ctx context.Context, change PolicyChange) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.pool.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pool entries: %w", err)
	}

	snapshots := map[domain.EnvironmentID]domain.PolicySnapshot{}
	updated := 0
	var errs []error
	for _, entry := range entries {
		if change.EnvironmentID != "" && entry.EnvironmentID != change.EnvironmentID {
			continue
		}
		if entry.Status == domain.PoolStatusProcessing {
			continue
		}

		snapshot, ok := snapshots[entry.EnvironmentID]
		if !ok {
			snapshot, err = s.policies.EffectivePolicy(ctx, entry.EnvironmentID)
			if err != nil {
				return updated, err
			}
			snapshots[entry.EnvironmentID] = snapshot
		}

		before := entry
		entry.RecomputeDeadline(snapshot.Policy.Threshold(entry.MeetingType))
		if !entry.DeadlineAt.Equal(before.DeadlineAt) {
			entry.UpdatedAt = s.clock.Now()
			if err := s.pool.Save(ctx, entry); err != nil {
				errs = append(errs, fmt.Errorf("save pool entry %s: %w", entry.BookingID, err))
				continue
			}
		}
		if entry.Terminal() {
			continue
		}
		evaluated, err := s.evaluate(ctx, entry.BookingID, snapshot)
		if err != nil {
			errs = append(errs, fmt.Errorf("evaluate pool entry %s: %w", entry.BookingID, err))
			continue
		}
		if evaluated.Status != before.Status || !evaluated.DeadlineAt.Equal(before.DeadlineAt) {
			updated++
		}
	}

	s.log.WithFields(logrus.Fields{
		"environment": string(change.EnvironmentID),
		"version":     change.Version,
		"updated":     updated,
	}).Info("pool recomputed after policy change")

	return updated, errors.Join(errs...)
}

type PoolAlert struct {
	Severity  Severity
	BookingID domain.BookingID
	Message   string
}

type PoolErrorView struct {
	BookingID domain.BookingID
	domain.PoolError
}

type PoolDashboard struct {
	GeneratedAt time.Time
	Total       int
	ByStatus    map[domain.PoolStatus]int
	ByUrgency   map[domain.UrgencyLevel]int
	Oldest      *domain.PoolEntry
	Entries     []domain.PoolEntry
	Recent      []PoolErrorView
	Alerts      []PoolAlert
}

func (s *PoolService) Dashboard(ctx context.Context) (PoolDashboard, error) {
	entries, err := s.pool.List(ctx)
	if err != nil {
		return PoolDashboard{}, fmt.Errorf("list pool entries: %w", err)
	}

	now := s.clock.Now()
	dashboard := PoolDashboard{
		GeneratedAt: now,
		Total:       len(entries),
		ByStatus:    map[domain.PoolStatus]int{},
		ByUrgency:   map[domain.UrgencyLevel]int{},
		Entries:     entries,
	}

	snapshots := map[domain.EnvironmentID]domain.PolicySnapshot{}
	for _, entry := range entries {
		dashboard.ByStatus[entry.Status]++

		snapshot, ok := snapshots[entry.EnvironmentID]
		if !ok {
			snapshot, err = s.policies.EffectivePolicy(ctx, entry.EnvironmentID)
			if err != nil {
				return PoolDashboard{}, err
			}
			snapshots[entry.EnvironmentID] = snapshot
		}
		dashboard.ByUrgency[entry.Urgency(now, snapshot.Policy.Threshold(entry.MeetingType))]++

		if dashboard.Oldest == nil || entry.EnteredAt.Before(dashboard.Oldest.EnteredAt) {
			oldest := entry
			dashboard.Oldest = &oldest
		}
		for _, poolErr := range entry.Errors {
			dashboard.Recent = append(dashboard.Recent, PoolErrorView{BookingID: entry.BookingID, PoolError: poolErr})
		}

		switch {
		case entry.Status == domain.PoolStatusCorrupted:
			dashboard.Alerts = append(dashboard.Alerts, PoolAlert{
				Severity:  SeverityCritical,
				BookingID: entry.BookingID,
				Message:   fmt.Sprintf("corrupted after %d consecutive failures; run pool reset", entry.ConsecutiveFailures),
			})
		case !now.Before(entry.DeadlineAt):
			dashboard.Alerts = append(dashboard.Alerts, PoolAlert{
				Severity:  SeverityWarning,
				BookingID: entry.BookingID,
				Message:   fmt.Sprintf("past deadline since %s", entry.DeadlineAt.Format(time.RFC3339)),
			})
		case entry.BookingStart.Before(now):
			dashboard.Alerts = append(dashboard.Alerts, PoolAlert{
				Severity:  SeverityCritical,
				BookingID: entry.BookingID,
				Message:   "meeting already started without an interpreter",
			})
		}
	}

	sort.Slice(dashboard.Entries, func(i, j int) bool {
		if !dashboard.Entries[i].DeadlineAt.Equal(dashboard.Entries[j].DeadlineAt) {
			return dashboard.Entries[i].DeadlineAt.Before(dashboard.Entries[j].DeadlineAt)
		}
		return dashboard.Entries[i].BookingID < dashboard.Entries[j].BookingID
	})
	sort.Slice(dashboard.Recent, func(i, j int) bool {
		return dashboard.Recent[i].At.After(dashboard.Recent[j].At)
	})
	if len(dashboard.Recent) > recentErrorLimit {
		dashboard.Recent = dashboard.Recent[:recentErrorLimit]
	}

	return dashboard, nil
}
