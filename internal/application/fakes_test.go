package application

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	lockmemory "github.com/bnema/interpreter-scheduler/internal/adapters/lock/memory"
	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
)

type inMemoryBookingRepo struct {
	mu       sync.Mutex
	bookings map[domain.BookingID]domain.Booking
	// beforeCAS runs inside CompareAndSwap before the version check.
	beforeCAS func(domain.Booking)
}

func newBookingRepo(bookings ...domain.Booking) *inMemoryBookingRepo {
	repo := &inMemoryBookingRepo{bookings: map[domain.BookingID]domain.Booking{}}
	for _, b := range bookings {
		if b.Status == "" {
			b.Status = domain.BookingStatusWaiting
		}
		repo.bookings[b.ID] = b
	}
	return repo
}

func (r *inMemoryBookingRepo) GetByID(_ context.Context, id domain.BookingID) (domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	return b, nil
}

func (r *inMemoryBookingRepo) List(_ context.Context) ([]domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(domain.Booking) bool { return true }), nil
}

func (r *inMemoryBookingRepo) ListWaiting(_ context.Context, from, to time.Time) ([]domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(b domain.Booking) bool {
		return b.Assignable() && !b.Start.Before(from) && b.Start.Before(to)
	}), nil
}

func (r *inMemoryBookingRepo) ListByInterpreter(_ context.Context, id domain.InterpreterID, from, to time.Time) ([]domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(b domain.Booking) bool {
		return b.InterpreterID == id && !b.Cancelled() && domain.Overlaps(from, to, b.Start, b.End)
	}), nil
}

func (r *inMemoryBookingRepo) ListAssigned(_ context.Context, from, to time.Time) ([]domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(b domain.Booking) bool {
		return b.InterpreterID != "" && !b.Cancelled() && domain.Overlaps(from, to, b.Start, b.End)
	}), nil
}

func (r *inMemoryBookingRepo) Save(_ context.Context, booking domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings[booking.ID] = booking
	return nil
}

func (r *inMemoryBookingRepo) CompareAndSwap(_ context.Context, booking domain.Booking, expected uint64) (domain.Booking, error) {
	if r.beforeCAS != nil {
		r.beforeCAS(booking)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.bookings[booking.ID]
	if !ok {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	if current.Version != expected {
		return domain.Booking{}, &domain.VersionConflictError{BookingID: booking.ID, Expected: expected, Actual: current.Version}
	}
	booking.Version = expected + 1
	r.bookings[booking.ID] = booking
	return booking, nil
}

func (r *inMemoryBookingRepo) get(id domain.BookingID) domain.Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bookings[id]
}

func (r *inMemoryBookingRepo) update(id domain.BookingID, fn func(*domain.Booking)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bookings[id]
	fn(&b)
	b.Version++
	r.bookings[id] = b
}

func (r *inMemoryBookingRepo) sorted(keep func(domain.Booking) bool) []domain.Booking {
	out := make([]domain.Booking, 0, len(r.bookings))
	for _, b := range r.bookings {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type inMemoryInterpreterDir struct {
	interpreters []domain.Interpreter
}

func (d *inMemoryInterpreterDir) GetByID(_ context.Context, id domain.InterpreterID) (domain.Interpreter, error) {
	for _, interpreter := range d.interpreters {
		if interpreter.ID == id {
			return interpreter, nil
		}
	}
	return domain.Interpreter{}, domain.ErrInterpreterNotFound
}

func (d *inMemoryInterpreterDir) List(_ context.Context) ([]domain.Interpreter, error) {
	return append([]domain.Interpreter(nil), d.interpreters...), nil
}

type inMemoryPolicyRepo struct {
	mu    sync.Mutex
	state ports.PolicyState
	saves int
}

func newPolicyRepo(global domain.AssignmentPolicy) *inMemoryPolicyRepo {
	return &inMemoryPolicyRepo{state: ports.PolicyState{Global: global, Environments: map[domain.EnvironmentID]domain.PolicyOverride{}}}
}

func (r *inMemoryPolicyRepo) Load(_ context.Context) (ports.PolicyState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneState(r.state), nil
}

func (r *inMemoryPolicyRepo) Save(_ context.Context, state ports.PolicyState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = cloneState(state)
	r.saves++
	return nil
}

type inMemoryPoolRepo struct {
	mu      sync.Mutex
	entries map[domain.BookingID]domain.PoolEntry
}

func newPoolRepo() *inMemoryPoolRepo {
	return &inMemoryPoolRepo{entries: map[domain.BookingID]domain.PoolEntry{}}
}

func (r *inMemoryPoolRepo) Get(_ context.Context, id domain.BookingID) (domain.PoolEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return domain.PoolEntry{}, domain.ErrPoolEntryNotFound
	}
	return entry, nil
}

func (r *inMemoryPoolRepo) List(_ context.Context) ([]domain.PoolEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PoolEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookingID < out[j].BookingID })
	return out, nil
}

func (r *inMemoryPoolRepo) Save(_ context.Context, entry domain.PoolEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.BookingID] = entry
	return nil
}

func (r *inMemoryPoolRepo) Delete(_ context.Context, id domain.BookingID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return domain.ErrPoolEntryNotFound
	}
	delete(r.entries, id)
	return nil
}

type inMemoryLogRepo struct {
	mu   sync.Mutex
	logs []domain.AssignmentLog
}

func (r *inMemoryLogRepo) Append(_ context.Context, log domain.AssignmentLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *inMemoryLogRepo) List(_ context.Context, from, to time.Time) ([]domain.AssignmentLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AssignmentLog, 0, len(r.logs))
	for _, log := range r.logs {
		if !log.CreatedAt.Before(from) && log.CreatedAt.Before(to) {
			out = append(out, log)
		}
	}
	return out, nil
}

func (r *inMemoryLogRepo) Count(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.logs)), nil
}

func (r *inMemoryLogRepo) all() []domain.AssignmentLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AssignmentLog(nil), r.logs...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ports.AssignmentEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event ports.AssignmentEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) all() []ports.AssignmentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ports.AssignmentEvent(nil), n.events...)
}

type fixedClock struct {
	now time.Time
}

func (f fixedClock) Now() time.Time {
	return f.now
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type harness struct {
	clock     *manualClock
	bookings  *inMemoryBookingRepo
	dir       *inMemoryInterpreterDir
	policyDB  *inMemoryPolicyRepo
	poolDB    *inMemoryPoolRepo
	logs      *inMemoryLogRepo
	notifier  *recordingNotifier
	locker    ports.Locker
	policies  *PolicyService
	conflicts *ConflictDetector
	scoring   *ScoringEngine
	pool      *PoolService
	monitor   *Monitor
	executor  *Executor
	scheduler *Scheduler
}

type harnessOption func(*harness)

func withPolicy(policy domain.AssignmentPolicy) harnessOption {
	return func(h *harness) { h.policyDB = newPolicyRepo(policy) }
}

func withLocker(locker ports.Locker) harnessOption {
	return func(h *harness) { h.locker = locker }
}

func newHarness(t *testing.T, now time.Time, bookings []domain.Booking, interpreters []domain.Interpreter, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		clock:    &manualClock{now: now},
		bookings: newBookingRepo(bookings...),
		dir:      &inMemoryInterpreterDir{interpreters: interpreters},
		policyDB: newPolicyRepo(domain.DefaultPolicy()),
		poolDB:   newPoolRepo(),
		logs:     &inMemoryLogRepo{},
		notifier: &recordingNotifier{},
		locker:   lockmemory.NewLocker(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.policies = NewPolicyService(h.policyDB, h.clock, nil)
	h.conflicts = NewConflictDetector(h.bookings)
	h.scoring = NewScoringEngine(h.bookings, h.conflicts, h.clock, nil)
	h.pool = NewPoolService(h.poolDB, h.policies, h.clock, nil)
	h.monitor = NewMonitor(h.logs, h.bookings, h.poolDB, h.policies, h.clock)
	h.executor = NewExecutor(ExecutorDeps{
		Bookings:     h.bookings,
		Interpreters: h.dir,
		Policies:     h.policies,
		Conflicts:    h.conflicts,
		Scoring:      h.scoring,
		Pool:         h.pool,
		Locker:       h.locker,
		Notifier:     h.notifier,
		Monitor:      h.monitor,
		Clock:        h.clock,
	}, ExecutorConfig{LockTimeout: 200 * time.Millisecond})
	h.scheduler = NewScheduler(h.bookings, h.policies, h.pool, h.executor, h.monitor, h.clock, nil, SchedulerConfig{Concurrency: 2})
	h.scheduler.SubscribePolicy()

	return h
}

func newInterpreter(id, code string, envs ...domain.EnvironmentID) domain.Interpreter {
	return domain.Interpreter{
		ID:           domain.InterpreterID(id),
		Code:         code,
		Name:         code,
		Active:       true,
		Roles:        []string{domain.RoleInterpreter},
		Environments: envs,
	}
}

func newBooking(id string, start time.Time, hours float64, meetingType domain.MeetingType) domain.Booking {
	return domain.Booking{
		ID:            domain.BookingID(id),
		Start:         start,
		End:           start.Add(time.Duration(hours * float64(time.Hour))),
		MeetingType:   meetingType,
		Status:        domain.BookingStatusWaiting,
		EnvironmentID: "env-a",
		Version:       1,
	}
}

func assignedTo(b domain.Booking, interpreterID string) domain.Booking {
	b.InterpreterID = domain.InterpreterID(interpreterID)
	b.Status = domain.BookingStatusApproved
	return b
}

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func days(n float64) time.Duration {
	return time.Duration(n * float64(24*time.Hour))
}

// noDoubleBooking fails the test when any interpreter holds overlapping bookings.
func noDoubleBooking(t *testing.T, repo *inMemoryBookingRepo) {
	t.Helper()

	all, _ := repo.List(context.Background())
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.InterpreterID == "" || a.InterpreterID != b.InterpreterID || a.Cancelled() || b.Cancelled() {
				continue
			}
			if domain.Overlaps(a.Start, a.End, b.Start, b.End) {
				t.Fatalf("interpreter %s double-booked on %s and %s", a.InterpreterID, a.ID, b.ID)
			}
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
