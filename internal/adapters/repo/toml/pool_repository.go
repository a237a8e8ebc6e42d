package toml

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/spf13/viper"
)

const (
	poolPathKey  = "pool.path"
	poolFileName = "pool.toml"
)

type PoolRepository struct {
	path string
	mu   *sync.RWMutex
}

var _ ports.PoolRepository = (*PoolRepository)(nil)

func NewPoolRepository(cfg *viper.Viper) (*PoolRepository, error) {
	path, err := resolvePath(cfg, poolPathKey, poolFileName)
	if err != nil {
		return nil, err
	}

	return &PoolRepository{path: path, mu: lockForPath(path)}, nil
}

func (r *PoolRepository) Get(ctx context.Context, id domain.BookingID) (domain.PoolEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.PoolEntry{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return domain.PoolEntry{}, err
	}

	for _, entry := range file.Entries {
		if entry.BookingID == string(id) {
			return fromPoolEntrySchema(entry)
		}
	}

	return domain.PoolEntry{}, domain.ErrPoolEntryNotFound
}

// List orders entries by deadline, then booking id.
func (r *PoolRepository) List(ctx context.Context) ([]domain.PoolEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}

	entries := make([]domain.PoolEntry, 0, len(file.Entries))
	for _, encoded := range file.Entries {
		entry, err := fromPoolEntrySchema(encoded)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].DeadlineAt.Equal(entries[j].DeadlineAt) {
			return entries[i].DeadlineAt.Before(entries[j].DeadlineAt)
		}
		return entries[i].BookingID < entries[j].BookingID
	})

	return entries, nil
}

func (r *PoolRepository) Save(ctx context.Context, entry domain.PoolEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.BookingID == "" {
		return &domain.ValidationError{Field: "booking_id", Message: "is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return err
	}

	encoded := toPoolEntrySchema(entry)
	updated := false
	for i := range file.Entries {
		if file.Entries[i].BookingID == encoded.BookingID {
			file.Entries[i] = encoded
			updated = true
			break
		}
	}
	if !updated {
		file.Entries = append(file.Entries, encoded)
	}

	return writeTOMLFile(r.path, file)
}

func (r *PoolRepository) Delete(ctx context.Context, id domain.BookingID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return err
	}

	kept := file.Entries[:0]
	found := false
	for _, entry := range file.Entries {
		if entry.BookingID == string(id) {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	if !found {
		return domain.ErrPoolEntryNotFound
	}
	file.Entries = kept

	return writeTOMLFile(r.path, file)
}

func (r *PoolRepository) readSchema() (poolFileSchema, error) {
	var file poolFileSchema
	if err := readTOMLFile(r.path, "pool", &file); err != nil {
		return poolFileSchema{}, err
	}
	if err := file.validateVersion(); err != nil {
		return poolFileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func toPoolEntrySchema(entry domain.PoolEntry) poolEntrySchema {
	var errs []poolErrorSchema
	for _, item := range entry.Errors {
		errs = append(errs, poolErrorSchema{At: formatTime(item.At), Reason: item.Reason, Message: item.Message})
	}

	return poolEntrySchema{
		BookingID:           string(entry.BookingID),
		EnvironmentID:       string(entry.EnvironmentID),
		MeetingType:         string(entry.MeetingType),
		BookingStart:        formatTime(entry.BookingStart),
		EnteredAt:           formatTime(entry.EnteredAt),
		DeadlineAt:          formatTime(entry.DeadlineAt),
		Status:              string(entry.Status),
		LastAttemptAt:       formatTime(entry.LastAttemptAt),
		Attempts:            entry.Attempts,
		ConsecutiveFailures: entry.ConsecutiveFailures,
		Errors:              errs,
		UpdatedAt:           formatTime(entry.UpdatedAt),
	}
}

func fromPoolEntrySchema(schema poolEntrySchema) (domain.PoolEntry, error) {
	fail := func(err error) (domain.PoolEntry, error) {
		return domain.PoolEntry{}, fmt.Errorf("decode pool entry %s: %w", schema.BookingID, err)
	}

	meetingType, err := domain.ParseMeetingType(schema.MeetingType)
	if err != nil {
		return fail(err)
	}
	status, err := domain.ParsePoolStatus(schema.Status)
	if err != nil {
		return fail(err)
	}
	start, err := parseRequiredTime("booking_start", schema.BookingStart)
	if err != nil {
		return fail(err)
	}
	deadline, err := parseRequiredTime("deadline_at", schema.DeadlineAt)
	if err != nil {
		return fail(err)
	}

	var errs []domain.PoolError
	for _, item := range schema.Errors {
		errs = append(errs, domain.PoolError{At: parseTime(item.At), Reason: item.Reason, Message: item.Message})
	}

	return domain.PoolEntry{
		BookingID:           domain.BookingID(schema.BookingID),
		EnvironmentID:       domain.EnvironmentID(schema.EnvironmentID),
		MeetingType:         meetingType,
		BookingStart:        start,
		EnteredAt:           parseTime(schema.EnteredAt),
		DeadlineAt:          deadline,
		Status:              status,
		LastAttemptAt:       parseTime(schema.LastAttemptAt),
		Attempts:            schema.Attempts,
		ConsecutiveFailures: schema.ConsecutiveFailures,
		Errors:              errs,
		UpdatedAt:           parseTime(schema.UpdatedAt),
	}, nil
}
