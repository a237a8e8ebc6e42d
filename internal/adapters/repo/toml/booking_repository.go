package toml

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/spf13/viper"
)

const (
	bookingsPathKey  = "bookings.path"
	bookingsFileName = "bookings.toml"
)

type BookingRepository struct {
	path string
	mu   *sync.RWMutex
}

var _ ports.BookingRepository = (*BookingRepository)(nil)

func NewBookingRepository(cfg *viper.Viper) (*BookingRepository, error) {
	path, err := resolvePath(cfg, bookingsPathKey, bookingsFileName)
	if err != nil {
		return nil, err
	}

	return &BookingRepository{path: path, mu: lockForPath(path)}, nil
}

func (r *BookingRepository) GetByID(ctx context.Context, id domain.BookingID) (domain.Booking, error) {
	if err := ctx.Err(); err != nil {
		return domain.Booking{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return domain.Booking{}, err
	}

	for _, entry := range file.Bookings {
		if entry.ID == string(id) {
			return fromBookingSchema(entry)
		}
	}

	return domain.Booking{}, domain.ErrBookingNotFound
}

func (r *BookingRepository) List(ctx context.Context) ([]domain.Booking, error) {
	return r.filter(ctx, func(domain.Booking) bool { return true })
}

func (r *BookingRepository) ListWaiting(ctx context.Context, from, to time.Time) ([]domain.Booking, error) {
	return r.filter(ctx, func(b domain.Booking) bool {
		return b.Assignable() && !b.Start.Before(from) && b.Start.Before(to)
	})
}

func (r *BookingRepository) ListByInterpreter(ctx context.Context, id domain.InterpreterID, from, to time.Time) ([]domain.Booking, error) {
	return r.filter(ctx, func(b domain.Booking) bool {
		return b.InterpreterID == id && !b.Cancelled() && domain.Overlaps(from, to, b.Start, b.End)
	})
}

func (r *BookingRepository) ListAssigned(ctx context.Context, from, to time.Time) ([]domain.Booking, error) {
	return r.filter(ctx, func(b domain.Booking) bool {
		return b.InterpreterID != "" && !b.Cancelled() && domain.Overlaps(from, to, b.Start, b.End)
	})
}

func (r *BookingRepository) Save(ctx context.Context, booking domain.Booking) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := booking.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return err
	}

	upsertBooking(&file, toBookingSchema(booking))
	return writeTOMLFile(r.path, file)
}

// CompareAndSwap holds the file lock across the version check and the write.
func (r *BookingRepository) CompareAndSwap(ctx context.Context, booking domain.Booking, expected uint64) (domain.Booking, error) {
	if err := ctx.Err(); err != nil {
		return domain.Booking{}, err
	}
	if err := booking.Validate(); err != nil {
		return domain.Booking{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := r.readSchema()
	if err != nil {
		return domain.Booking{}, err
	}

	var current *bookingSchema
	for i := range file.Bookings {
		if file.Bookings[i].ID == string(booking.ID) {
			current = &file.Bookings[i]
			break
		}
	}
	if current == nil {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	if current.Version != expected {
		return domain.Booking{}, &domain.VersionConflictError{BookingID: booking.ID, Expected: expected, Actual: current.Version}
	}

	if err := ctx.Err(); err != nil {
		return domain.Booking{}, err
	}

	booking.Version = expected + 1
	*current = toBookingSchema(booking)
	if err := writeTOMLFile(r.path, file); err != nil {
		return domain.Booking{}, err
	}

	return booking, nil
}

func (r *BookingRepository) filter(ctx context.Context, keep func(domain.Booking) bool) ([]domain.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}

	bookings := make([]domain.Booking, 0, len(file.Bookings))
	for _, entry := range file.Bookings {
		booking, err := fromBookingSchema(entry)
		if err != nil {
			return nil, err
		}
		if keep(booking) {
			bookings = append(bookings, booking)
		}
	}
	sort.Slice(bookings, func(i, j int) bool {
		if !bookings[i].Start.Equal(bookings[j].Start) {
			return bookings[i].Start.Before(bookings[j].Start)
		}
		return bookings[i].ID < bookings[j].ID
	})

	return bookings, nil
}

func (r *BookingRepository) readSchema() (bookingsFileSchema, error) {
	var file bookingsFileSchema
	if err := readTOMLFile(r.path, "bookings", &file); err != nil {
		return bookingsFileSchema{}, err
	}
	if err := file.validateVersion(); err != nil {
		return bookingsFileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func upsertBooking(file *bookingsFileSchema, encoded bookingSchema) {
	for i := range file.Bookings {
		if file.Bookings[i].ID == encoded.ID {
			file.Bookings[i] = encoded
			return
		}
	}
	file.Bookings = append(file.Bookings, encoded)
}

func toBookingSchema(booking domain.Booking) bookingSchema {
	targets := make([]string, 0, len(booking.ForwardTargets))
	for _, target := range booking.ForwardTargets {
		targets = append(targets, string(target))
	}

	return bookingSchema{
		ID:               string(booking.ID),
		Title:            booking.Title,
		OwnerID:          booking.OwnerID,
		Start:            formatTime(booking.Start),
		End:              formatTime(booking.End),
		MeetingType:      string(booking.MeetingType),
		DRType:           string(booking.DRType),
		Status:           string(booking.Status),
		InterpreterID:    string(booking.InterpreterID),
		EnvironmentID:    string(booking.EnvironmentID),
		ForwardTargets:   targets,
		CriticalCoverage: booking.CriticalCoverage,
		Version:          booking.Version,
		CreatedAt:        formatTime(booking.CreatedAt),
		UpdatedAt:        formatTime(booking.UpdatedAt),
	}
}

// fromBookingSchema rejects unknown meeting types, DR types and statuses.
func fromBookingSchema(schema bookingSchema) (domain.Booking, error) {
	fail := func(err error) (domain.Booking, error) {
		return domain.Booking{}, fmt.Errorf("decode booking %s: %w", schema.ID, err)
	}

	meetingType, err := domain.ParseMeetingType(schema.MeetingType)
	if err != nil {
		return fail(err)
	}
	status, err := domain.ParseBookingStatus(schema.Status)
	if err != nil {
		return fail(err)
	}
	var drType domain.DRType
	if schema.DRType != "" {
		if drType, err = domain.ParseDRType(schema.DRType); err != nil {
			return fail(err)
		}
	}
	start, err := parseRequiredTime("start", schema.Start)
	if err != nil {
		return fail(err)
	}
	end, err := parseRequiredTime("end", schema.End)
	if err != nil {
		return fail(err)
	}

	var targets []domain.EnvironmentID
	for _, target := range schema.ForwardTargets {
		targets = append(targets, domain.EnvironmentID(target))
	}

	return domain.Booking{
		ID:               domain.BookingID(schema.ID),
		Title:            schema.Title,
		OwnerID:          schema.OwnerID,
		Start:            start,
		End:              end,
		MeetingType:      meetingType,
		DRType:           drType,
		Status:           status,
		InterpreterID:    domain.InterpreterID(schema.InterpreterID),
		EnvironmentID:    domain.EnvironmentID(schema.EnvironmentID),
		ForwardTargets:   targets,
		CriticalCoverage: schema.CriticalCoverage,
		Version:          schema.Version,
		CreatedAt:        parseTime(schema.CreatedAt),
		UpdatedAt:        parseTime(schema.UpdatedAt),
	}, nil
}
