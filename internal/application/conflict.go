package application

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	"github.com/bnema/interpreter-scheduler/internal/ports"
)

// ConflictDetector reads through the booking repository on every call.
type ConflictDetector struct {
	bookings ports.BookingRepository
}

func NewConflictDetector(bookings ports.BookingRepository) *ConflictDetector {
	return &ConflictDetector{bookings: bookings}
}

func (d *ConflictDetector) FindConflicts(ctx context.Context, interpreterID domain.InterpreterID, start, end time.Time, exclude domain.BookingID) ([]domain.ConflictResult, error) {
	existing, err := d.bookings.ListByInterpreter(ctx, interpreterID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list bookings of interpreter %s: %w", interpreterID, err)
	}

	conflicts := make([]domain.ConflictResult, 0)
	for _, booking := range existing {
		if booking.ID == exclude || booking.Cancelled() || booking.InterpreterID != interpreterID {
			continue
		}
		if !domain.Overlaps(start, end, booking.Start, booking.End) {
			continue
		}
		conflicts = append(conflicts, domain.ConflictResult{
			BookingID:      booking.ID,
			InterpreterID:  interpreterID,
			Start:          booking.Start,
			End:            booking.End,
			OverlapMinutes: domain.OverlapDuration(start, end, booking.Start, booking.End).Minutes(),
		})
	}

	return conflicts, nil
}

// FilterAvailable keeps the candidates without conflicts, preserving order.
func (d *ConflictDetector) FilterAvailable(ctx context.Context, candidates []domain.InterpreterID, start, end time.Time, exclude domain.BookingID) ([]domain.InterpreterID, error) {
	available := make([]domain.InterpreterID, 0, len(candidates))
	for _, id := range candidates {
		conflicts, err := d.FindConflicts(ctx, id, start, end, exclude)
		if err != nil {
			return nil, err
		}
		if len(conflicts) == 0 {
			available = append(available, id)
		}
	}
	return available, nil
}

// Check returns a *domain.ConflictError when the interpreter is busy.
func (d *ConflictDetector) Check(ctx context.Context, interpreterID domain.InterpreterID, booking domain.Booking) error {
	conflicts, err := d.FindConflicts(ctx, interpreterID, booking.Start, booking.End, booking.ID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &domain.ConflictError{InterpreterID: interpreterID, BookingID: booking.ID, Conflicts: conflicts}
	}
	return nil
}
