package ports

import (
	"context"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
)

type BookingRepository interface {
	GetByID(ctx context.Context, id domain.BookingID) (domain.Booking, error)
	List(ctx context.Context) ([]domain.Booking, error)
	// ListWaiting returns unassigned waiting bookings starting in [from, to).
	ListWaiting(ctx context.Context, from, to time.Time) ([]domain.Booking, error)
	// ListByInterpreter returns non-cancelled bookings of the interpreter overlapping [from, to).
	ListByInterpreter(ctx context.Context, id domain.InterpreterID, from, to time.Time) ([]domain.Booking, error)
	// ListAssigned returns non-cancelled assigned bookings overlapping [from, to).
	ListAssigned(ctx context.Context, from, to time.Time) ([]domain.Booking, error)
	Save(ctx context.Context, booking domain.Booking) error
	// CompareAndSwap stores booking only if the stored version equals expected.
	// The stored version becomes expected+1.
	CompareAndSwap(ctx context.Context, booking domain.Booking, expected uint64) (domain.Booking, error)
}

type InterpreterDirectory interface {
	GetByID(ctx context.Context, id domain.InterpreterID) (domain.Interpreter, error)
	List(ctx context.Context) ([]domain.Interpreter, error)
}
