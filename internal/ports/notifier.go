package ports

import (
	"context"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
)

type EventType string

const (
	EventAssignmentSucceeded EventType = "assignment.succeeded"
	EventAssignmentFailed    EventType = "assignment.failed"
)

type AssignmentEvent struct {
	Type          EventType            `json:"type"`
	BookingID     domain.BookingID     `json:"booking_id"`
	InterpreterID domain.InterpreterID `json:"interpreter_id,omitempty"`
	Trigger       domain.Trigger       `json:"trigger"`
	Reason        string               `json:"reason,omitempty"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, event AssignmentEvent) error
}
