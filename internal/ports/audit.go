package ports

import (
	"context"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
)

type AssignmentLogRepository interface {
	Append(ctx context.Context, log domain.AssignmentLog) error
	// List returns logs created in [from, to) ordered by creation time.
	List(ctx context.Context, from, to time.Time) ([]domain.AssignmentLog, error)
	Count(ctx context.Context) (int64, error)
}
