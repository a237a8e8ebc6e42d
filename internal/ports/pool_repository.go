package ports

import (
	"context"

	"github.com/bnema/interpreter-scheduler/internal/domain"
)

type PoolRepository interface {
	Get(ctx context.Context, id domain.BookingID) (domain.PoolEntry, error)
	List(ctx context.Context) ([]domain.PoolEntry, error)
	Save(ctx context.Context, entry domain.PoolEntry) error
	Delete(ctx context.Context, id domain.BookingID) error
}
