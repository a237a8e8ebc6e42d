package ports

import (
	"context"
	"time"
)

// Locker hands out advisory locks. Acquire blocks up to timeout and returns a
// *domain.LockTimeoutError when the key stays held.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (release func(), err error)
}
