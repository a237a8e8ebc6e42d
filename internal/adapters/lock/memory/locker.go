package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
)

// Locker is a process-local advisory lock keyed by string.
type Locker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocker() *Locker {
	return &Locker{slots: map[string]chan struct{}{}}
}

func (l *Locker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	ch := l.slot(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &domain.LockTimeoutError{Key: key, Timeout: timeout}
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
