package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/domain"
	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	keyPrefix    = "isched:lock:"
	retryBackoff = 50 * time.Millisecond
	// leases outlive the holder by this much so a crashed process frees the key
	leaseTTL = 30 * time.Second
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

func NewLocker(client goredis.UniversalClient) *Locker {
	return &Locker{client: client, ttl: leaseTTL}
}

// NewClient builds a client from the redis.* keys and pings it.
func NewClient(ctx context.Context, cfg *viper.Viper) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.GetString("redis.addr"),
		Password:     cfg.GetString("redis.password"),
		DB:           cfg.GetInt("redis.db"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Acquire polls SET NX PX until the key is free or timeout elapses.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	token := uuid.NewString()
	redisKey := keyPrefix + key
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
			}, nil
		}

		if !time.Now().Add(retryBackoff).Before(deadline) {
			return nil, &domain.LockTimeoutError{Key: key, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}
