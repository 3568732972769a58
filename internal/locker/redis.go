package locker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed holder can keep a key locked.
	DefaultTTL = 30 * time.Second
	// DefaultRetryInterval is the polling interval while waiting for a held key.
	DefaultRetryInterval = 50 * time.Millisecond

	redisKeyPrefix = "alerting:lock:"
)

// Redis is a distributed Locker built on bsm/redislock.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
}

// NewRedis creates a distributed locker. Zero ttl or backoff use the defaults.
func NewRedis(rdb *redis.Client, ttl, backoff time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if backoff <= 0 {
		backoff = DefaultRetryInterval
	}
	return &Redis{
		client:  redislock.New(rdb),
		ttl:     ttl,
		backoff: backoff,
	}
}

// Lock implements Locker. Without a ctx deadline the wait is bounded by the TTL.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := r.client.Obtain(ctx, redisKeyPrefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.backoff),
	})
	if err == redislock.ErrNotObtained {
		return nil, fmt.Errorf("lock %s not obtained: %w", key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}

	return func() {
		// Release gets its own context so a cancelled caller still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && err != redislock.ErrLockNotHeld {
			slog.Warn("Failed to release lock",
				"key", key,
				"error", err,
			)
		}
	}, nil
}
