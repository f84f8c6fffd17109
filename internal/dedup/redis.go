package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultRetention bounds keys written with ttl <= 0 (turn IDs): Redis has
// no cheap bulk reset, so "never lapse" becomes "lapse after a day".
const defaultRetention = 24 * time.Hour

// RedisBackend shares dedup state between gateway replicas.
// Key expiry is done by Redis (PX), so Sweep is a no-op.
type RedisBackend struct {
	client    redis.Cmdable
	prefix    string
	retention time.Duration
}

// NewRedisBackend creates a backend storing keys as "<prefix><key>".
func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, retention: defaultRetention}
}

// WithRetention overrides the lifetime of keys stored without a ttl.
func (r *RedisBackend) WithRetention(d time.Duration) *RedisBackend {
	if d > 0 {
		r.retention = d
	}
	return r
}

func (r *RedisBackend) SetIfAbsent(ctx context.Context, key string, now time.Time, ttl time.Duration) (time.Time, bool, error) {
	if ttl <= 0 {
		ttl = r.retention
	}
	k := r.prefix + key

	// Two attempts: the existing key can expire between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, k, now.UnixMilli(), ttl).Result()
		if err != nil {
			return time.Time{}, false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return now, true, nil
		}

		ms, err := r.client.Get(ctx, k).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return time.Time{}, false, fmt.Errorf("redis get: %w", err)
		}
		return time.UnixMilli(ms), false, nil
	}
	return time.Time{}, false, fmt.Errorf("redis: key %q flapping", k)
}

func (r *RedisBackend) Sweep(context.Context, time.Time, time.Duration, int) (SweepStats, error) {
	return SweepStats{Remaining: -1}, nil
}
