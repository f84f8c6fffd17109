package roomlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/roomgate/internal/metrics"
)

// releaseScript deletes the lock only if ARGV[1] still holds it.
// Values are "<acquiredAtMs>:<holder>".
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return 0
end
local sep = string.find(v, ":", 1, true)
if sep and string.sub(v, sep + 1) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares room locks between gateway replicas. The lease is the
// key's PX expiry, so an expired holder disappears without help.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	lease  time.Duration
	now    func() time.Time
}

// NewRedisLocker creates a locker storing rooms under "<prefix><roomID>".
func NewRedisLocker(client redis.Cmdable, prefix string, lease time.Duration) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, lease: lease, now: time.Now}
}

func (r *RedisLocker) key(roomID string) string { return r.prefix + roomID }

func encodeValue(acquiredAt time.Time, holder string) string {
	return strconv.FormatInt(acquiredAt.UnixMilli(), 10) + ":" + holder
}

func decodeValue(v string) (time.Time, string) {
	ms, holder, ok := strings.Cut(v, ":")
	if !ok {
		return time.Time{}, v
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, holder
	}
	return time.UnixMilli(n), holder
}

func (r *RedisLocker) expiresAt(acquiredAt time.Time) time.Time {
	if r.lease <= 0 || acquiredAt.IsZero() {
		return time.Time{}
	}
	return acquiredAt.Add(r.lease)
}

func (r *RedisLocker) TryAcquire(ctx context.Context, roomID, holder string) (Result, error) {
	if roomID == "" {
		return Result{}, ErrEmptyRoom
	}
	now := r.now()
	key := r.key(roomID)

	ok, err := r.client.SetNX(ctx, key, encodeValue(now, holder), r.lease).Result()
	if err != nil {
		metrics.LockAcquire.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("roomlock: acquire %s: %w", roomID, err)
	}
	if ok {
		metrics.LockAcquire.WithLabelValues("acquired").Inc()
		return Result{Acquired: true, CurrentHolder: holder, AcquiredAt: now, ExpiresAt: r.expiresAt(now)}, nil
	}

	metrics.LockAcquire.WithLabelValues("busy").Inc()
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; report busy and let the caller retry.
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("roomlock: read holder %s: %w", roomID, err)
	}
	at, cur := decodeValue(v)
	return Result{CurrentHolder: cur, AcquiredAt: at, ExpiresAt: r.expiresAt(at)}, nil
}

func (r *RedisLocker) Release(ctx context.Context, roomID, holder string) error {
	key := r.key(roomID)
	if holder == "" {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("roomlock: release %s: %w", roomID, err)
		}
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{key}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("roomlock: release %s: %w", roomID, err)
	}
	return nil
}

func (r *RedisLocker) Snapshot(ctx context.Context, roomID string) (State, error) {
	v, err := r.client.Get(ctx, r.key(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return State{RoomID: roomID}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("roomlock: snapshot %s: %w", roomID, err)
	}
	at, holder := decodeValue(v)
	return State{
		RoomID:     roomID,
		Locked:     true,
		Holder:     holder,
		AcquiredAt: at,
		ExpiresAt:  r.expiresAt(at),
	}, nil
}
