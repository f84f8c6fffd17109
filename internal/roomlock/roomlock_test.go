package roomlock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockers returns every Locker implementation under a fresh backend.
func lockers(t *testing.T, lease time.Duration) map[string]Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Locker{
		"memory": NewMemoryLocker(lease),
		"redis":  NewRedisLocker(client, "lock:room:", lease),
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	for name, l := range lockers(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 50

			var wins atomic.Int32
			var winner atomic.Value
			results := make([]Result, n)
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					res, err := l.TryAcquire(ctx, "room-1", fmt.Sprintf("p%d", i))
					assert.NoError(t, err)
					results[i] = res
					if res.Acquired {
						wins.Add(1)
						winner.Store(res.CurrentHolder)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			require.EqualValues(t, 1, wins.Load(), "exactly one acquirer wins")
			holder := winner.Load().(string)
			for _, res := range results {
				if !res.Acquired && res.CurrentHolder != "" {
					assert.Equal(t, holder, res.CurrentHolder)
				}
			}
		})
	}
}

func TestLocker_ScenarioRoom7(t *testing.T) {
	for name, l := range lockers(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a, err := l.TryAcquire(ctx, "7", "A")
			require.NoError(t, err)
			require.True(t, a.Acquired)

			b, err := l.TryAcquire(ctx, "7", "B")
			require.NoError(t, err)
			assert.False(t, b.Acquired)
			assert.Equal(t, "A", b.CurrentHolder)

			require.NoError(t, l.Release(ctx, "7", "A"))

			b, err = l.TryAcquire(ctx, "7", "B")
			require.NoError(t, err)
			assert.True(t, b.Acquired)
			assert.Equal(t, "B", b.CurrentHolder)
		})
	}
}

func TestLocker_ReleaseIsIdempotent(t *testing.T) {
	for name, l := range lockers(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, l.Release(ctx, "never-locked", ""))
			require.NoError(t, l.Release(ctx, "never-locked", "x"))

			_, err := l.TryAcquire(ctx, "r", "h")
			require.NoError(t, err)
			require.NoError(t, l.Release(ctx, "r", "h"))
			require.NoError(t, l.Release(ctx, "r", "h"))

			st, err := l.Snapshot(ctx, "r")
			require.NoError(t, err)
			assert.False(t, st.Locked)
		})
	}
}

func TestLocker_ReleaseByOtherHolderIgnored(t *testing.T) {
	for name, l := range lockers(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := l.TryAcquire(ctx, "r", "owner")
			require.NoError(t, err)

			require.NoError(t, l.Release(ctx, "r", "intruder"))
			st, err := l.Snapshot(ctx, "r")
			require.NoError(t, err)
			assert.True(t, st.Locked)
			assert.Equal(t, "owner", st.Holder)

			// Empty holder is an unconditional release.
			require.NoError(t, l.Release(ctx, "r", ""))
			st, err = l.Snapshot(ctx, "r")
			require.NoError(t, err)
			assert.False(t, st.Locked)
		})
	}
}

func TestLocker_EmptyRoomRejected(t *testing.T) {
	for name, l := range lockers(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			_, err := l.TryAcquire(context.Background(), "", "h")
			assert.ErrorIs(t, err, ErrEmptyRoom)
		})
	}
}

func TestMemoryLocker_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(time.Second)
	now := time.Unix(100, 0)
	l.now = func() time.Time { return now }

	res, err := l.TryAcquire(ctx, "r", "crashed")
	require.NoError(t, err)
	require.True(t, res.Acquired)
	assert.Equal(t, now.Add(time.Second), res.ExpiresAt)

	now = now.Add(999 * time.Millisecond)
	res, err = l.TryAcquire(ctx, "r", "next")
	require.NoError(t, err)
	assert.False(t, res.Acquired)

	now = now.Add(time.Millisecond)
	res, err = l.TryAcquire(ctx, "r", "next")
	require.NoError(t, err)
	assert.True(t, res.Acquired, "lease ran out, room is reclaimable")

	// The evicted holder's late release must not unlock its successor.
	require.NoError(t, l.Release(ctx, "r", "crashed"))
	st, _ := l.Snapshot(ctx, "r")
	assert.Equal(t, "next", st.Holder)
}

func TestMemoryLocker_NoLease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(0)
	now := time.Unix(100, 0)
	l.now = func() time.Time { return now }

	res, _ := l.TryAcquire(ctx, "r", "h")
	assert.True(t, res.ExpiresAt.IsZero())

	now = now.Add(24 * time.Hour)
	res, _ = l.TryAcquire(ctx, "r", "other")
	assert.False(t, res.Acquired)
	assert.Zero(t, l.Reap(ctx))
}

func TestMemoryLocker_Reap(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker(time.Second)
	now := time.Unix(100, 0)
	l.now = func() time.Time { return now }

	l.TryAcquire(ctx, "old", "h1")
	now = now.Add(500 * time.Millisecond)
	l.TryAcquire(ctx, "young", "h2")
	now = now.Add(600 * time.Millisecond)

	assert.Equal(t, 1, l.Reap(ctx))
	st, _ := l.Snapshot(ctx, "old")
	assert.False(t, st.Locked)
	st, _ = l.Snapshot(ctx, "young")
	assert.True(t, st.Locked)
}

func TestRedisLocker_LeaseIsKeyTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedisLocker(client, "lock:", 2*time.Second)

	res, err := l.TryAcquire(ctx, "r", "crashed")
	require.NoError(t, err)
	require.True(t, res.Acquired)
	assert.Equal(t, 2*time.Second, mr.TTL("lock:r"))

	mr.FastForward(2 * time.Second)
	res, err = l.TryAcquire(ctx, "r", "next")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestRedisLocker_BackendErrorIsLoud(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	l := NewRedisLocker(client, "lock:", time.Minute)
	mr.Close()

	_, err := l.TryAcquire(context.Background(), "r", "h")
	assert.Error(t, err)
}

func TestDecodeValue(t *testing.T) {
	at, holder := decodeValue(encodeValue(time.UnixMilli(1234), "run:abc"))
	assert.Equal(t, int64(1234), at.UnixMilli())
	assert.Equal(t, "run:abc", holder)

	at, holder = decodeValue("garbage")
	assert.True(t, at.IsZero())
	assert.Equal(t, "garbage", holder)
}
