package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/roomgate/internal/roomlock"
)

// countingLocker records releases on top of an in-memory locker.
type countingLocker struct {
	*roomlock.MemoryLocker
	releases atomic.Int32
	fail     error
}

func newCountingLocker() *countingLocker {
	return &countingLocker{MemoryLocker: roomlock.NewMemoryLocker(time.Minute)}
}

func (c *countingLocker) TryAcquire(ctx context.Context, roomID, holder string) (roomlock.Result, error) {
	if c.fail != nil {
		return roomlock.Result{}, c.fail
	}
	return c.MemoryLocker.TryAcquire(ctx, roomID, holder)
}

func (c *countingLocker) Release(ctx context.Context, roomID, holder string) error {
	c.releases.Add(1)
	return c.MemoryLocker.Release(ctx, roomID, holder)
}

func testOptions() Options {
	return Options{
		MaxPending:     10,
		TaskTimeout:    time.Second,
		AcquireRetries: 2,
		AcquireBackoff: time.Millisecond,
	}
}

func wait(t *testing.T, tk Ticket) Outcome {
	t.Helper()
	select {
	case out := <-tk.Done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatalf("run %s: no outcome", tk.RunID)
		return Outcome{}
	}
}

func TestQueue_FIFOWithSlowFirstTask(t *testing.T) {
	q := New(newCountingLocker(), testOptions())
	defer q.Stop(context.Background())

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	gate := make(chan struct{})
	started := make(chan struct{})
	t1, err := q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		record("T1")
		return nil, nil
	}})
	require.NoError(t, err)
	<-started

	var tickets []Ticket
	for _, name := range []string{"T2", "T3"} {
		name := name
		tk, err := q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(ctx context.Context) (interface{}, error) {
			record(name)
			return name, nil
		}})
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	assert.Equal(t, 1, tickets[0].Position)
	assert.Equal(t, 2, tickets[1].Position)
	assert.Equal(t, 2, q.Pending("r"))
	assert.Equal(t, t1.RunID, q.Running("r"))

	time.Sleep(20 * time.Millisecond)
	close(gate)

	wait(t, t1)
	assert.Equal(t, "T2", wait(t, tickets[0]).Result)
	assert.Equal(t, "T3", wait(t, tickets[1]).Result)
	assert.Equal(t, []string{"T1", "T2", "T3"}, order)
}

func TestQueue_GuaranteedRelease(t *testing.T) {
	cases := []struct {
		name    string
		run     Func
		wantErr error
	}{
		{"success", func(context.Context) (interface{}, error) { return "ok", nil }, nil},
		{"error", func(context.Context) (interface{}, error) { return nil, errors.New("pipeline exploded") }, nil},
		{"timeout", func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, context.DeadlineExceeded},
		{"panic", func(context.Context) (interface{}, error) { panic("boom") }, ErrTaskPanicked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newCountingLocker()
			opts := testOptions()
			opts.TaskTimeout = 20 * time.Millisecond
			q := New(l, opts)
			defer q.Stop(context.Background())

			tk, err := q.Enqueue(context.Background(), Task{RoomID: "42", Run: tc.run})
			require.NoError(t, err)
			out := wait(t, tk)
			if tc.wantErr != nil {
				assert.ErrorIs(t, out.Err, tc.wantErr)
			}

			assert.EqualValues(t, 1, l.releases.Load())
			res, err := l.TryAcquire(context.Background(), "42", "next")
			require.NoError(t, err)
			assert.True(t, res.Acquired, "room is free right after the task")
		})
	}
}

func TestQueue_FailureDoesNotStallRoom(t *testing.T) {
	q := New(newCountingLocker(), testOptions())
	defer q.Stop(context.Background())

	bad, err := q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(context.Context) (interface{}, error) {
		panic("kaboom")
	}})
	require.NoError(t, err)
	good, err := q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(context.Context) (interface{}, error) {
		return "fine", nil
	}})
	require.NoError(t, err)

	assert.ErrorIs(t, wait(t, bad).Err, ErrTaskPanicked)
	out := wait(t, good)
	assert.NoError(t, out.Err)
	assert.Equal(t, "fine", out.Result)
}

func TestQueue_LockHeldElsewhere(t *testing.T) {
	// Without a lease the holder gives no bound, so the retry budget applies.
	l := &countingLocker{MemoryLocker: roomlock.NewMemoryLocker(0)}
	ctx := context.Background()
	_, err := l.TryAcquire(ctx, "r", "admin-regenerate")
	require.NoError(t, err)

	q := New(l, testOptions())
	defer q.Stop(ctx)

	var ran atomic.Bool
	tk, err := q.Enqueue(ctx, Task{RoomID: "r", Run: func(context.Context) (interface{}, error) {
		ran.Store(true)
		return nil, nil
	}})
	require.NoError(t, err)

	out := wait(t, tk)
	assert.ErrorIs(t, out.Err, ErrLockUnavailable)
	assert.Contains(t, out.Err.Error(), "admin-regenerate")
	assert.False(t, ran.Load())
	assert.Zero(t, l.releases.Load(), "never acquired, never released")

	// The room keeps working once the other holder lets go.
	require.NoError(t, l.Release(ctx, "r", "admin-regenerate"))
	tk, err = q.Enqueue(ctx, Task{RoomID: "r", Run: func(context.Context) (interface{}, error) { return nil, nil }})
	require.NoError(t, err)
	assert.NoError(t, wait(t, tk).Err)
}

func TestQueue_LockFreedDuringRetries(t *testing.T) {
	l := newCountingLocker()
	ctx := context.Background()
	_, err := l.TryAcquire(ctx, "r", "other")
	require.NoError(t, err)

	opts := testOptions()
	opts.AcquireRetries = 20
	opts.AcquireBackoff = 5 * time.Millisecond
	q := New(l, opts)
	defer q.Stop(ctx)

	tk, err := q.Enqueue(ctx, Task{RoomID: "r", Run: func(context.Context) (interface{}, error) { return "ran", nil }})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.MemoryLocker.Release(ctx, "r", "other"))

	out := wait(t, tk)
	require.NoError(t, out.Err)
	assert.Equal(t, "ran", out.Result)
}

func TestQueue_LeasedHolderOutlastsRetryBudget(t *testing.T) {
	l := newCountingLocker()
	ctx := context.Background()
	_, err := l.TryAcquire(ctx, "r", "admin-regenerate")
	require.NoError(t, err)

	opts := testOptions()
	opts.AcquireRetries = 0
	q := New(l, opts)
	defer q.Stop(ctx)

	tk, err := q.Enqueue(ctx, Task{RoomID: "r", Run: func(context.Context) (interface{}, error) { return "answered", nil }})
	require.NoError(t, err)

	// Far longer than a zero-retry budget; the task must still be waiting.
	select {
	case out := <-tk.Done:
		t.Fatalf("task gave up while the holder's lease was live: %v", out.Err)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, l.Release(ctx, "r", "admin-regenerate"))

	out := wait(t, tk)
	require.NoError(t, out.Err)
	assert.Equal(t, "answered", out.Result)
	assert.GreaterOrEqual(t, out.Waited, 100*time.Millisecond)
}

func TestQueue_ExpiredLeaseIsTakenOver(t *testing.T) {
	l := &countingLocker{MemoryLocker: roomlock.NewMemoryLocker(150 * time.Millisecond)}
	ctx := context.Background()
	_, err := l.TryAcquire(ctx, "r", "crashed")
	require.NoError(t, err)

	opts := testOptions()
	opts.AcquireRetries = 0
	q := New(l, opts)
	defer q.Stop(ctx)

	tk, err := q.Enqueue(ctx, Task{RoomID: "r", Run: func(context.Context) (interface{}, error) { return "ran", nil }})
	require.NoError(t, err)
	out := wait(t, tk)
	require.NoError(t, out.Err)
	assert.Equal(t, "ran", out.Result)
}

func TestQueue_LockBackendError(t *testing.T) {
	l := newCountingLocker()
	l.fail = errors.New("redis: connection refused")
	q := New(l, testOptions())
	defer q.Stop(context.Background())

	tk, err := q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(context.Context) (interface{}, error) { return nil, nil }})
	require.NoError(t, err)
	out := wait(t, tk)
	assert.ErrorIs(t, out.Err, ErrLockUnavailable)
	assert.Contains(t, out.Err.Error(), "connection refused")
}

func TestQueue_MaxPending(t *testing.T) {
	opts := testOptions()
	opts.MaxPending = 1
	q := New(newCountingLocker(), opts)
	defer q.Stop(context.Background())

	gate := make(chan struct{})
	started := make(chan struct{})
	first, err := q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	}})
	require.NoError(t, err)
	<-started

	second, err := q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(context.Context) (interface{}, error) { return nil, nil }})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(context.Context) (interface{}, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrQueueFull)

	// Other rooms are unaffected.
	other, err := q.Enqueue(context.Background(), Task{RoomID: "other", Run: func(context.Context) (interface{}, error) { return nil, nil }})
	require.NoError(t, err)

	close(gate)
	wait(t, first)
	wait(t, second)
	wait(t, other)
}

func TestQueue_RoomsRunConcurrently(t *testing.T) {
	q := New(newCountingLocker(), testOptions())
	defer q.Stop(context.Background())

	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	a, err := q.Enqueue(context.Background(), Task{RoomID: "a", Run: func(ctx context.Context) (interface{}, error) {
		close(aStarted)
		select {
		case <-bStarted:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})
	require.NoError(t, err)
	<-aStarted
	b, err := q.Enqueue(context.Background(), Task{RoomID: "b", Run: func(context.Context) (interface{}, error) {
		close(bStarted)
		return nil, nil
	}})
	require.NoError(t, err)

	assert.NoError(t, wait(t, a).Err, "room a was not blocked behind room b")
	assert.NoError(t, wait(t, b).Err)
}

func TestQueue_MaxConcurrentRooms(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrentRooms = 1
	q := New(newCountingLocker(), opts)
	defer q.Stop(context.Background())

	var inFlight, peak atomic.Int32
	run := func(context.Context) (interface{}, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}

	var tickets []Ticket
	for _, roomID := range []string{"a", "b", "c", "d"} {
		tk, err := q.Enqueue(context.Background(), Task{RoomID: roomID, Run: run})
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		assert.NoError(t, wait(t, tk).Err)
	}
	assert.EqualValues(t, 1, peak.Load())
}

func TestQueue_Stop(t *testing.T) {
	q := New(newCountingLocker(), testOptions())

	tk, err := q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(context.Context) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "done", nil
	}})
	require.NoError(t, err)

	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, "done", wait(t, tk).Result, "in-flight work finishes before Stop returns")

	_, err = q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(context.Context) (interface{}, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_StopDeadlineCancelsTasks(t *testing.T) {
	opts := testOptions()
	opts.TaskTimeout = 0
	q := New(newCountingLocker(), opts)

	started := make(chan struct{})
	tk, err := q.Enqueue(context.Background(), Task{RoomID: "r", Run: func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, wait(t, tk).Err, context.Canceled)
}

func TestQueue_InvalidTask(t *testing.T) {
	q := New(newCountingLocker(), testOptions())
	defer q.Stop(context.Background())

	_, err := q.Enqueue(context.Background(), Task{Run: func(context.Context) (interface{}, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = q.Enqueue(context.Background(), Task{RoomID: "r"})
	assert.ErrorIs(t, err, ErrInvalidTask)
}
