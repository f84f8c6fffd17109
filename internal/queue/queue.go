// Package queue serializes reply tasks per room. Each room with pending work
// gets one worker goroutine that drains the room's FIFO in submission order,
// holding the room lock for exactly the duration of each task.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/roomgate/internal/metrics"
	"github.com/nextlevelbuilder/roomgate/internal/roomlock"
)

var (
	ErrClosed          = errors.New("queue: closed")
	ErrQueueFull       = errors.New("queue: room backlog full")
	ErrLockUnavailable = errors.New("queue: room lock unavailable")
	ErrTaskPanicked    = errors.New("queue: task panicked")
	ErrInvalidTask     = errors.New("queue: task needs a room and a func")
)

// releaseTimeout bounds the lock release issued after a task finishes. It
// runs on a fresh context so cancelled tasks still release.
const releaseTimeout = 5 * time.Second

const maxAcquireBackoff = 5 * time.Second

// Func is the body of a task. It should return promptly once ctx is done.
type Func func(ctx context.Context) (interface{}, error)

// Task is one pending reply-generation request.
type Task struct {
	RoomID string
	// RunID identifies the task and is used as the lock holder.
	// Generated when empty.
	RunID      string
	Run        Func
	EnqueuedAt time.Time
}

// Outcome is delivered exactly once per enqueued task.
type Outcome struct {
	RunID    string
	Result   interface{}
	Err      error
	Waited   time.Duration // enqueue to start
	Duration time.Duration // run time, zero when the task never started
}

// Ticket is returned by Enqueue.
type Ticket struct {
	RunID string
	// Position is the number of tasks ahead of this one in the room,
	// including a task that is currently running.
	Position int
	Done     <-chan Outcome
}

// Options tunes the queue. Zero values fall back to defaults where noted.
type Options struct {
	MaxPending         int           // per-room backlog limit, 0 = unbounded
	MaxConcurrentRooms int           // rooms running at once, 0 = unbounded
	TaskTimeout        time.Duration // 0 = no timeout
	AcquireRetries     int           // extra TryAcquire attempts when the holder has no lease
	AcquireBackoff     time.Duration // first retry delay, doubled per attempt
}

// DefaultOptions returns the values used by the gateway when unconfigured.
func DefaultOptions() Options {
	return Options{
		MaxPending:         100,
		MaxConcurrentRooms: 64,
		TaskTimeout:        2 * time.Minute,
		AcquireRetries:     5,
		AcquireBackoff:     200 * time.Millisecond,
	}
}

type item struct {
	task Task
	done chan Outcome
}

type room struct {
	items   []*item
	active  bool   // worker goroutine running
	running string // run ID currently executing
}

// Queue owns one FIFO per room.
type Queue struct {
	locker roomlock.Locker
	opts   Options
	sem    *semaphore.Weighted
	tracer trace.Tracer

	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
	wg     sync.WaitGroup
}

// New creates a queue that guards every task with locker.
func New(locker roomlock.Locker, opts Options) *Queue {
	root, cancel := context.WithCancel(context.Background())
	q := &Queue{
		locker: locker,
		opts:   opts,
		tracer: otel.Tracer("github.com/nextlevelbuilder/roomgate/internal/queue"),
		root:   root,
		cancel: cancel,
		rooms:  make(map[string]*room),
	}
	if opts.MaxConcurrentRooms > 0 {
		q.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentRooms))
	}
	return q
}

// Enqueue appends task to its room's FIFO and starts the room worker if it
// is idle. The returned Ticket's Done channel receives exactly one Outcome.
func (q *Queue) Enqueue(_ context.Context, task Task) (Ticket, error) {
	if task.RoomID == "" || task.Run == nil {
		return Ticket{}, ErrInvalidTask
	}
	if task.RunID == "" {
		task.RunID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Ticket{}, ErrClosed
	}
	r := q.rooms[task.RoomID]
	if r == nil {
		r = &room{}
		q.rooms[task.RoomID] = r
	}
	if q.opts.MaxPending > 0 && len(r.items) >= q.opts.MaxPending {
		return Ticket{}, fmt.Errorf("%w: room %s has %d pending", ErrQueueFull, task.RoomID, len(r.items))
	}

	pos := len(r.items)
	if r.running != "" {
		pos++
	}
	it := &item{task: task, done: make(chan Outcome, 1)}
	r.items = append(r.items, it)
	metrics.QueuePending.Inc()

	if !r.active {
		r.active = true
		q.wg.Add(1)
		go q.drain(task.RoomID, r)
	}
	return Ticket{RunID: task.RunID, Position: pos, Done: it.done}, nil
}

// drain runs the room's tasks one at a time and exits once the FIFO is empty.
func (q *Queue) drain(roomID string, r *room) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(r.items) == 0 {
			r.active = false
			r.running = ""
			delete(q.rooms, roomID)
			q.mu.Unlock()
			return
		}
		it := r.items[0]
		r.items[0] = nil
		r.items = r.items[1:]
		r.running = it.task.RunID
		q.mu.Unlock()

		metrics.QueuePending.Dec()
		it.done <- q.execute(it.task)
	}
}

func (q *Queue) execute(t Task) (out Outcome) {
	out.RunID = t.RunID
	start := time.Now()
	out.Waited = start.Sub(t.EnqueuedAt)
	defer func() {
		metrics.QueueTasks.WithLabelValues(outcomeLabel(out.Err)).Inc()
		if out.Err != nil {
			slog.Warn("queue: task failed", "room", t.RoomID, "run", t.RunID, "error", out.Err)
		}
	}()

	if q.sem != nil {
		if err := q.sem.Acquire(q.root, 1); err != nil {
			out.Err = fmt.Errorf("queue: waiting for a slot: %w", err)
			return out
		}
		defer q.sem.Release(1)
	}

	if err := q.acquire(t); err != nil {
		out.Err = err
		return out
	}
	defer q.release(t)

	ctx, span := q.tracer.Start(q.root, "queue.task", trace.WithAttributes(
		attribute.String("room.id", t.RoomID),
		attribute.String("run.id", t.RunID),
		attribute.Int64("queue.waited_ms", out.Waited.Milliseconds()),
	))
	defer span.End()
	if q.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.TaskTimeout)
		defer cancel()
	}

	out.Result, out.Err = runSafe(ctx, t)
	out.Duration = time.Since(start)
	metrics.QueueTaskDuration.Observe(out.Duration.Seconds())
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	return out
}

func runSafe(ctx context.Context, t Task) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: task panicked", "room", t.RoomID, "run", t.RunID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return t.Run(ctx)
}

// acquire takes the room lock for t, retrying with exponential backoff
// while another holder has it. A holder with a lease is waited out: the
// lease bounds how long it can keep the room, and a turn behind it is
// queued, not failed. AcquireRetries only caps the wait on holders that
// report no lease.
func (q *Queue) acquire(t Task) error {
	backoff := q.opts.AcquireBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	var holder string
	for attempt := 0; ; attempt++ {
		res, err := q.locker.TryAcquire(q.root, t.RoomID, t.RunID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLockUnavailable, err)
		}
		if res.Acquired {
			return nil
		}
		holder = res.CurrentHolder

		delay := backoff
		if res.ExpiresAt.IsZero() {
			if attempt >= q.opts.AcquireRetries {
				break
			}
		} else if until := time.Until(res.ExpiresAt); until > 0 && until < delay {
			delay = until
		}
		slog.Debug("queue: room busy, waiting", "room", t.RoomID, "run", t.RunID, "holder", holder, "attempt", attempt+1, "lease_until", res.ExpiresAt)

		timer := time.NewTimer(delay)
		select {
		case <-q.root.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrLockUnavailable, q.root.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, maxAcquireBackoff)
	}
	return fmt.Errorf("%w: room %s held by %q", ErrLockUnavailable, t.RoomID, holder)
}

func (q *Queue) release(t Task) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := q.locker.Release(ctx, t.RoomID, t.RunID); err != nil {
		slog.Error("queue: lock release failed", "room", t.RoomID, "run", t.RunID, "error", err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLockUnavailable):
		return "lock_unavailable"
	case errors.Is(err, ErrTaskPanicked):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// Pending returns the number of tasks waiting in the room, not counting
// the one running.
func (q *Queue) Pending(roomID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r := q.rooms[roomID]; r != nil {
		return len(r.items)
	}
	return 0
}

// Running returns the run ID executing in the room, or "".
func (q *Queue) Running(roomID string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r := q.rooms[roomID]; r != nil {
		return r.running
	}
	return ""
}

// Stop refuses new work and waits for every room to drain. If ctx expires
// first, in-flight tasks are cancelled; queued tasks then fail fast with a
// cancellation error on their Done channel.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}
