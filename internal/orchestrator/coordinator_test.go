package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/roomgate/internal/bus"
	"github.com/nextlevelbuilder/roomgate/internal/dedup"
	"github.com/nextlevelbuilder/roomgate/internal/queue"
	"github.com/nextlevelbuilder/roomgate/internal/roomlock"
	"github.com/nextlevelbuilder/roomgate/internal/store"
	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

// events records everything published on the bus.
type events struct {
	mu  sync.Mutex
	evs []bus.Event
}

func (e *events) transport() *bus.FuncTransport {
	return &bus.FuncTransport{OnSend: func(ev bus.Event) error {
		if ev.Type == protocol.EventSync {
			return nil
		}
		e.mu.Lock()
		e.evs = append(e.evs, ev)
		e.mu.Unlock()
		return nil
	}}
}

func (e *events) ofType(typ string) []bus.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []bus.Event
	for _, ev := range e.evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (e *events) types(roomID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.evs {
		if ev.RoomID == roomID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// releaseCounter wraps the memory locker to count releases.
type releaseCounter struct {
	*roomlock.MemoryLocker
	n atomic.Int32
}

func (r *releaseCounter) Release(ctx context.Context, roomID, holder string) error {
	r.n.Add(1)
	return r.MemoryLocker.Release(ctx, roomID, holder)
}

// memStore is a MessageStore kept in a slice.
type memStore struct {
	mu      sync.Mutex
	msgs    []store.Message
	failAll error
}

func (m *memStore) save(msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *memStore) SaveMessage(_ context.Context, msg *store.Message) error {
	store.Prepare(msg, store.RoleUser)
	return m.save(msg)
}

func (m *memStore) SaveReply(_ context.Context, msg *store.Message) error {
	store.Prepare(msg, store.RoleAgent)
	return m.save(msg)
}

func (m *memStore) RecentMessages(_ context.Context, roomID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	var out []store.Message
	for _, msg := range m.msgs {
		if msg.RoomID == roomID && msg.DeletedAt == nil {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) DeleteMessage(_ context.Context, roomID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs {
		if m.msgs[i].ID == id && m.msgs[i].RoomID == roomID && m.msgs[i].DeletedAt == nil {
			now := time.Now()
			m.msgs[i].DeletedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

type harness struct {
	c      *Coordinator
	bus    *bus.Bus
	ev     *events
	locker *releaseCounter
	queue  *queue.Queue
	store  *memStore
	fp     *dedup.MemoryBackend
}

func newHarness(t *testing.T, r Responder) *harness {
	t.Helper()
	h := &harness{
		bus:    bus.New(time.Minute),
		ev:     &events{},
		locker: &releaseCounter{MemoryLocker: roomlock.NewMemoryLocker(time.Minute)},
		store:  &memStore{},
		fp:     dedup.NewMemoryBackend(),
	}
	_, err := h.bus.Subscribe(h.ev.transport(), bus.SubscribeOpts{})
	require.NoError(t, err)

	h.queue = queue.New(h.locker, queue.Options{
		MaxPending:     10,
		TaskTimeout:    time.Second,
		AcquireRetries: 0,
		AcquireBackoff: time.Millisecond,
	})
	t.Cleanup(func() { h.queue.Stop(context.Background()) })

	h.c = New(Deps{
		Fingerprints: dedup.NewFingerprintStore(h.fp, dedup.Config{Window: 10 * time.Second}),
		Turns:        dedup.NewTurnRegistry(dedup.NewMemoryBackend(), dedup.Config{}),
		Locker:       h.locker,
		Queue:        h.queue,
		Bus:          h.bus,
		Responder:    r,
		Store:        h.store,
	}, Config{MaxMessageChars: 100})
	return h
}

func (h *harness) waitTypingEnd(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.ev.ofType(protocol.EventTypingEnd)) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func echo(_ context.Context, req Request) (Reply, error) {
	return Reply{AgentID: "agent-1", Content: "echo: " + req.Content}, nil
}

func TestSubmit_HappyPath(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))

	adm, err := h.c.Submit(context.Background(), Inbound{RoomID: "r", SenderID: "alice", Content: "hello", TurnID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, adm.Status)
	assert.NotEmpty(t, adm.RunID)
	assert.NotEmpty(t, adm.MessageID)
	assert.True(t, adm.Persisted)
	assert.Equal(t, 0, adm.QueuePosition)

	h.waitTypingEnd(t, 1)
	assert.Equal(t, []string{
		protocol.EventMessageCreated,
		protocol.EventTypingStart,
		protocol.EventReplyCreated,
		protocol.EventTypingEnd,
	}, h.ev.types("r"))

	end := h.ev.ofType(protocol.EventTypingEnd)[0].Payload.(bus.TypingPayload)
	assert.Equal(t, bus.StatusCompleted, end.Status)
	assert.Equal(t, adm.RunID, end.RunID)
	assert.Equal(t, "t1", end.TurnID)

	reply := h.ev.ofType(protocol.EventReplyCreated)[0].Payload.(*store.Message)
	assert.Equal(t, "echo: hello", reply.Content)
	assert.Equal(t, store.RoleAgent, reply.Role)

	require.Eventually(t, func() bool { return h.locker.n.Load() == 1 }, time.Second, 5*time.Millisecond)
	msgs, _ := h.store.RecentMessages(context.Background(), "r", 10)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAgent, msgs[1].Role)
}

func TestSubmit_DuplicateFingerprint(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))
	t0 := time.Unix(1000, 0)
	now := t0
	h.c.now = func() time.Time { return now }

	in := Inbound{RoomID: "42", SenderID: "A", Content: "hello"}
	adm, err := h.c.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, adm.Status)

	now = t0.Add(50 * time.Millisecond)
	in.Content = "  hello \n"
	adm, err = h.c.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, adm.Status)
	assert.Equal(t, ReasonFingerprint, adm.Reason)
	assert.Equal(t, 9950*time.Millisecond, adm.RetryAfter)

	h.waitTypingEnd(t, 1)
	assert.Len(t, h.ev.ofType(protocol.EventMessageCreated), 1, "duplicates are not announced")
}

func TestSubmit_DuplicateTurn(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))

	_, err := h.c.Submit(context.Background(), Inbound{RoomID: "r", SenderID: "a", Content: "one", TurnID: "turn-x"})
	require.NoError(t, err)
	adm, err := h.c.Submit(context.Background(), Inbound{RoomID: "r", SenderID: "a", Content: "different text", TurnID: "turn-x"})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, adm.Status)
	assert.Equal(t, ReasonTurn, adm.Reason)
}

func TestSubmit_Invalid(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))
	long := make([]rune, 101)
	for i := range long {
		long[i] = 'é'
	}

	for name, in := range map[string]Inbound{
		"no room":   {SenderID: "a", Content: "x"},
		"no sender": {RoomID: "r", Content: "x"},
		"blank":     {RoomID: "r", SenderID: "a", Content: "   "},
		"too long":  {RoomID: "r", SenderID: "a", Content: string(long)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.c.Submit(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestSubmit_PipelineFailure(t *testing.T) {
	cases := map[string]Responder{
		"error": ResponderFunc(func(context.Context, Request) (Reply, error) {
			return Reply{}, errors.New("llm unavailable")
		}),
		"panic": ResponderFunc(func(context.Context, Request) (Reply, error) {
			panic("nil map in retrieval")
		}),
		"timeout": ResponderFunc(func(ctx context.Context, _ Request) (Reply, error) {
			<-ctx.Done()
			return Reply{}, ctx.Err()
		}),
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, r)
			_, err := h.c.Submit(context.Background(), Inbound{RoomID: "7", SenderID: "a", Content: "hi"})
			require.NoError(t, err)

			h.waitTypingEnd(t, 1)
			require.Eventually(t, func() bool { return h.locker.n.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

			// Give stragglers a chance to show up before counting.
			time.Sleep(20 * time.Millisecond)
			ends := h.ev.ofType(protocol.EventTypingEnd)
			require.Len(t, ends, 1)
			assert.Equal(t, "7", ends[0].RoomID)
			assert.Equal(t, bus.StatusFailed, ends[0].Payload.(bus.TypingPayload).Status)
			assert.Len(t, h.ev.ofType(protocol.EventReplyFailed), 1)
			assert.Empty(t, h.ev.ofType(protocol.EventReplyCreated))
			assert.EqualValues(t, 1, h.locker.n.Load())
			assert.Zero(t, h.c.ActiveTurns())

			res, err := h.locker.TryAcquire(context.Background(), "7", "next")
			require.NoError(t, err)
			assert.True(t, res.Acquired)
		})
	}
}

func TestSubmit_StoreFailureDoesNotBlockReply(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))
	h.store.failAll = errors.New("disk full")

	adm, err := h.c.Submit(context.Background(), Inbound{RoomID: "r", SenderID: "a", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, adm.Status)
	assert.False(t, adm.Persisted)

	h.waitTypingEnd(t, 1)
	assert.Len(t, h.ev.ofType(protocol.EventReplyCreated), 1)
	require.Eventually(t, func() bool { return h.locker.n.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubmit_WaitsOutLockHeldOutsideQueue(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))
	ctx := context.Background()
	_, err := h.locker.TryAcquire(ctx, "r", "someone-else")
	require.NoError(t, err)

	_, err = h.c.Submit(ctx, Inbound{RoomID: "r", SenderID: "a", Content: "hi"})
	require.NoError(t, err)

	// The harness allows no lock retries; a leased holder is still waited out.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.ev.ofType(protocol.EventTypingStart), "the turn waits while the room is held")
	assert.Empty(t, h.ev.ofType(protocol.EventReplyFailed))

	require.NoError(t, h.locker.Release(ctx, "r", "someone-else"))
	h.waitTypingEnd(t, 1)
	require.Eventually(t, func() bool {
		return len(h.ev.ofType(protocol.EventReplyCreated)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.ev.ofType(protocol.EventReplyFailed))
}

func TestRegenerate_SlowPipelineDoesNotDropQueuedTurn(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, ResponderFunc(func(ctx context.Context, req Request) (Reply, error) {
		// The second pipeline call is the regenerate; hold the room with it.
		if calls.Add(1) == 2 {
			select {
			case <-gate:
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			}
		}
		return echo(ctx, req)
	}))
	ctx := context.Background()

	_, err := h.c.Submit(ctx, Inbound{RoomID: "r", SenderID: "a", Content: "question"})
	require.NoError(t, err)
	h.waitTypingEnd(t, 1)

	regen := make(chan *store.Message, 1)
	go func() {
		msg, err := h.c.Regenerate(ctx, "r")
		assert.NoError(t, err)
		regen <- msg
	}()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	_, err = h.c.Submit(ctx, Inbound{RoomID: "r", SenderID: "a", Content: "follow-up"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	close(gate)

	select {
	case msg := <-regen:
		require.NotNil(t, msg)
		assert.Equal(t, "echo: question", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("regenerate never returned")
	}
	h.waitTypingEnd(t, 3)
	require.Eventually(t, func() bool {
		return len(h.ev.ofType(protocol.EventReplyCreated)) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.ev.ofType(protocol.EventReplyFailed))
	assert.Equal(t, "echo: follow-up", h.ev.ofType(protocol.EventReplyCreated)[2].Payload.(*store.Message).Content)
}

func TestSubmit_EnqueueFailureHintsDedupWindow(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))
	require.NoError(t, h.queue.Stop(context.Background()))

	_, err := h.c.Submit(context.Background(), Inbound{RoomID: "r", SenderID: "a", Content: "late"})
	require.ErrorIs(t, err, queue.ErrClosed)
	var re *RetryError
	require.ErrorAs(t, err, &re)
	assert.InDelta(t, float64(10*time.Second), float64(re.RetryAfter), float64(time.Second))
}

func TestSubmit_FIFOPerRoom(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	gate := make(chan struct{})
	var first atomic.Bool
	h := newHarness(t, ResponderFunc(func(ctx context.Context, req Request) (Reply, error) {
		if first.CompareAndSwap(false, true) {
			<-gate
		}
		mu.Lock()
		seen = append(seen, req.Content)
		mu.Unlock()
		return Reply{AgentID: "a", Content: "ok"}, nil
	}))

	var positions []int
	for _, c := range []string{"T1", "T2", "T3"} {
		adm, err := h.c.Submit(context.Background(), Inbound{RoomID: "r", SenderID: "u", Content: c})
		require.NoError(t, err)
		positions = append(positions, adm.QueuePosition)
	}
	close(gate)

	h.waitTypingEnd(t, 3)
	mu.Lock()
	assert.Equal(t, []string{"T1", "T2", "T3"}, seen)
	mu.Unlock()
	assert.Equal(t, 0, positions[0])
	assert.Equal(t, 2, positions[2])
}

func TestRunExclusive(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))
	ctx := context.Background()

	_, err := h.locker.TryAcquire(ctx, "r", "queue-run")
	require.NoError(t, err)
	_, err = h.c.RunExclusive(ctx, "r", "admin", func(context.Context) (*store.Message, error) {
		t.Fatal("must not run while the room is busy")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrRoomBusy)
	assert.Empty(t, h.ev.ofType(protocol.EventTypingEnd))
	require.NoError(t, h.locker.Release(ctx, "r", "queue-run"))
	h.locker.n.Store(0)

	_, err = h.c.RunExclusive(ctx, "r", "admin", func(context.Context) (*store.Message, error) {
		return nil, errors.New("regenerate failed")
	})
	assert.EqualError(t, err, "regenerate failed")
	assert.EqualValues(t, 1, h.locker.n.Load())
	assert.Len(t, h.ev.ofType(protocol.EventTypingEnd), 1)

	msg, err := h.c.RunExclusive(ctx, "r", "admin", func(context.Context) (*store.Message, error) {
		return &store.Message{RoomID: "r", Content: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", msg.Content)
	assert.EqualValues(t, 2, h.locker.n.Load())
	assert.Len(t, h.ev.ofType(protocol.EventTypingEnd), 2)
}

func TestRegenerate(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))
	ctx := context.Background()

	_, err := h.c.Regenerate(ctx, "empty")
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = h.c.Submit(ctx, Inbound{RoomID: "r", SenderID: "a", Content: "question"})
	require.NoError(t, err)
	h.waitTypingEnd(t, 2)
	require.Eventually(t, func() bool {
		st, _ := h.c.Status(ctx, "r")
		return !st.Lock.Locked
	}, time.Second, 5*time.Millisecond)

	msg, err := h.c.Regenerate(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "echo: question", msg.Content)
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))
	ctx := context.Background()

	adm, err := h.c.Submit(ctx, Inbound{RoomID: "r", SenderID: "a", Content: "regret"})
	require.NoError(t, err)
	id := uuid.MustParse(adm.MessageID)

	require.NoError(t, h.c.DeleteMessage(ctx, "r", id))
	deleted := h.ev.ofType(protocol.EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, adm.MessageID, deleted[0].Payload.(DeletedPayload).MessageID)

	assert.ErrorIs(t, h.c.DeleteMessage(ctx, "r", id), store.ErrNotFound)
	assert.Len(t, h.ev.ofType(protocol.EventMessageDeleted), 1)
}

func TestMaintain(t *testing.T) {
	h := newHarness(t, ResponderFunc(echo))
	ctx := context.Background()
	now := time.Unix(0, 0)
	h.c.now = func() time.Time { return now }

	_, err := h.c.Submit(ctx, Inbound{RoomID: "r", SenderID: "a", Content: "x"})
	require.NoError(t, err)
	h.waitTypingEnd(t, 1)

	require.Equal(t, 1, h.fp.Len())

	now = now.Add(time.Hour)
	h.c.Maintain(ctx)
	assert.Zero(t, h.fp.Len(), "fingerprints older than twice the window are swept")
}
