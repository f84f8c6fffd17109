// Package orchestrator is the intake entry point. It wires the dedup
// guards, the room queue and lock, the event bus and the reply pipeline,
// and owns the cleanup rule: every turn that starts typing ends typing
// exactly once, whatever happens in between.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/roomgate/internal/bus"
	"github.com/nextlevelbuilder/roomgate/internal/dedup"
	"github.com/nextlevelbuilder/roomgate/internal/queue"
	"github.com/nextlevelbuilder/roomgate/internal/roomlock"
	"github.com/nextlevelbuilder/roomgate/internal/store"
	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

// Deps are the collaborators a Coordinator drives. Store may be nil.
type Deps struct {
	Fingerprints *dedup.FingerprintStore
	Turns        *dedup.TurnRegistry
	Locker       roomlock.Locker
	Queue        *queue.Queue
	Bus          bus.EventPublisher
	Responder    Responder
	Store        store.MessageStore
}

// Config holds intake limits.
type Config struct {
	MaxMessageChars int           // 0 = unlimited
	HistoryLimit    int           // messages passed to the pipeline
	ReleaseTimeout  time.Duration // bound for lock release in RunExclusive
}

// Coordinator is built once at startup and shared by every intake path.
type Coordinator struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	activeTurns atomic.Int32
}

// New creates a coordinator.
func New(deps Deps, cfg Config) *Coordinator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	return &Coordinator{deps: deps, cfg: cfg, now: time.Now}
}

// ActiveTurns returns the number of turns currently between typing.start
// and typing.end.
func (c *Coordinator) ActiveTurns() int { return int(c.activeTurns.Load()) }

func (c *Coordinator) validate(in Inbound) error {
	switch {
	case in.RoomID == "":
		return fmt.Errorf("%w: room_id is required", ErrInvalidMessage)
	case in.SenderID == "":
		return fmt.Errorf("%w: sender_id is required", ErrInvalidMessage)
	case strings.TrimSpace(in.Content) == "":
		return fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	case c.cfg.MaxMessageChars > 0 && utf8.RuneCountInString(in.Content) > c.cfg.MaxMessageChars:
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, c.cfg.MaxMessageChars)
	}
	return nil
}

// Submit runs intake for one message: validate, dedup, persist, announce,
// then queue a reply turn for the room. A busy room is not an error; the
// turn waits its place in the room queue.
func (c *Coordinator) Submit(ctx context.Context, in Inbound) (Admission, error) {
	if err := c.validate(in); err != nil {
		return Admission{}, err
	}
	now := c.now()

	if !c.deps.Turns.CheckAndRegister(ctx, in.TurnID) {
		slog.Info("intake: duplicate turn", "room", in.RoomID, "turn", in.TurnID)
		return Admission{Status: StatusDuplicate, Reason: ReasonTurn}, nil
	}
	if v := c.deps.Fingerprints.CheckAndRegister(ctx, in.SenderID, in.RoomID, in.Content, now); !v.Accepted {
		slog.Info("intake: duplicate message", "room", in.RoomID, "sender", in.SenderID, "retry_after", v.RetryAfter)
		return Admission{Status: StatusDuplicate, Reason: ReasonFingerprint, RetryAfter: v.RetryAfter}, nil
	}

	runID := uuid.NewString()
	msg := &store.Message{
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		TurnID:    in.TurnID,
		RunID:     runID,
		AgentIDs:  in.AgentIDs,
		CreatedAt: now,
	}
	store.Prepare(msg, store.RoleUser)
	adm := Admission{Status: StatusAccepted, RunID: runID, Persisted: c.deps.Store != nil}
	if c.deps.Store != nil {
		if err := c.deps.Store.SaveMessage(ctx, msg); err != nil {
			slog.Error("intake: save message failed", "room", in.RoomID, "run", runID, "error", err)
			adm.Persisted = false
		}
	}
	adm.MessageID = msg.ID.String()
	c.deps.Bus.Publish(in.RoomID, protocol.EventMessageCreated, msg)

	t := turn{roomID: in.RoomID, runID: runID, turnID: in.TurnID, agentIDs: in.AgentIDs}
	term := bus.NewTerminal(c.deps.Bus, in.RoomID, in.TurnID)
	req := Request{
		RoomID:   in.RoomID,
		RunID:    runID,
		TurnID:   in.TurnID,
		SenderID: in.SenderID,
		Content:  in.Content,
		AgentIDs: in.AgentIDs,
	}

	tk, err := c.deps.Queue.Enqueue(ctx, queue.Task{
		RoomID:     in.RoomID,
		RunID:      runID,
		EnqueuedAt: now,
		Run: func(ctx context.Context) (interface{}, error) {
			return c.withTurn(ctx, term, t, func(ctx context.Context) (*store.Message, error) {
				return c.reply(ctx, req)
			})
		},
	})
	if err != nil {
		c.failUnstarted(t, term, err)
		// The fingerprint stays registered, so resubmitting before the
		// window closes would only be rejected as a duplicate.
		return Admission{}, &RetryError{
			Err:        fmt.Errorf("enqueue reply: %w", err),
			RetryAfter: c.deps.Fingerprints.Window() - c.now().Sub(now),
		}
	}
	adm.QueuePosition = tk.Position

	go c.await(tk, t, term)
	return adm, nil
}

// await covers the queue-level failure path: a task that never ran (lock
// unavailable, shutdown) still gets its terminal event.
func (c *Coordinator) await(tk queue.Ticket, t turn, term *bus.Terminal) {
	out := <-tk.Done
	if out.Err != nil && !term.Emitted() {
		c.failUnstarted(t, term, out.Err)
	}
}

func (c *Coordinator) failUnstarted(t turn, term *bus.Terminal, err error) {
	slog.Warn("intake: reply turn never started", "room", t.roomID, "run", t.runID, "error", err)
	c.deps.Bus.Publish(t.roomID, protocol.EventReplyFailed, ReplyFailedPayload{RunID: t.runID, TurnID: t.turnID, Error: err.Error()})
	term.Emit(bus.TypingPayload{RunID: t.runID, TurnID: t.turnID, AgentIDs: t.agentIDs, Status: terminalStatus(err), Error: err.Error()})
}

// reply drives the pipeline and persists its answer.
func (c *Coordinator) reply(ctx context.Context, req Request) (*store.Message, error) {
	req.History = c.history(ctx, req.RoomID)

	rep, err := c.deps.Responder.Respond(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("reply pipeline: %w", err)
	}

	msg := &store.Message{
		RoomID:   req.RoomID,
		SenderID: rep.AgentID,
		Content:  rep.Content,
		TurnID:   req.TurnID,
		RunID:    req.RunID,
		AgentIDs: req.AgentIDs,
	}
	store.Prepare(msg, store.RoleAgent)
	if c.deps.Store == nil {
		return msg, nil
	}
	if err := c.deps.Store.SaveReply(ctx, msg); err != nil {
		// The reply still goes out; only the record is lost.
		slog.Error("turn: save reply failed", "room", req.RoomID, "run", req.RunID, "error", err)
	}
	return msg, nil
}

func (c *Coordinator) history(ctx context.Context, roomID string) []store.Message {
	if c.deps.Store == nil {
		return nil
	}
	msgs, err := c.deps.Store.RecentMessages(ctx, roomID, c.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("turn: load history failed", "room", roomID, "error", err)
		return nil
	}
	return msgs
}

type turn struct {
	roomID   string
	runID    string
	turnID   string
	agentIDs []string
}

// withTurn brackets fn with typing.start and exactly one typing.end, and
// publishes reply.created or reply.failed in between. Panics in fn are
// recovered into an error. The room lock is not touched here: whoever
// calls withTurn already holds it.
func (c *Coordinator) withTurn(ctx context.Context, term *bus.Terminal, t turn, fn func(ctx context.Context) (*store.Message, error)) (res interface{}, err error) {
	c.deps.Bus.Publish(t.roomID, protocol.EventTypingStart, bus.TypingPayload{RunID: t.runID, TurnID: t.turnID, AgentIDs: t.agentIDs})
	c.activeTurns.Add(1)

	var msg *store.Message
	defer func() {
		c.activeTurns.Add(-1)
		if r := recover(); r != nil {
			slog.Error("turn: panic", "room", t.roomID, "run", t.runID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrTurnPanicked, r)
			res = nil
		}

		end := bus.TypingPayload{RunID: t.runID, TurnID: t.turnID, AgentIDs: t.agentIDs, Status: bus.StatusCompleted}
		if err != nil {
			end.Status = terminalStatus(err)
			end.Error = err.Error()
			c.deps.Bus.Publish(t.roomID, protocol.EventReplyFailed, ReplyFailedPayload{RunID: t.runID, TurnID: t.turnID, Error: err.Error()})
		} else if msg != nil {
			c.deps.Bus.Publish(t.roomID, protocol.EventReplyCreated, msg)
		}
		term.Emit(end)
	}()

	msg, err = fn(ctx)
	if msg != nil {
		res = msg
	}
	return res, err
}

func terminalStatus(err error) string {
	if errors.Is(err, context.Canceled) {
		return bus.StatusCancelled
	}
	return bus.StatusFailed
}

// RunExclusive runs fn as a turn outside the queue, for admin tools that
// must not wait behind queued work. It fails fast with ErrRoomBusy when the
// room is held and always releases what it acquired. Queued turns that find
// the room held wait out the lock lease rather than failing.
func (c *Coordinator) RunExclusive(ctx context.Context, roomID, holder string, fn func(ctx context.Context) (*store.Message, error)) (*store.Message, error) {
	if holder == "" {
		holder = uuid.NewString()
	}
	res, err := c.deps.Locker.TryAcquire(ctx, roomID, holder)
	if err != nil {
		return nil, fmt.Errorf("acquire room lock: %w", err)
	}
	if !res.Acquired {
		return nil, fmt.Errorf("%w: held by %s", ErrRoomBusy, res.CurrentHolder)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
		defer cancel()
		if err := c.deps.Locker.Release(rctx, roomID, holder); err != nil {
			slog.Error("exclusive: lock release failed", "room", roomID, "holder", holder, "error", err)
		}
	}()

	term := bus.NewTerminal(c.deps.Bus, roomID, "")
	out, err := c.withTurn(ctx, term, turn{roomID: roomID, runID: holder}, fn)
	msg, _ := out.(*store.Message)
	return msg, err
}

// Regenerate asks the pipeline for a fresh reply to the room's latest user
// message. The turn takes its place in the room queue like any other and
// Regenerate blocks until it has run. If ctx ends first the turn still runs
// and its events still go out.
func (c *Coordinator) Regenerate(ctx context.Context, roomID string) (*store.Message, error) {
	runID := uuid.NewString()
	t := turn{roomID: roomID, runID: runID}
	term := bus.NewTerminal(c.deps.Bus, roomID, "")

	tk, err := c.deps.Queue.Enqueue(ctx, queue.Task{
		RoomID:     roomID,
		RunID:      runID,
		EnqueuedAt: c.now(),
		Run: func(ctx context.Context) (interface{}, error) {
			return c.withTurn(ctx, term, t, func(ctx context.Context) (*store.Message, error) {
				return c.regenerate(ctx, roomID, runID)
			})
		},
	})
	if err != nil {
		c.failUnstarted(t, term, err)
		return nil, fmt.Errorf("enqueue regenerate: %w", err)
	}

	select {
	case out := <-tk.Done:
		if out.Err != nil && !term.Emitted() {
			c.failUnstarted(t, term, out.Err)
		}
		msg, _ := out.Result.(*store.Message)
		return msg, out.Err
	case <-ctx.Done():
		go c.await(tk, t, term)
		return nil, ctx.Err()
	}
}

func (c *Coordinator) regenerate(ctx context.Context, roomID, runID string) (*store.Message, error) {
	hist := c.history(ctx, roomID)
	var last *store.Message
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Role == store.RoleUser {
			last = &hist[i]
			break
		}
	}
	if last == nil {
		return nil, fmt.Errorf("%w: room %s has no user message to answer", ErrInvalidMessage, roomID)
	}
	return c.reply(ctx, Request{
		RoomID:   roomID,
		RunID:    runID,
		TurnID:   last.TurnID,
		SenderID: last.SenderID,
		Content:  last.Content,
		AgentIDs: last.AgentIDs,
	})
}

// DeleteMessage soft-deletes a message and announces it.
func (c *Coordinator) DeleteMessage(ctx context.Context, roomID string, id uuid.UUID) error {
	if c.deps.Store != nil {
		if err := c.deps.Store.DeleteMessage(ctx, roomID, id); err != nil {
			return err
		}
	}
	c.deps.Bus.Publish(roomID, protocol.EventMessageDeleted, DeletedPayload{MessageID: id.String()})
	return nil
}

// Status reports the room's lock and queue state.
func (c *Coordinator) Status(ctx context.Context, roomID string) (RoomStatus, error) {
	st, err := c.deps.Locker.Snapshot(ctx, roomID)
	if err != nil {
		return RoomStatus{}, err
	}
	return RoomStatus{
		RoomID:  roomID,
		Lock:    st,
		Pending: c.deps.Queue.Pending(roomID),
		Running: c.deps.Queue.Running(roomID),
	}, nil
}

type reaper interface {
	Reap(ctx context.Context) int
}

// Maintain forces the dedup maintenance pass and reaps expired room
// leases. The gateway calls it from an idle ticker so memory stays bounded
// even when no traffic triggers opportunistic maintenance.
func (c *Coordinator) Maintain(ctx context.Context) {
	now := c.now()
	c.deps.Fingerprints.Sweep(ctx, now)
	c.deps.Turns.Sweep(ctx, now)
	if r, ok := c.deps.Locker.(reaper); ok {
		if n := r.Reap(ctx); n > 0 {
			slog.Info("maintenance: reaped expired room locks", "count", n)
		}
	}
}
