package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/roomgate/internal/roomlock"
	"github.com/nextlevelbuilder/roomgate/internal/store"
)

var (
	ErrRoomBusy       = errors.New("orchestrator: room busy")
	ErrInvalidMessage = errors.New("orchestrator: invalid message")
	ErrTurnPanicked   = errors.New("orchestrator: turn panicked")
)

// RetryError is a rejection the caller may retry once RetryAfter has
// passed.
type RetryError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryError) Error() string { return e.Err.Error() }
func (e *RetryError) Unwrap() error { return e.Err }

// Admission statuses.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

// Duplicate reasons.
const (
	ReasonTurn        = "turn"
	ReasonFingerprint = "fingerprint"
)

// Inbound is one user submission as received by the gateway.
type Inbound struct {
	RoomID   string   `json:"room_id"`
	SenderID string   `json:"sender_id"`
	Content  string   `json:"content"`
	TurnID   string   `json:"turn_id,omitempty"`
	AgentIDs []string `json:"agent_ids,omitempty"`
}

// Admission is the intake decision. Duplicates are a Status, not an error.
type Admission struct {
	Status        string        `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	RunID         string        `json:"run_id,omitempty"`
	MessageID     string        `json:"message_id,omitempty"`
	RetryAfter    time.Duration `json:"-"`
	QueuePosition int           `json:"queue_position"`
	// Persisted is false when no store is configured or the write failed.
	// Neither blocks the reply.
	Persisted bool `json:"persisted"`
}

// Request is what the reply pipeline receives.
type Request struct {
	RoomID   string          `json:"room_id"`
	RunID    string          `json:"run_id"`
	TurnID   string          `json:"turn_id,omitempty"`
	SenderID string          `json:"sender_id"`
	Content  string          `json:"content"`
	AgentIDs []string        `json:"agent_ids,omitempty"`
	History  []store.Message `json:"history,omitempty"`
}

// Reply is the pipeline's answer.
type Reply struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

// Responder is the external reply-generation pipeline. It may be slow and
// may fail; it must return once ctx is done.
type Responder interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req Request) (Reply, error)

func (f ResponderFunc) Respond(ctx context.Context, req Request) (Reply, error) { return f(ctx, req) }

// ReplyFailedPayload accompanies reply.failed.
type ReplyFailedPayload struct {
	RunID  string `json:"runId"`
	TurnID string `json:"turnId,omitempty"`
	Error  string `json:"error"`
}

// DeletedPayload accompanies message.deleted.
type DeletedPayload struct {
	MessageID string `json:"messageId"`
}

// RoomStatus is the diagnostic view of one room.
type RoomStatus struct {
	RoomID  string         `json:"roomId"`
	Lock    roomlock.State `json:"lock"`
	Pending int            `json:"pending"`
	Running string         `json:"running,omitempty"`
}
