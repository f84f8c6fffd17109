package bus

import (
	"errors"
	"time"
)

// Event is one unit of pushed room state.
type Event struct {
	ID      uint64      `json:"id"`               // strictly increasing process-wide
	PrevID  uint64      `json:"prevId,omitempty"` // previous event ID in the same room (0 = first)
	RoomID  string      `json:"roomId"`
	Type    string      `json:"type"` // protocol.Event* constants
	Payload interface{} `json:"payload,omitempty"`
	Created time.Time   `json:"createdAt"`
}

// Transport is the live connection behind a Subscriber (WebSocket, SSE,
// in-process func). Send and Heartbeat must not block for long: publish
// calls them synchronously for every matching subscriber. Implementations
// that cannot write immediately should buffer with a bound and return
// ErrSlowConsumer once the bound is hit. Send and Heartbeat may be called
// concurrently.
type Transport interface {
	Send(Event) error
	Heartbeat() error
	Close() error
}

// ErrSlowConsumer is returned by buffered transports whose queue is full.
var ErrSlowConsumer = errors.New("bus: subscriber too slow")

var errClosedTransport = errors.New("bus: transport closed")

// EventPublisher is the publish side of the bus, used by the queue worker
// and the orchestrator so they don't depend on the concrete Bus.
type EventPublisher interface {
	Publish(roomID, eventType string, payload interface{}) uint64
}

// TypingPayload accompanies typing.start / typing.end.
type TypingPayload struct {
	RunID    string   `json:"runId"`
	TurnID   string   `json:"turnId,omitempty"`
	AgentIDs []string `json:"agentIds,omitempty"`
	Status   string   `json:"status,omitempty"` // typing.end only: "completed", "failed", "cancelled"
	Error    string   `json:"error,omitempty"`
}

// Terminal statuses carried in TypingPayload.Status.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)
