package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// ErrNotFound is returned when a message does not exist in the room.
var ErrNotFound = errors.New("store: not found")

// Message is one persisted room message, either a user submission or an
// agent reply.
type Message struct {
	ID        uuid.UUID  `json:"id"`
	RoomID    string     `json:"roomId"`
	SenderID  string     `json:"senderId"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	TurnID    string     `json:"turnId,omitempty"`
	RunID     string     `json:"runId,omitempty"`
	AgentIDs  []string   `json:"agentIds,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// MessageStore persists what the coordinator accepts and what the reply
// pipeline produces. Both Postgres and SQLite implement it.
type MessageStore interface {
	// SaveMessage stores an accepted user message. ID and CreatedAt are
	// filled in when zero.
	SaveMessage(ctx context.Context, msg *Message) error
	// SaveReply stores an agent reply produced for msg.RunID.
	SaveReply(ctx context.Context, msg *Message) error
	// RecentMessages returns up to limit non-deleted messages, oldest first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
	// DeleteMessage soft-deletes a message. ErrNotFound when absent.
	DeleteMessage(ctx context.Context, roomID string, id uuid.UUID) error
	Ping(ctx context.Context) error
	Close() error
}

// GenNewID returns a time-ordered UUID for new rows.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Prepare fills in ID, CreatedAt and Role defaults before an insert.
func Prepare(msg *Message, role string) {
	if msg.ID == uuid.Nil {
		msg.ID = GenNewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Role == "" {
		msg.Role = role
	}
}
