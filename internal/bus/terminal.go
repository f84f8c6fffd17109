package bus

import (
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

// Terminal publishes the closing typing.end of one operation exactly once,
// however many exit paths try to emit it.
type Terminal struct {
	pub    EventPublisher
	roomID string
	turnID string

	once sync.Once
	done atomic.Bool
	id   uint64
}

// NewTerminal binds a terminal signal to one room and turn.
func NewTerminal(pub EventPublisher, roomID, turnID string) *Terminal {
	return &Terminal{pub: pub, roomID: roomID, turnID: turnID}
}

// Emit publishes typing.end on the first call and reports true. Later
// calls publish nothing and return the first event's ID with false.
func (t *Terminal) Emit(payload TypingPayload) (uint64, bool) {
	fired := false
	t.once.Do(func() {
		if payload.TurnID == "" {
			payload.TurnID = t.turnID
		}
		t.id = t.pub.Publish(t.roomID, protocol.EventTypingEnd, payload)
		t.done.Store(true)
		fired = true
	})
	return t.id, fired
}

// Emitted reports whether typing.end has gone out.
func (t *Terminal) Emitted() bool { return t.done.Load() }
