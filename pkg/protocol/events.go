package protocol

// ProtocolVersion is bumped whenever the event frame layout changes.
const ProtocolVersion = 1

// Room event names pushed from server to live clients.
const (
	// EventSync is written once to a new subscriber. Payload: SyncPayload.
	EventSync = "sync"

	EventMessageCreated = "message.created"
	EventMessageDeleted = "message.deleted"

	// Typing indicators bracket one reply turn. typing.end is the terminal
	// event and is emitted exactly once per turn, whatever the outcome.
	EventTypingStart = "typing.start"
	EventTypingEnd   = "typing.end"

	EventReplyCreated = "reply.created"
	EventReplyFailed  = "reply.failed"

	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"
)

// IsTerminal reports whether the event closes out a room turn.
func IsTerminal(eventType string) bool {
	return eventType == EventTypingEnd
}
