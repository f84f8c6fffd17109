package protocol

import "encoding/json"

// Frame types on the WebSocket connection.
const (
	FrameTypeEvent    = "event"
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
)

// EventFrame is a server push. Seq carries the bus event ID; PrevSeq is the
// previous event ID in the same room, so a room-filtered client detects a
// gap when PrevSeq is not the last Seq it saw for that room.
type EventFrame struct {
	Type    string      `json:"type"`
	Seq     uint64      `json:"seq,omitempty"`
	PrevSeq uint64      `json:"prevSeq,omitempty"`
	Event   string      `json:"event"`
	RoomID  string      `json:"roomId,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	TS      int64       `json:"ts"`
}

// RequestFrame is a client call over the WebSocket (e.g. chat.send).
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the error body of a failed response.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Error codes.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrDuplicate      = "DUPLICATE"
	ErrUnavailable    = "UNAVAILABLE"
	ErrRateLimited    = "RATE_LIMITED"
	ErrNotFound       = "NOT_FOUND"
	ErrInternal       = "INTERNAL"
)

// SyncPayload is the body of the sync event written on (re)connect.
// Gap is true when the client's last acked ID is behind the bus: those
// events are not replayed.
type SyncPayload struct {
	LastEventID      uint64 `json:"lastEventId"`
	LastAckedEventID uint64 `json:"lastAckedEventId"`
	Gap              bool   `json:"gap"`
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		Error: &ErrorShape{Code: code, Message: message},
	}
}
