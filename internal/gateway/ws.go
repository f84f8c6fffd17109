package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/roomgate/internal/bus"
	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 << 10
)

// wsClient pumps one WebSocket connection. The write pump is the only
// goroutine writing to conn; the read pump runs on the handler goroutine.
type wsClient struct {
	s    *Server
	conn *websocket.Conn
	t    *bufferedTransport
	id   string
}

// handleWebSocket upgrades HTTP to WebSocket and registers the connection
// on the bus. Query: rooms=a,b (empty = all rooms), last_event_id=N (or the
// Last-Event-ID header) for gap detection on reconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts, err := subscribeOpts(r, splitRooms(r.URL.Query().Get("rooms")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{s: s, conn: conn, t: newBufferedTransport(s.sendBuffer, nil)}
	go c.writePump()

	sub, err := s.bus.Subscribe(c.t, opts)
	if err != nil {
		slog.Warn("websocket subscribe failed", "error", err)
		c.t.Close()
		return
	}
	c.id = sub.ID
	defer s.bus.Unsubscribe(sub)

	slog.Info("client connected", "id", c.id, "transport", "ws", "rooms", opts.Rooms)
	c.readPump(r.Context())
	slog.Info("client disconnected", "id", c.id)
}

func (c *wsClient) readPump(ctx context.Context) {
	pongWait := 2*c.s.bus.HeartbeatInterval() + 10*time.Second
	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req protocol.RequestFrame
		var res *protocol.ResponseFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameTypeRequest {
			res = protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "expected a request frame")
		} else {
			res = c.s.dispatch(ctx, &req)
		}
		if err := c.t.enqueue(res); err != nil {
			slog.Warn("websocket response dropped, closing", "id", c.id, "error", err)
			return
		}
	}
}

// writePump drains the transport queue. On close it flushes what is already
// queued (the shutdown event, typically) before closing the socket.
func (c *wsClient) writePump() {
	defer c.conn.Close()
	for {
		select {
		case frame := <-c.t.out:
			if err := c.write(frame); err != nil {
				c.t.Close()
				return
			}
		case <-c.t.ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.t.Close()
				return
			}
		case <-c.t.done:
			for {
				select {
				case frame := <-c.t.out:
					if c.write(frame) != nil {
						return
					}
				default:
					c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (c *wsClient) write(frame interface{}) error {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if ev, ok := frame.(bus.Event); ok {
		return c.conn.WriteJSON(eventFrame(ev))
	}
	return c.conn.WriteJSON(frame)
}

func eventFrame(ev bus.Event) protocol.EventFrame {
	return protocol.EventFrame{
		Type:    protocol.FrameTypeEvent,
		Seq:     ev.ID,
		PrevSeq: ev.PrevID,
		Event:   ev.Type,
		RoomID:  ev.RoomID,
		Payload: ev.Payload,
		TS:      ev.Created.UnixMilli(),
	}
}
