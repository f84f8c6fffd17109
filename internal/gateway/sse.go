package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/roomgate/internal/bus"
	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

// handleEvents streams one room's events as Server-Sent Events. The SSE id
// is the bus event ID, so a reconnecting EventSource sends it back as
// Last-Event-ID and the first frame (sync) reports whether it missed any.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	opts, err := subscribeOpts(r, []string{r.PathValue("roomID")})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("sse: streaming unsupported", "error", err)
		return
	}

	t := newBufferedTransport(s.sendBuffer, nil)
	sub, err := s.bus.Subscribe(t, opts)
	if err != nil {
		return
	}
	defer s.bus.Unsubscribe(sub)
	slog.Info("client connected", "id", sub.ID, "transport", "sse", "rooms", opts.Rooms)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("client disconnected", "id", sub.ID)
			return
		case frame := <-t.out:
			rc.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := writeSSE(w, frame); err != nil {
				return
			}
		case <-t.ping:
			rc.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if _, err := io.WriteString(w, ": "+protocol.EventHeartbeat+"\n\n"); err != nil {
				return
			}
		case <-t.done:
			// Flush what was queued before the bus closed us (shutdown).
			for {
				select {
				case frame := <-t.out:
					if writeSSE(w, frame) != nil {
						return
					}
				default:
					rc.Flush()
					return
				}
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeSSE(w io.Writer, frame interface{}) error {
	ev, ok := frame.(bus.Event)
	if !ok {
		return nil
	}
	data, err := json.Marshal(eventFrame(ev))
	if err != nil {
		slog.Warn("sse: marshal event", "event", ev.ID, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
