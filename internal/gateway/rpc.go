package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/roomgate/internal/orchestrator"
	"github.com/nextlevelbuilder/roomgate/internal/queue"
	"github.com/nextlevelbuilder/roomgate/internal/store"
	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

// dispatch answers one WebSocket request frame.
func (s *Server) dispatch(ctx context.Context, req *protocol.RequestFrame) *protocol.ResponseFrame {
	switch req.Method {
	case protocol.MethodChatSend:
		var in orchestrator.Inbound
		if err := json.Unmarshal(req.Params, &in); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params")
		}
		if !s.rateLimiter.Allow(in.SenderID, protocol.MethodChatSend) {
			res := protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded")
			res.Error.RetryAfterMs = s.rateLimiter.RetryAfter().Milliseconds()
			return res
		}
		adm, err := s.coord.Submit(ctx, in)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		if adm.Status == orchestrator.StatusDuplicate {
			res := protocol.NewErrorResponse(req.ID, protocol.ErrDuplicate, "duplicate message ("+adm.Reason+")")
			res.Error.RetryAfterMs = adm.RetryAfter.Milliseconds()
			res.Payload = adm
			return res
		}
		return protocol.NewResponse(req.ID, adm)

	case protocol.MethodChatDelete:
		var p struct {
			RoomID    string `json:"room_id"`
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RoomID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "room_id and message_id are required")
		}
		id, err := uuid.Parse(p.MessageID)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid message_id")
		}
		if err := s.coord.DeleteMessage(ctx, p.RoomID, id); err != nil {
			return errorResponse(req.ID, err)
		}
		return protocol.NewResponse(req.ID, map[string]string{"deleted": id.String()})

	case protocol.MethodRoomStatus:
		var p struct {
			RoomID string `json:"room_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RoomID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "room_id is required")
		}
		st, err := s.coord.Status(ctx, p.RoomID)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return protocol.NewResponse(req.ID, st)

	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method)
	}
}

// classify maps coordinator errors onto an HTTP status and a frame error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidMessage):
		return http.StatusBadRequest, protocol.ErrInvalidRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, protocol.ErrNotFound
	case errors.Is(err, orchestrator.ErrRoomBusy):
		return http.StatusConflict, protocol.ErrUnavailable
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable, protocol.ErrUnavailable
	default:
		return http.StatusInternalServerError, protocol.ErrInternal
	}
}

func errorResponse(id string, err error) *protocol.ResponseFrame {
	_, code := classify(err)
	if code == protocol.ErrInternal {
		slog.Error("gateway: request failed", "id", id, "error", err)
		return protocol.NewErrorResponse(id, code, "internal error")
	}
	res := protocol.NewErrorResponse(id, code, err.Error())
	if code == protocol.ErrUnavailable && !errors.Is(err, orchestrator.ErrRoomBusy) {
		res.Error.RetryAfterMs = retryAfter(err).Milliseconds()
	}
	return res
}

func splitRooms(v string) []string {
	var rooms []string
	for _, r := range strings.Split(v, ",") {
		if r = strings.TrimSpace(r); r != "" {
			rooms = append(rooms, r)
		}
	}
	return rooms
}
