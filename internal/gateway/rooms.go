package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/roomgate/internal/bus"
	"github.com/nextlevelbuilder/roomgate/internal/orchestrator"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SenderID string   `json:"sender_id"`
		Content  string   `json:"content"`
		TurnID   string   `json:"turn_id"`
		AgentIDs []string `json:"agent_ids"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if !s.rateLimiter.Allow(body.SenderID, "POST /v1/rooms/{roomID}/messages") {
		setRetryAfter(w, s.rateLimiter.RetryAfter())
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	adm, err := s.coord.Submit(r.Context(), orchestrator.Inbound{
		RoomID:   r.PathValue("roomID"),
		SenderID: body.SenderID,
		Content:  body.Content,
		TurnID:   body.TurnID,
		AgentIDs: body.AgentIDs,
	})
	if err != nil {
		s.writeCoordError(w, err)
		return
	}

	if adm.Status == orchestrator.StatusDuplicate {
		setRetryAfter(w, adm.RetryAfter)
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"status":         adm.Status,
			"reason":         adm.Reason,
			"retry_after_ms": adm.RetryAfter.Milliseconds(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, adm)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.Status(r.Context(), r.PathValue("roomID"))
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	msg, err := s.coord.Regenerate(r.Context(), r.PathValue("roomID"))
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if err := s.coord.DeleteMessage(r.Context(), r.PathValue("roomID"), id); err != nil {
		s.writeCoordError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeCoordError(w http.ResponseWriter, err error) {
	status, _ := classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("gateway: request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	if status == http.StatusServiceUnavailable {
		setRetryAfter(w, retryAfter(err))
	}
	writeError(w, status, err.Error())
}

// retryAfter is the wait hinted to clients on a 503: whatever the
// coordinator asked for, else one second.
func retryAfter(err error) time.Duration {
	var re *orchestrator.RetryError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return re.RetryAfter
	}
	return time.Second
}

// setRetryAfter writes a Retry-After header in whole seconds, rounded up.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}

// subscribeOpts reads the reconnect position from the Last-Event-ID header
// or the last_event_id query parameter.
func subscribeOpts(r *http.Request, rooms []string) (bus.SubscribeOpts, error) {
	opts := bus.SubscribeOpts{Rooms: rooms}
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("last_event_id")
	}
	if v == "" {
		return opts, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return opts, fmt.Errorf("invalid last event id %q", v)
	}
	opts.LastAckedEventID = n
	return opts, nil
}
