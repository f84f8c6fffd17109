package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/roomgate/internal/bus"
	"github.com/nextlevelbuilder/roomgate/internal/config"
	"github.com/nextlevelbuilder/roomgate/internal/orchestrator"
	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

const defaultSendBuffer = 256

// Server is the gateway: room intake over HTTP and WebSocket, plus live
// event streams (WebSocket and SSE) fed by the bus.
type Server struct {
	gw         config.GatewayConfig
	sendBuffer int
	coord      *orchestrator.Coordinator
	bus        *bus.Bus

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. Listener settings are read once here;
// hot reload does not rebind the listener.
func NewServer(cfg *config.Config, coord *orchestrator.Coordinator, b *bus.Bus) *Server {
	s := &Server{
		gw:         cfg.Gateway,
		sendBuffer: cfg.Bus.SendBuffer,
		coord:      coord,
		bus:        b,
	}
	if s.sendBuffer <= 0 {
		s.sendBuffer = defaultSendBuffer
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm > 0  → enabled at that RPM
	// rate_limit_rpm <= 0 → disabled
	s.rateLimiter = NewRateLimiter(s.gw.RateLimitRPM, 5)
	return s
}

// RateLimiter returns the server's intake rate limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// checkOrigin validates WebSocket connection origin against the allowed origins whitelist.
// If no origins are configured, all origins are allowed (dev mode).
// Empty Origin header (non-browser clients like CLI/SDK) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.gw.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP handler with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/rooms/{roomID}/messages", s.auth(s.handleSubmit))
	api.HandleFunc("GET /v1/rooms/{roomID}", s.auth(s.handleStatus))
	api.HandleFunc("POST /v1/rooms/{roomID}/regenerate", s.auth(s.handleRegenerate))
	api.HandleFunc("DELETE /v1/rooms/{roomID}/messages/{id}", s.auth(s.handleDelete))
	api.HandleFunc("GET /v1/rooms/{roomID}/events", s.auth(s.handleEvents))

	origins := s.gw.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsed := cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	})(api)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.auth(s.handleWebSocket))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/v1/", corsed)

	s.mux = mux
	return mux
}

// Handler returns the full HTTP handler, metrics middleware included.
func (s *Server) Handler() http.Handler {
	return withMetrics(s.BuildMux())
}

// Start begins listening for WebSocket and HTTP connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.gw.Host, s.gw.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"protocol":    protocol.ProtocolVersion,
		"subscribers": s.bus.Len(),
		"activeTurns": s.coord.ActiveTurns(),
	})
}
