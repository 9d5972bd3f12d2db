// Package gateway is the client-facing transport: a WebSocket endpoint
// per chat session that forwards bus events as wire frames and turns
// inbound frames into orchestrator calls.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/open-codex/agentd/internal/config"
	"github.com/open-codex/agentd/internal/orchestrator"
	"github.com/open-codex/agentd/internal/store"
	"github.com/open-codex/agentd/internal/stream"
)

// Server handles WebSocket and HTTP connections.
type Server struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	bus   *stream.Bus
	sess  store.SessionStore
	extra []RouteRegistrar

	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// RouteRegistrar mounts additional HTTP routes (the REST API handlers).
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, bus *stream.Bus,
	sess store.SessionStore, logger *slog.Logger, extra ...RouteRegistrar) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		bus:     bus,
		sess:    sess,
		extra:   extra,
		logger:  logger,
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the Origin header against CORS_ORIGINS. An
// empty Origin (non-browser clients) is always allowed; "*" allows all.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.CORSOrigins
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
	s.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	for _, r := range s.extra {
		r.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades /ws/{sessionID} connections.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	rawID := strings.TrimPrefix(r.URL.Path, "/ws/")
	sessionID, err := uuid.Parse(rawID)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if _, err := s.sess.Get(r.Context(), sessionID); err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, sessionID, s.orch, s.bus, s.cfg.Server.RateLimitRPM, s.logger)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	s.logger.Info("client connected", "id", c.id, "session_id", c.sessionID)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.logger.Info("client disconnected", "id", c.id, "session_id", c.sessionID)
}
