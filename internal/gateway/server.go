// Package gateway is the thin HTTP surface the browser front-end talks
// to: start runs, watch the live transcript over SSE, browse sessions.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"precinct/internal/agent"
	"precinct/internal/bus"
	"precinct/internal/domain"
	"precinct/internal/metrics"
)

const sseBuffer = 32

// Config configures a Server.
type Config struct {
	Host    string
	Port    int
	Agents  *agent.Catalog
	Service *agent.Service
	Logger  *slog.Logger
	Version string
}

// Server relays conversation state and live frames to the page.
type Server struct {
	host    string
	port    int
	agents  *agent.Catalog
	service *agent.Service
	logger  *slog.Logger
	version string
	server  *http.Server
	frames  *bus.FrameBus
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8787
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{
		host:    cfg.Host,
		port:    cfg.Port,
		agents:  cfg.Agents,
		service: cfg.Service,
		logger:  cfg.Logger,
		version: cfg.Version,
		frames:  bus.New(sseBuffer, cfg.Logger),
	}
}

// PublishFrame fans a frame out to the SSE clients of its session.
// Wire it into agent.ServiceConfig.OnFrame.
func (s *Server) PublishFrame(sessionID string, f *domain.StreamFrame) {
	s.frames.Publish(sessionID, f)
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("GET /api/status", s.handleStreamingStatus)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("POST /api/sessions/new", s.handleNewSession)
	mux.HandleFunc("GET /api/runs/stream", s.handleSSE)
	mux.Handle("GET /metrics", metrics.Collector.Handler())

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.server = &http.Server{Addr: addr, Handler: mux}

	s.logger.Info("gateway started", "addr", "http://"+addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the server immediately.
func (s *Server) Stop() error {
	s.frames.Close()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleAgents(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.agents.List())
}

func (s *Server) handleSessions(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"active":   s.service.Store().SessionID(),
		"sessions": s.service.Store().Sessions(),
	})
}

func (s *Server) handleMessages(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.service.Store().Messages())
}

func (s *Server) handleStreamingStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.service.Store().Status())
}

type startRunRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

func (s *Server) handleStartRun(rw http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.Message == "" {
		http.Error(rw, "agent_id and message are required", http.StatusBadRequest)
		return
	}
	if _, err := s.agents.Get(req.AgentID); err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}
	if s.service.Active() {
		http.Error(rw, "a run is already in progress", http.StatusConflict)
		return
	}

	// Mint the session id before the run goroutine starts so the
	// response never races it.
	sessionID := s.service.Store().SessionID()
	if sessionID == "" {
		sessionID = s.service.NewSession()
	}

	go func() {
		if err := s.service.StreamResponse(context.Background(), req.AgentID, req.Message, nil); err != nil {
			s.logger.Warn("run ended with error", "agent", req.AgentID, "err", err)
		}
	}()

	writeJSON(rw, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
	})
}

func (s *Server) handleNewSession(rw http.ResponseWriter, r *http.Request) {
	if s.service.Active() {
		http.Error(rw, "a run is already in progress", http.StatusConflict)
		return
	}
	id := s.service.NewSession()
	writeJSON(rw, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleSSE(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = s.service.Store().SessionID()
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	ch := s.frames.Subscribe(sessionID)
	defer s.frames.Unsubscribe(sessionID, ch)

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(rw, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
