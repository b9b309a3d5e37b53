// Package api implements the HTTP API: session management, the chat
// endpoints (plain and streaming), and the live event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vendra-ai/vendra/internal/agent"
	"github.com/vendra-ai/vendra/internal/buildinfo"
	"github.com/vendra-ai/vendra/internal/events"
	"github.com/vendra-ai/vendra/internal/history"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen string
	agent  *agent.Agent
	store  *history.Store
	bus    *events.Bus
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(listen string, ag *agent.Agent, store *history.Store, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		listen: listen,
		agent:  ag,
		store:  store,
		bus:    bus,
		logger: logger,
	}
}

// routes builds the request mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /api/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionEnd)

	// Chat
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)

	// Live event feed
	mux.HandleFunc("GET /api/events", s.handleEventsWS)

	// Health endpoints
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
	}

	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Vendra",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":  "healthy",
		"uptime":  buildinfo.Uptime().Round(time.Second).String(),
		"storage": s.store.Stats(),
	}, s.logger)
}

// --- Sessions ---

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.CreateSession()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to create session")
		s.logger.Error("session create failed", "error", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	sessions, err := s.store.ListSessions(limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list sessions")
		s.logger.Error("session list failed", "error", err)
		return
	}
	if sessions == nil {
		sessions = []history.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.store.GetSession(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to load session")
		s.logger.Error("session get failed", "session_id", id, "error", err)
		return
	}
	if sess == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	// Full log, compacted turns included. The outbound model context is
	// an internal concern; the API shows everything.
	turns, err := s.store.AllTurns(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to load turns")
		s.logger.Error("turns load failed", "session_id", id, "error", err)
		return
	}
	if turns == nil {
		turns = []history.Turn{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session": sess,
		"turns":   turns,
	}, s.logger)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.EndSession(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Chat ---

// ChatRequest is the body of POST /api/chat and /api/chat/stream.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse is the body of a POST /api/chat reply. CartURL is only
// present once the session has a cart.
type ChatResponse struct {
	SessionID   string   `json:"session_id"`
	Reply       string   `json:"reply"`
	CartURL     string   `json:"cart_url,omitempty"`
	Model       string   `json:"model"`
	Rounds      int      `json:"rounds"`
	Exhausted   bool     `json:"exhausted,omitempty"`
	Truncated   bool     `json:"truncated,omitempty"`
	ToolsCalled []string `json:"tools_called,omitempty"`
}

func chatResponseFrom(sessionID string, result *agent.Result) ChatResponse {
	return ChatResponse{
		SessionID:   sessionID,
		Reply:       result.Content,
		CartURL:     result.Context.CheckoutURL,
		Model:       result.Model,
		Rounds:      result.Rounds,
		Exhausted:   result.Exhausted,
		Truncated:   result.Truncated,
		ToolsCalled: result.ToolsCalled,
	}
}

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if req.SessionID == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id is required")
		return nil, false
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return nil, false
	}
	return &req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	result, err := s.agent.ProcessMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.chatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chatResponseFrom(req.SessionID, result), s.logger)
}

func (s *Server) chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		s.errorResponse(w, http.StatusNotFound, "session not found")
	case errors.Is(err, agent.ErrSessionEnded):
		s.errorResponse(w, http.StatusConflict, "session has ended")
	default:
		s.logger.Error("chat failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "assistant request failed")
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
