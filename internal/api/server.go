// Package api exposes the relay over HTTP: agent lifecycle endpoints, REST
// message injection, and the per-channel WebSocket feed.
//
// File structure:
//   - server.go: router setup and HTTP handlers
//   - registry.go: live agent bookkeeping (one agent per channel)
//   - reaper.go: idle-agent background sweep
//   - middleware.go: recovery, logging, CORS
//   - ratelimit.go: per-IP token bucket
//   - response.go: JSON response helpers
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/chatbridge/chatbridge/internal/log"
	"github.com/chatbridge/chatbridge/internal/transport"
)

// MaxMessageLength bounds REST-injected message text.
const MaxMessageLength = 32768

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      log.Logger
	Registry    *Registry
	Hub         *transport.Hub
	WSHandler   *transport.WebSocketHandler
	CORSOrigins []string
	TrustProxy  bool // trust X-Real-IP/X-Forwarded-For headers
	RateBurst   int  // rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	cfg    ServerConfig
	logger log.Logger
	router chi.Router
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub is required")
	}
	if cfg.WSHandler == nil {
		return nil, errors.New("websocket handler is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "api"),
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	r := chi.NewRouter()

	// Global middleware. RequestID before logging so request ids are
	// available downstream; CORS before rate limiting so preflight OPTIONS
	// gets proper headers even when throttled.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(rateLimitMiddleware(rl, cfg.TrustProxy, s.logger))

	r.Get("/health", s.health)

	r.Route("/api/channels/{channelID}", func(r chi.Router) {
		r.Post("/agent", s.startAgent)
		r.Delete("/agent", s.stopAgent)
		r.Get("/agent", s.agentStatus)
		r.Post("/messages", s.postMessage)
		r.Post("/stop", s.postStop)
	})

	r.Get("/ws/channels/{channelID}", s.serveWS)

	s.router = r
	return s, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": s.cfg.Registry.Len(),
	}, s.logger)
}

// startAgent binds a new agent to the channel.
func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "invalid_channel", "channel id is required", s.logger)
		return
	}

	a, err := s.cfg.Registry.Start(channelID)
	if err != nil {
		if errors.Is(err, ErrAgentExists) {
			writeError(w, http.StatusConflict, "agent_exists", "an agent is already bound to this channel", s.logger)
			return
		}
		s.logger.Error("starting agent failed", "error", err, "channel_id", channelID)
		writeError(w, http.StatusInternalServerError, "agent_start_failed", "could not start the agent", s.logger)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"channel_id": a.ChannelID(),
	}, s.logger)
}

// stopAgent disposes the channel's agent.
func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	if err := s.cfg.Registry.Stop(channelID); err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "no agent is bound to this channel", s.logger)
			return
		}
		s.logger.Error("stopping agent failed", "error", err, "channel_id", channelID)
		writeError(w, http.StatusInternalServerError, "agent_stop_failed", "could not stop the agent", s.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// agentStatus reports the channel agent's liveness and activity.
func (s *Server) agentStatus(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	a, ok := s.cfg.Registry.Get(channelID)
	if !ok {
		writeError(w, http.StatusNotFound, "agent_not_found", "no agent is bound to this channel", s.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id":       a.ChannelID(),
		"busy":             a.Busy(),
		"turns":            a.History().Len(),
		"last_interaction": a.LastInteraction(),
	}, s.logger)
}

// postMessageRequest is the request body for REST message injection.
type postMessageRequest struct {
	AuthorID string `json:"author_id"`
	Text     string `json:"text"`
}

// postMessage injects a message into the channel without a WebSocket session.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", s.logger)
		return
	}
	if req.AuthorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_author", "author_id is required", s.logger)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_text", "text is required", s.logger)
		return
	}
	if len(req.Text) > MaxMessageLength {
		writeError(w, http.StatusBadRequest, "text_too_long", "text exceeds maximum length", s.logger)
		return
	}

	msg := s.cfg.Hub.PostMessage(r.Context(), transport.Message{
		ChannelID: channelID,
		AuthorID:  req.AuthorID,
		Text:      req.Text,
	})

	writeJSON(w, http.StatusCreated, msg, s.logger)
}

// postStopRequest is the request body for a generation stop signal.
type postStopRequest struct {
	MessageID string `json:"message_id"`
}

// postStop broadcasts a stop signal targeting an in-progress response.
func (s *Server) postStop(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	var req postStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", s.logger)
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "invalid_message", "message_id is required", s.logger)
		return
	}

	s.cfg.Hub.PostStop(r.Context(), transport.StopSignal{
		ChannelID:       channelID,
		TargetMessageID: req.MessageID,
	})

	w.WriteHeader(http.StatusAccepted)
}

// serveWS upgrades the connection and attaches it to the channel feed.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "invalid_channel", "channel id is required", s.logger)
		return
	}
	s.cfg.WSHandler.ServeChannel(w, r, channelID)
}
