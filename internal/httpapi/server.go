package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/livegate/internal/config"
	"github.com/antoniostano/livegate/internal/gateway"
	"github.com/antoniostano/livegate/internal/logging"
	"github.com/antoniostano/livegate/internal/observability"
	"github.com/antoniostano/livegate/internal/session"
	"github.com/antoniostano/livegate/internal/transcript"
)

const defaultTranscriptLimit = 50

// SessionManager runs client sessions. *gateway.Manager implements it.
type SessionManager interface {
	Serve(ctx context.Context, clientID string, ch gateway.ClientChannel) error
	End(clientID string) error
	Registry() *session.Registry
}

var _ SessionManager = (*gateway.Manager)(nil)

type Server struct {
	cfg         config.Config
	sessions    SessionManager
	transcripts *transcript.Recorder
	metrics     *observability.Metrics
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, sessions SessionManager, transcripts *transcript.Recorder, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		transcripts: transcripts,
		metrics:     metrics,
		logger:      logging.WithComponent("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive a session from the same origin unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/ws/{client_id}", s.handleClientWS)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/transcript", s.handleTranscript)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.Registry().Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.cfg.UpstreamConfigured() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":              "not_ready",
			"upstream_configured": false,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ready",
		"upstream_configured": true,
		"live_chat_enabled":   strings.TrimSpace(s.cfg.YouTubeAPIKey) != "",
	})
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(chi.URLParam(r, "client_id"))
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "missing client id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.metrics.SessionEvent("ws_upgrade_failed")
		return
	}
	s.metrics.SessionEvent("ws_connected")

	ch := newWSChannel(conn, s.metrics)
	if err := s.sessions.Serve(r.Context(), clientID, ch); err != nil {
		s.logger.Debug("client session returned error", "client_id", clientID, "error", err)
	}
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.Registry().List(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "missing client id")
		return
	}
	if err := s.sessions.End(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "end_failed", err.Error())
		return
	}
	s.metrics.SessionEvent("force_ended")
	respondJSON(w, http.StatusAccepted, map[string]any{"client_id": id, "status": "ending"})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "missing client id")
		return
	}
	limit := defaultTranscriptLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.transcripts.Recent(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_unavailable", err.Error())
		return
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"client_id": id,
		"entries":   entries,
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (session.Handle, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "missing client id")
		return nil, false
	}
	h, err := s.sessions.Registry().Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return h, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
