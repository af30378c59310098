package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ent0n29/voiceroom/internal/config"
	"github.com/ent0n29/voiceroom/internal/memory"
	"github.com/ent0n29/voiceroom/internal/observability"
	"github.com/ent0n29/voiceroom/internal/room"
	"github.com/ent0n29/voiceroom/internal/session"
	"github.com/ent0n29/voiceroom/internal/token"
)

// Orchestrator is the part of the voice orchestrator the API drives.
type Orchestrator interface {
	CloseSession(id string) bool
	ActiveSessions() int
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	hub          *room.Hub
	issuer       *token.Issuer
	store        memory.Store
	metrics      *observability.Metrics
	tokenLimiter *rate.Limiter
	upgrader     websocket.Upgrader
	static       http.Handler
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, hub *room.Hub, issuer *token.Issuer, store memory.Store, metrics *observability.Metrics) *Server {
	limit, burst := rate.Limit(cfg.TokenRate), cfg.TokenBurst
	if cfg.TokenRate <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		hub:          hub,
		issuer:       issuer,
		store:        store,
		metrics:      metrics,
		tokenLimiter: rate.NewLimiter(limit, burst),
		static:       newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may join rooms unless explicitly
				// opened up.
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
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/api/token", s.handleToken)
	r.Get("/rtc", s.handleRoomWS)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/transcript", s.handleSessionTranscript)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/rooms", s.handleListRooms)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.NotFound(s.handleStatic)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.orchestrator != nil {
		active = s.orchestrator.ActiveSessions()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"agent_mode":      s.cfg.AgentMode,
		"voice_provider":  s.cfg.ResolvedProvider(),
		"active_sessions": active,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.issuer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "token issuer not configured")
		return
	}
	if !s.tokenLimiter.Allow() {
		s.metrics.TokenIssued("rate_limited")
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many token requests")
		return
	}
	var req token.Request
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		s.metrics.TokenIssued("malformed")
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp, err := s.issuer.Issue(req)
	if err != nil {
		if errors.Is(err, token.ErrTokenRequestMalformed) {
			s.metrics.TokenIssued("malformed")
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.metrics.TokenIssued("error")
		respondError(w, http.StatusInternalServerError, "token_failed", err.Error())
		return
	}
	s.metrics.TokenIssued("ok")
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.store == nil {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": []memory.Entry{}})
		return
	}
	entries, err := s.store.Session(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entries})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.orchestrator != nil && s.orchestrator.CloseSession(id) {
		respondJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "status": "closing"})
		return
	}
	sess, err := s.sessions.End(id, "api")
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := []string{}
	if s.hub != nil {
		rooms = append(rooms, s.hub.Rooms()...)
	}
	respondJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
