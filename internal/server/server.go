// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/chronicle/internal/backend"
	"github.com/user/chronicle/internal/broadcast"
	"github.com/user/chronicle/internal/hub"
	"github.com/user/chronicle/internal/scheduler"
	"github.com/user/chronicle/internal/state"
	"github.com/user/chronicle/internal/types"
	"github.com/user/chronicle/pkg/ingest"
	"golang.org/x/sync/semaphore"
)

// Store is what the server needs from the embedded store.
type Store interface {
	types.SessionStore
	types.EventStore
	Ping(ctx context.Context) error
}

// Config wires the server's collaborators. Selector and Scheduler are
// optional and only feed the status endpoint.
type Config struct {
	Store       Store
	Hub         *hub.Hub
	Broadcaster *broadcast.Broadcaster
	Selector    *backend.Selector
	Scheduler   *scheduler.Scheduler
	Logger      *slog.Logger
	// MaxConcurrentIngest bounds concurrent ingest writes. Requests over
	// the bound get 503 so producers fall back at once. Default 16.
	MaxConcurrentIngest int
	// APIKey, when set, is required as a Bearer token on ingest routes.
	APIKey string
}

// Server is the HTTP surface of the long-lived process: ingest for
// producers, and the streaming and status endpoints for observers.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	ingest  *semaphore.Weighted
	started time.Time
	mux     *http.ServeMux
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentIngest <= 0 {
		cfg.MaxConcurrentIngest = 16
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		ingest:  semaphore.NewWeighted(int64(cfg.MaxConcurrentIngest)),
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET "+ingest.HealthPath, s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	s.mux.HandleFunc("POST "+ingest.SessionsPath, s.authorized(s.handleIngestSession))
	s.mux.HandleFunc("POST "+ingest.EventsPath, s.authorized(s.handleIngestEvent))
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		http.Error(w, `{"status":"unhealthy"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Status      string                `json:"status"`
	UptimeSec   int64                 `json:"uptime_sec"`
	Backend     *backend.Status       `json:"backend,omitempty"`
	Connections int                   `json:"connections"`
	Hub         hub.Stats             `json:"hub"`
	Broadcaster broadcast.Stats       `json:"broadcaster"`
	Jobs        []scheduler.JobStatus `json:"jobs,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:      "ok",
		UptimeSec:   int64(time.Since(s.started).Seconds()),
		Connections: s.cfg.Hub.Len(),
		Hub:         s.cfg.Hub.Stats(),
		Broadcaster: s.cfg.Broadcaster.Stats(),
	}
	if s.cfg.Selector != nil {
		st := s.cfg.Selector.Status()
		resp.Backend = &st
		for _, b := range st.Backends {
			if b.Checked && !b.Healthy {
				resp.Status = "degraded"
			}
		}
	}
	if s.cfg.Scheduler != nil {
		resp.Jobs = s.cfg.Scheduler.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryLimit(r *http.Request, def int) int {
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return def
}

type sessionResponse struct {
	*types.Session
	Events int64 `json:"events"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := s.cfg.Store.ListSessions(ctx, queryLimit(r, 50))
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		count, err := s.cfg.Store.CountEventsForSession(ctx, sess.ID)
		if err != nil {
			s.logger.Warn("count events failed", "session_id", sess.ID, "error", err)
		}
		result = append(result, sessionResponse{Session: sess, Events: count})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(r.PathValue("id"))
	events, err := s.cfg.Store.TailEvents(r.Context(), sessionID, queryLimit(r, 200))
	if err != nil {
		s.logger.Error("tail events failed", "session_id", sessionID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token != s.cfg.APIKey {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// acquire takes an ingest slot without waiting.
func (s *Server) acquire(w http.ResponseWriter) bool {
	if s.ingest.TryAcquire(1) {
		return true
	}
	http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
	return false
}

func (s *Server) writeIngestError(w http.ResponseWriter, op string, err error) {
	switch {
	case types.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, state.ErrContention):
		s.logger.Warn("ingest contention", "op", op, "error", err)
		http.Error(w, `{"error":"store busy"}`, http.StatusServiceUnavailable)
	default:
		s.logger.Error("ingest failed", "op", op, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	}
}

const (
	maxIngestBody = 1 << 20
	writeTimeout  = 2 * time.Second
)

// writeContext detaches a store write from the request so a producer that
// gives up mid-request cannot abort a commit halfway.
func writeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), writeTimeout)
}

func (s *Server) handleIngestSession(w http.ResponseWriter, r *http.Request) {
	if !s.acquire(w) {
		return
	}
	defer s.ingest.Release(1)

	var in types.SessionInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&in); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	ctx, cancel := writeContext(r)
	defer cancel()
	sess, err := s.cfg.Store.UpsertSession(ctx, &in)
	if err != nil {
		s.writeIngestError(w, "session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(sess.ID)})
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if !s.acquire(w) {
		return
	}
	defer s.ingest.Release(1)

	var in types.EventInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&in); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	ctx, cancel := writeContext(r)
	defer cancel()
	ev, err := s.cfg.Store.InsertEvent(ctx, &in)
	if err != nil {
		s.writeIngestError(w, "event", err)
		return
	}
	s.cfg.Broadcaster.Notify()
	writeJSON(w, http.StatusAccepted, map[string]any{"id": ev.ID, "sequence": ev.Sequence})
}
