package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/XiaoConstantine/rlm-go/pkg/sandbox"
	"github.com/XiaoConstantine/rlm-go/pkg/session"
)

// Server exposes a *session.Manager over the §6.1 Session/Execution HTTP
// surface, used by both the loopback and remote topologies. It is mounted
// onto an existing *http.ServeMux so cmd/rlm-server can share one process
// with the §6.2 inference surface and /metrics.
type Server struct {
	manager       *session.Manager
	defaultLimits sandbox.Limits
	ready         func() bool
}

// NewServer wraps manager. ready reports whether the process is accepting
// new sessions (used by GET /ready); pass nil to always report ready.
func NewServer(manager *session.Manager, defaultLimits sandbox.Limits, ready func() bool) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{manager: manager, defaultLimits: defaultLimits, ready: ready}
}

// Register mounts the session/execution routes onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("POST /session/{id}/execute", s.handleExecute)
	mux.HandleFunc("DELETE /session/{id}", s.handleDestroySession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerTag string `json:"owner_tag"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}

	id, err := s.manager.CreateSession(req.OwnerTag)
	if err != nil {
		if errors.Is(err, core.ErrCapacityExhausted) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "capacity_exhausted"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Code      string `json:"code"`
		TimeoutMs int64  `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	limits := s.defaultLimits
	if req.TimeoutMs > 0 {
		limits.WallTimeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	out, err := s.manager.Execute(r.Context(), id, req.Code, limits)
	if err != nil {
		if errors.Is(err, core.ErrNoSuchSession) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no_such_session"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_ = s.manager.DestroySession(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.ListSessions()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "warming_up"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
