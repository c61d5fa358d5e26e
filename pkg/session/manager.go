// Package session implements the Session Manager: it owns the map from
// opaque session id to live Sandbox Runtime state, serializes execution
// per-session, and reaps idle or expired sessions on a fixed cadence.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/XiaoConstantine/rlm-go/internal/observability"
	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/XiaoConstantine/rlm-go/pkg/sandbox"
	"github.com/google/uuid"
)

// Session is the externally-visible record of a live sandbox. SandboxState
// is deliberately not part of this struct: it is owned exclusively by the
// Manager and never serialized to callers (list_sessions only ever returns
// the fields below).
type Session struct {
	ID               string
	CreatedAt        time.Time
	LastUsedAt       time.Time
	ExecutionCounter int
	OwnerTag         string
}

type entry struct {
	mu      sync.Mutex
	meta    Session
	runtime *sandbox.Runtime
}

// Config tunes the reaper and capacity limits.
type Config struct {
	MaxSessions      int
	IdleTTL          time.Duration
	AbsoluteTTL      time.Duration
	ReaperInterval   time.Duration
}

// DefaultConfig matches the defaults named in the design: 10 minute idle
// TTL, 1 hour absolute TTL, 30 second reaper cadence, no session cap.
func DefaultConfig() Config {
	return Config{
		MaxSessions:    0,
		IdleTTL:        10 * time.Minute,
		AbsoluteTTL:    time.Hour,
		ReaperInterval: 30 * time.Second,
	}
}

// Manager owns the session table. The zero value is not usable; construct
// with New.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*entry

	stop   chan struct{}
	done   chan struct{}
	logger logFunc
}

// logFunc decouples Manager from any particular logging package; callers
// pass in a slog-backed function (see internal/observability).
type logFunc func(msg string, args ...any)

// New constructs a Manager and starts its background reaper goroutine.
// Callers must call Close to stop the reaper.
func New(cfg Config, logger logFunc) *Manager {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go m.reapLoop()
	return m
}

// CreateSession allocates a fresh sandbox state and returns its id.
func (m *Manager) CreateSession(ownerTag string) (string, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", fmt.Errorf("create session: %w", core.ErrCapacityExhausted)
	}
	m.mu.Unlock()

	rt, err := sandbox.New()
	if err != nil {
		return "", fmt.Errorf("create session: allocate runtime: %w", err)
	}

	id := uuid.NewString()
	now := time.Now()
	e := &entry{
		meta: Session{ID: id, CreatedAt: now, LastUsedAt: now, OwnerTag: ownerTag},
		runtime: rt,
	}

	m.mu.Lock()
	// Re-check capacity: another creator may have raced us between the
	// first check and allocating the runtime.
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		rt.Close()
		return "", fmt.Errorf("create session: %w", core.ErrCapacityExhausted)
	}
	m.sessions[id] = e
	m.mu.Unlock()

	observability.ActiveSessions.Inc()
	m.logger("session created", "session_id", id)
	return id, nil
}

// Execute runs code against the named session's sandbox state, serialized
// behind that session's lock.
func (m *Manager) Execute(ctx context.Context, sessionID, code string, limits sandbox.Limits) (core.Outputs, error) {
	e, err := m.lookup(sessionID)
	if err != nil {
		return core.Outputs{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.runtime.Execute(ctx, code, limits)
	if err != nil {
		return out, err
	}

	m.mu.Lock()
	e.meta.LastUsedAt = time.Now()
	e.meta.ExecutionCounter++
	m.mu.Unlock()

	return out, nil
}

// DestroySession tears down the sandbox state and removes the mapping.
// Idempotent: destroying an unknown id is not an error.
func (m *Manager) DestroySession(sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	// Block until any in-flight execution releases the per-session lock
	// before tearing down, per the state machine: destruction from
	// Executing waits for the current execution to return.
	e.mu.Lock()
	defer e.mu.Unlock()
	observability.ActiveSessions.Dec()
	m.logger("session destroyed", "session_id", sessionID)
	return e.runtime.Close()
}

// ListSessions returns observability metadata for every live session.
func (m *Manager) ListSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.meta)
	}
	return out
}

func (m *Manager) lookup(sessionID string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, core.ErrNoSuchSession)
	}
	return e, nil
}

// Close stops the reaper and destroys every remaining session.
func (m *Manager) Close() error {
	close(m.stop)
	<-m.done

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.DestroySession(id)
	}
	return nil
}

func (m *Manager) reapLoop() {
	defer close(m.done)

	interval := m.cfg.ReaperInterval
	if interval <= 0 {
		interval = DefaultConfig().ReaperInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	now := time.Now()

	m.mu.Lock()
	expired := make(map[string]string) // id -> reason ("idle" or "absolute")
	for id, e := range m.sessions {
		idleTTL, absTTL := m.cfg.IdleTTL, m.cfg.AbsoluteTTL
		if idleTTL <= 0 {
			idleTTL = DefaultConfig().IdleTTL
		}
		if absTTL <= 0 {
			absTTL = DefaultConfig().AbsoluteTTL
		}
		switch {
		case now.Sub(e.meta.CreatedAt) > absTTL:
			expired[id] = "absolute"
		case now.Sub(e.meta.LastUsedAt) > idleTTL:
			expired[id] = "idle"
		}
	}
	m.mu.Unlock()

	for id, reason := range expired {
		m.logger("reaping expired session", "session_id", id, "reason", reason)
		observability.SessionsReapedTotal.WithLabelValues(reason).Inc()
		_ = m.DestroySession(id)
	}
}
