package view

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-studio/internal/config"
)

// Manager owns one Session per browser. It holds at most maxSessions; when
// full, the least recently active idle session is evicted and its handle
// released. If every session is in flight the limit is exceeded until one
// settles.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	defaults    Defaults
	deps        Deps
	clock       func() time.Time
	logger      *slog.Logger

	draining bool
	triggers sync.WaitGroup
}

func NewManager(cfg config.ViewConfig, defaultVoice string, deps Deps) *Manager {
	limit := cfg.MaxSessions
	if limit <= 0 {
		limit = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: limit,
		defaults:    Defaults{Text: cfg.DefaultText, Voice: defaultVoice},
		deps:        deps,
		clock:       time.Now,
		logger:      logger.With(slog.String("component", "view")),
	}
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Create starts a new session with the configured defaults.
func (m *Manager) Create() *Session {
	s := newSession(uuid.NewString(), m.defaults, m.deps, m.clock)
	s.track = m.admit

	m.mu.Lock()
	var evicted *Session
	if len(m.sessions) >= m.maxSessions {
		evicted = m.oldestIdleLocked()
		if evicted != nil {
			delete(m.sessions, evicted.id)
		}
	}
	m.sessions[s.id] = s
	live := len(m.sessions)
	m.mu.Unlock()

	if live > m.maxSessions {
		m.logger.Warn("session limit exceeded, every session is in flight",
			slog.Int("sessions", live),
			slog.Int("max_sessions", m.maxSessions))
	}
	if evicted != nil {
		evicted.Close()
	}
	return s
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Drain stops admitting new triggers and waits for pending ones to settle,
// or for ctx to end.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	settled := make(chan struct{})
	go func() {
		m.triggers.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) admit() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return nil, false
	}
	m.triggers.Add(1)
	return m.triggers.Done, true
}

// Close releases every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) oldestIdleLocked() *Session {
	var (
		oldest *Session
		at     time.Time
	)
	for _, s := range m.sessions {
		last, idle := s.idleSince()
		if !idle {
			continue
		}
		if oldest == nil || last.Before(at) {
			oldest, at = s, last
		}
	}
	return oldest
}
