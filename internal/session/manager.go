// Package session manages conversation sessions and their grounding state.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/models"
)

// MaxSessions limits concurrent sessions to bound memory held by grounding text.
const MaxSessions = 100

// SessionKeepAliveWindow protects recently used sessions from eviction.
const SessionKeepAliveWindow = 5 * time.Minute

// ErrTooManySessions is returned when no idle session can be evicted.
var ErrTooManySessions = errors.New("too many active sessions")

// Manager holds the live sessions, all sharing one document store.
type Manager struct {
	sessions  map[string]*Context
	mu        sync.RWMutex
	store     DocumentStore
	extractor Extractor
	persona   Persona
	log       *zap.Logger
	now       func() time.Time
}

// NewManager creates a session manager.
func NewManager(store DocumentStore, extractor Extractor, persona Persona, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions:  make(map[string]*Context),
		store:     store,
		extractor: extractor,
		persona:   persona,
		log:       log.With(zap.String("component", "session")),
		now:       time.Now,
	}
}

// CreateSession starts a new ungrounded session.
func (m *Manager) CreateSession() (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= MaxSessions && !m.evictOldestLocked() {
		return nil, ErrTooManySessions
	}

	id := uuid.New().String()
	c := NewContext(id, m.store, m.extractor, m.persona, m.log)
	c.now = m.now
	c.createdAt = m.now()
	c.lastAccessed = c.createdAt
	m.sessions[id] = c

	m.log.Info("session created", zap.String("session", id), zap.Int("active", len(m.sessions)))
	return c, nil
}

// GetSession returns a session and marks it as recently used.
func (m *Manager) GetSession(id string) (*Context, bool) {
	m.mu.RLock()
	c, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		c.touch()
	}
	return c, ok
}

// DeleteSession ends a session. A session with a reply in flight is kept.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.sessions[id]
	if !ok {
		return &models.NotFoundError{ID: id, Detail: "no such session"}
	}
	if _, busy := c.idleSince(); busy {
		return models.ErrSessionBusy
	}
	delete(m.sessions, id)
	m.log.Info("session deleted", zap.String("session", id))
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// DeleteDocument removes a document from the registry and deactivates every
// idle session that had it active. Busy sessions keep their cached text.
func (m *Manager) DeleteDocument(id string) error {
	if err := m.store.Delete(id); err != nil {
		return err
	}

	m.mu.RLock()
	sessions := make([]*Context, 0, len(m.sessions))
	for _, c := range m.sessions {
		sessions = append(sessions, c)
	}
	m.mu.RUnlock()

	for _, c := range sessions {
		release, err := c.beginOp()
		if err != nil {
			m.log.Warn("session busy, keeping cached grounding of deleted document",
				zap.String("session", c.ID()), zap.String("document", id))
			continue
		}
		if c.detach(id) {
			m.log.Info("session deactivated after document delete", zap.String("session", c.ID()), zap.String("document", id))
		}
		release()
	}
	return nil
}

// CleanupOldSessions removes sessions idle for longer than maxAge, skipping
// sessions with a reply in flight. It returns the number removed.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for id, c := range m.sessions {
		last, busy := c.idleSince()
		if busy || !last.Before(cutoff) {
			continue
		}
		delete(m.sessions, id)
		removed++
		m.log.Info("cleaned up idle session",
			zap.String("session", id),
			zap.Duration("idle", m.now().Sub(last).Round(time.Second)))
	}
	return removed
}

// evictOldestLocked drops the least recently used idle session outside the
// keep-alive window. Callers hold m.mu.
func (m *Manager) evictOldestLocked() bool {
	type candidate struct {
		id   string
		last time.Time
	}
	keepAliveCutoff := m.now().Add(-SessionKeepAliveWindow)

	var candidates []candidate
	for id, c := range m.sessions {
		last, busy := c.idleSince()
		if busy || last.After(keepAliveCutoff) {
			continue
		}
		candidates = append(candidates, candidate{id, last})
	}
	if len(candidates) == 0 {
		return false
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].last.Before(candidates[j].last) })
	delete(m.sessions, candidates[0].id)
	m.log.Info("evicted session to stay under limit", zap.String("session", candidates[0].id))
	return true
}
