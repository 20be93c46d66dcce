package mcpserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/semgate/semgate/pkg/logger"
)

// defaultSessionTTL is how long an idle MCP session survives before the
// cleanup worker evicts it.
const defaultSessionTTL = 30 * time.Minute

// session is one live MCP session. Activity extends its lifetime.
type session struct {
	id         string
	createdAt  time.Time
	updatedAt  time.Time
	terminated bool
}

// SessionManager holds MCP sessions with TTL cleanup. The SDK drives
// session lifecycle through the adapter below; storage, expiry and
// eviction all live here.
type SessionManager struct {
	sessions map[string]*session
	mu       sync.RWMutex
	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSessionManager creates a manager and starts its cleanup worker.
func NewSessionManager(ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	m := &SessionManager{
		sessions: make(map[string]*session),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
	go m.cleanupRoutine()
	return m
}

func (m *SessionManager) cleanupRoutine() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// AddWithID registers a new session under the provided ID.
func (m *SessionManager) AddWithID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return fmt.Errorf("session ID %q already exists", id)
	}

	now := time.Now()
	m.sessions[id] = &session{id: id, createdAt: now, updatedAt: now}
	return nil
}

// Touch refreshes a session's activity timestamp and reports whether it
// exists and whether it has been terminated.
func (m *SessionManager) Touch(id string) (exists, terminated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, false
	}
	s.updatedAt = time.Now()
	return true, s.terminated
}

// Terminate marks a session terminated without deleting it; the TTL
// sweep removes it later.
func (m *SessionManager) Terminate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.terminated = true
		s.updatedAt = time.Now()
	}
}

// Delete removes a session immediately.
func (m *SessionManager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count reports the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupExpired removes sessions idle for longer than the TTL.
func (m *SessionManager) CleanupExpired() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.updatedAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

// Stop halts the cleanup worker. Safe to call more than once.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// sessionIDAdapter exposes the SessionManager through the mark3labs
// SDK's SessionIdManager interface. The SDK calls Generate on
// initialize, Validate on every request, and Terminate on HTTP DELETE;
// all storage stays in the manager.
type sessionIDAdapter struct {
	manager *SessionManager
}

func newSessionIDAdapter(manager *SessionManager) *sessionIDAdapter {
	return &sessionIDAdapter{manager: manager}
}

// Generate allocates and registers a fresh session ID.
func (a *sessionIDAdapter) Generate() string {
	sessionID := uuid.New().String()
	if err := a.manager.AddWithID(sessionID); err != nil {
		// UUID collision is practically impossible; retry once and give
		// up with an empty sentinel the SDK treats as "no session".
		sessionID = uuid.New().String()
		if err := a.manager.AddWithID(sessionID); err != nil {
			logger.Errorw("failed to register MCP session", "session_id", sessionID, "error", err)
			return ""
		}
	}
	return sessionID
}

// Validate reports whether a session is live. An unknown ID returns an
// error, which the SDK renders as HTTP 404 with JSON-RPC code -32000.
func (a *sessionIDAdapter) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session ID")
	}
	exists, terminated := a.manager.Touch(sessionID)
	if !exists {
		return false, fmt.Errorf("session not found")
	}
	return terminated, nil
}

// Terminate marks a session terminated; the TTL sweep deletes it later
// so follow-up requests distinguish "terminated" from "never existed".
func (a *sessionIDAdapter) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session ID")
	}
	a.manager.Terminate(sessionID)
	return false, nil
}
