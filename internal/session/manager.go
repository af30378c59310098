// Package session is a read-mostly registry of live voice sessions. The
// voice orchestrator owns session state and mirrors it here so the HTTP API
// can observe it without touching the session goroutine.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID                string    `json:"session_id"`
	Room              string    `json:"room"`
	Identity          string    `json:"identity"`
	Mode              string    `json:"mode"`
	Status            Status    `json:"status"`
	State             string    `json:"state"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	FailureCount      int       `json:"failure_count"`
	EndReason         string    `json:"end_reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	EndedAt           time.Time `json:"ended_at,omitempty"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	endedRetention    time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		endedRetention:    10 * time.Minute,
	}
}

// SetEndedRetention controls how long ended sessions stay visible.
func (m *Manager) SetEndedRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.endedRetention = d
	}
}

// SetExpireHook is called, outside the lock, for every session the
// janitor expires for inactivity.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(id, room, identity, mode string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             id,
		Room:           room,
		Identity:       identity,
		Mode:           mode,
		Status:         StatusActive,
		State:          "idle",
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// List returns all known sessions, newest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

func (m *Manager) SetState(sessionID, state string) error {
	return m.update(sessionID, func(s *Session) { s.State = state })
}

// RecordTurn counts a completed user utterance.
func (m *Manager) RecordTurn(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.TurnCount++ })
}

func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.InterruptionCount++ })
}

func (m *Manager) RecordFailure(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.FailureCount++ })
}

func (m *Manager) End(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusEnded {
		now := time.Now().UTC()
		s.Status = StatusEnded
		s.State = "closed"
		s.EndReason = reason
		s.EndedAt = now
		s.LastActivityAt = now
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// sweep reports inactive sessions to the expire hook and forgets ended
// sessions past retention. Expired sessions stay active here until their
// owner calls End.
func (m *Manager) sweep() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case s.Status == StatusEnded && now.Sub(s.EndedAt) >= m.endedRetention:
			delete(m.sessions, id)
		case s.Status == StatusActive && now.Sub(s.LastActivityAt) >= m.inactivityTimeout:
			expired = append(expired, clone(s))
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
