package socket

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionRegistry tracks the live sessions of a server.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *logrus.Logger
}

func NewSessionRegistry(logger *logrus.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

func (r *SessionRegistry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *SessionRegistry) Unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns a snapshot of the registered sessions.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast sends text to every active session and returns the number of
// successful deliveries. Failures are logged and skipped.
func (r *SessionRegistry) Broadcast(text string) int {
	return r.SendWhere(text, nil)
}

// SendWhere sends text to the active sessions accepted by match.
// A nil match selects every session.
func (r *SessionRegistry) SendWhere(text string, match func(*Session) bool) int {
	sent := 0
	for _, s := range r.All() {
		if !s.IsActive() {
			continue
		}
		if match != nil && !match(s) {
			continue
		}
		if err := s.SendText(text); err != nil {
			r.logger.WithError(err).WithField("session", s.ID()).Debug("Broadcast to session failed")
			continue
		}
		sent++
	}
	return sent
}

// CloseAll closes and removes every session.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}
