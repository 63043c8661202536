package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionStore keeps issued bearer tokens in memory with a TTL. Losing
// sessions on restart just means operators log in again.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]session
	ttl      time.Duration
	now      func() time.Time
}

type session struct {
	email     string
	expiresAt time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		sessions: make(map[string]session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *sessionStore) Issue(email string) string {
	token := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = session{email: email, expiresAt: s.now().Add(s.ttl)}
	return token
}

func (s *sessionStore) Lookup(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return "", false
	}
	if s.now().After(sess.expiresAt) {
		delete(s.sessions, token)
		return "", false
	}
	return sess.email, true
}
