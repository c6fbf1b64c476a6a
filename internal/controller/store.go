// Package controller keeps the dashboard accounts and their login sessions.
package controller

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const DefaultSessionTTL = 24 * time.Hour

var ErrInvalidCredentials = errors.New("controller: invalid username or password")

// User is a dashboard account. Users come from configuration only.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"` // bcrypt
}

// Session is a logged-in dashboard client.
type Session struct {
	Token      string    `json:"token"`
	Username   string    `json:"username"`
	ExpireTime time.Time `json:"expire_time"`
}

// Store checks passwords and tracks sessions in memory.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	users    map[string]User
	sessions map[string]Session
}

// NewStore creates a store for users. A non-positive ttl means
// DefaultSessionTTL.
func NewStore(users []User, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &Store{
		ttl:      ttl,
		now:      time.Now,
		users:    make(map[string]User, len(users)),
		sessions: make(map[string]Session),
	}
	for _, u := range users {
		s.users[u.Username] = u
	}
	return s
}

// Open reports whether no accounts are configured, in which case the API
// needs no login.
func (s *Store) Open() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users) == 0
}

// Login checks the password and opens a session.
func (s *Store) Login(username, password string) (Session, error) {
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}

	session := Session{
		Token:      uuid.NewString(),
		Username:   username,
		ExpireTime: s.now().Add(s.ttl),
	}
	s.mu.Lock()
	s.sessions[session.Token] = session
	s.mu.Unlock()
	return session, nil
}

// Lookup returns the session for token if it has not expired. Expired
// sessions are removed.
func (s *Store) Lookup(token string) (Session, bool) {
	s.mu.RLock()
	session, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if s.now().Before(session.ExpireTime) {
		return session, true
	}
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return Session{}, false
}

// Logout ends a session.
func (s *Store) Logout(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Sweep drops every expired session and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, session := range s.sessions {
		if !now.Before(session.ExpireTime) {
			delete(s.sessions, token)
			n++
		}
	}
	return n
}

// HashPassword returns a bcrypt hash suitable for the http.users config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
