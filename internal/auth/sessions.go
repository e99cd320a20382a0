package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
)

const (
	SessionCookieName = "dockmon_session"

	// DefaultSessionTTL bounds a login session's lifetime.
	DefaultSessionTTL = 24 * time.Hour
)

// Session is one active browser login. Sessions live in memory only; a
// restart logs everyone out.
type Session struct {
	Token     string
	UserID    string
	IP        string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore holds active sessions keyed by token.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clk      clock.Clock
	ttl      time.Duration
}

// NewSessionStore creates a session store with the given lifetime.
func NewSessionStore(clk clock.Clock, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		sessions: make(map[string]*Session),
		clk:      clk,
		ttl:      ttl,
	}
}

// Create mints a new session for a user.
func (ss *SessionStore) Create(userID, ip, userAgent string) (*Session, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, err
	}
	now := ss.clk.Now().UTC()
	s := &Session{
		Token:     token,
		UserID:    userID,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(ss.ttl),
	}
	ss.mu.Lock()
	ss.sessions[token] = s
	ss.mu.Unlock()
	return s, nil
}

// Get returns the session for a token, or nil if unknown or expired.
// Expired sessions are dropped on lookup.
func (ss *SessionStore) Get(token string) *Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.sessions[token]
	if !ok {
		return nil
	}
	if ss.clk.Now().After(s.ExpiresAt) {
		delete(ss.sessions, token)
		return nil
	}
	return s
}

// Delete removes a session.
func (ss *SessionStore) Delete(token string) {
	ss.mu.Lock()
	delete(ss.sessions, token)
	ss.mu.Unlock()
}

// DeleteForUser removes every session belonging to a user. Returns the
// number removed.
func (ss *SessionStore) DeleteForUser(userID string) int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var n int
	for token, s := range ss.sessions {
		if s.UserID == userID {
			delete(ss.sessions, token)
			n++
		}
	}
	return n
}

// PurgeExpired drops sessions past their expiry. Returns the number removed.
func (ss *SessionStore) PurgeExpired() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	now := ss.clk.Now()
	var n int
	for token, s := range ss.sessions {
		if now.After(s.ExpiresAt) {
			delete(ss.sessions, token)
			n++
		}
	}
	return n
}

// generateSessionToken creates a 32-byte random hex token.
func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SetSessionCookie writes the session cookie on a response.
func SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// GetSessionToken reads the session token from a request's cookie, or "".
func GetSessionToken(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
