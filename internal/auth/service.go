package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

var (
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", derr.ErrAuth)
	ErrRateLimited        = fmt.Errorf("too many login attempts: %w", derr.ErrAuth)
	ErrNotAuthenticated   = fmt.Errorf("authentication required: %w", derr.ErrAuth)
	ErrKeyRevoked         = fmt.Errorf("api key revoked: %w", derr.ErrAuth)
)

// Identity is a resolved caller: a session-backed user or an API key.
type Identity struct {
	User    *store.User
	Key     *store.APIKey
	Session *Session

	// Name is the audit "who": a username or "key:<name>".
	Name   string
	Role   string
	Groups []string
}

// Service authenticates requests and resolves capabilities.
type Service struct {
	st       *store.Store
	sessions *SessionStore
	log      *logging.Logger
	clk      clock.Clock
	limiter  *RateLimiter

	// CookieSecure marks session and CSRF cookies Secure. Off only for
	// plain-HTTP development setups.
	CookieSecure bool
}

// New creates the auth service.
func New(st *store.Store, log *logging.Logger, clk clock.Clock, sessionTTL time.Duration, cookieSecure bool) *Service {
	return &Service{
		st:           st,
		sessions:     NewSessionStore(clk, sessionTTL),
		log:          log.With("component", "auth"),
		clk:          clk,
		limiter:      NewRateLimiter(clk),
		CookieSecure: cookieSecure,
	}
}

// Sessions exposes the session store for purge jobs.
func (s *Service) Sessions() *SessionStore { return s.sessions }

// NeedsBootstrap reports whether no users exist yet.
func (s *Service) NeedsBootstrap(ctx context.Context) (bool, error) {
	n, err := s.st.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Bootstrap creates the first admin account. Fails once any user exists.
func (s *Service) Bootstrap(ctx context.Context, username, password string) (*store.User, error) {
	n, err := s.st.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, derr.Conflictf("setup already completed")
	}
	return s.CreateUser(ctx, username, password, RoleAdmin, nil)
}

// CreateUser adds a local account after validating the password policy.
func (s *Service) CreateUser(ctx context.Context, username, password, role string, groups []string) (*store.User, error) {
	if username == "" {
		return nil, derr.Validationf("username required")
	}
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%s: %w", err, derr.ErrValidation)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &store.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Groups:       groups,
		CreatedAt:    s.clk.Now().UTC(),
	}
	if err := s.st.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.audit(ctx, username, "user.create", "user", u.ID, "", "", "")
	return u, nil
}

// Login verifies credentials and mints a session. Rate limited per IP.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*Session, *store.User, error) {
	if !s.limiter.Allow(ip) {
		return nil, nil, ErrRateLimited
	}

	user, err := s.st.GetUserByUsername(ctx, username)
	if err != nil {
		s.limiter.RecordFailure(ip)
		return nil, nil, ErrInvalidCredentials
	}
	if !CheckPassword(user.PasswordHash, password) {
		s.limiter.RecordFailure(ip)
		s.audit(ctx, username, "login.failed", "user", user.ID, "", ip, userAgent)
		return nil, nil, ErrInvalidCredentials
	}
	s.limiter.Reset(ip)

	session, err := s.sessions.Create(user.ID, ip, userAgent)
	if err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	s.audit(ctx, username, "login", "user", user.ID, "", ip, userAgent)
	return session, user, nil
}

// Logout revokes a session token.
func (s *Service) Logout(token string) {
	s.sessions.Delete(token)
}

// Authenticate resolves the caller from a bearer API key or session cookie.
func (s *Service) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	if bearer := ExtractBearerToken(r.Header.Get("Authorization")); bearer != "" {
		return s.AuthenticateKey(ctx, bearer)
	}
	if token := GetSessionToken(r); token != "" {
		return s.authenticateSession(ctx, token)
	}
	return nil, ErrNotAuthenticated
}

func (s *Service) authenticateSession(ctx context.Context, token string) (*Identity, error) {
	session := s.sessions.Get(token)
	if session == nil {
		return nil, ErrNotAuthenticated
	}
	user, err := s.st.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, ErrNotAuthenticated
	}
	return &Identity{
		User:    user,
		Session: session,
		Name:    user.Username,
		Role:    user.Role,
		Groups:  user.Groups,
	}, nil
}

// AuthenticateKey validates a full API key. Lookup goes through the stored
// prefix; the full key is compared only by hash.
func (s *Service) AuthenticateKey(ctx context.Context, raw string) (*Identity, error) {
	if !LooksLikeAPIKey(raw) {
		return nil, ErrInvalidCredentials
	}
	key, err := s.st.GetAPIKeyByPrefix(ctx, raw[:StoredPrefixLen])
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(key.Hash), []byte(HashKey(raw))) != 1 {
		return nil, ErrInvalidCredentials
	}
	if key.RevokedAt != nil {
		return nil, ErrKeyRevoked
	}
	return &Identity{
		Key:    key,
		Name:   "key:" + key.Name,
		Groups: key.Groups,
	}, nil
}

// CreateAPIKey mints a key bound to the given groups. The full key is
// returned once and never stored.
func (s *Service) CreateAPIKey(ctx context.Context, name string, groups []string, actor, ip, userAgent string) (string, *store.APIKey, error) {
	if name == "" {
		return "", nil, derr.Validationf("api key name required")
	}
	full, prefix, hash, err := GenerateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	key := &store.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		Prefix:    prefix,
		Hash:      hash,
		Groups:    groups,
		CreatedAt: s.clk.Now().UTC(),
	}
	if err := s.st.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	s.audit(ctx, actor, "api_key.create", "api_key", key.ID, name, ip, userAgent)
	return full, key, nil
}

// ListAPIKeys returns all key records. Hashes never leave the store layer's
// JSON encoding.
func (s *Service) ListAPIKeys(ctx context.Context) ([]*store.APIKey, error) {
	return s.st.ListAPIKeys(ctx)
}

// RevokeAPIKey marks a key revoked. Revoking an already-revoked key
// succeeds without writing a second audit entry.
func (s *Service) RevokeAPIKey(ctx context.Context, id, actor, ip, userAgent string) error {
	changed, err := s.st.RevokeAPIKey(ctx, id, s.clk.Now().UTC())
	if err != nil {
		return err
	}
	if changed {
		s.audit(ctx, actor, "api_key.revoke", "api_key", id, "", ip, userAgent)
	}
	return nil
}

// Can reports whether the identity holds a capability. Legacy roles expand
// to fixed capability sets; group grants are merged on top, with any group
// deny removing the group grant.
func (s *Service) Can(ctx context.Context, id *Identity, capability string) (bool, error) {
	if id == nil {
		return false, nil
	}
	if RoleCapabilities(id.Role)[capability] {
		return true, nil
	}
	caps, err := s.st.GroupCapabilities(ctx, id.Groups)
	if err != nil {
		return false, err
	}
	return caps[capability], nil
}

// Require returns nil when the identity holds the capability, a forbidden
// error otherwise.
func (s *Service) Require(ctx context.Context, id *Identity, capability string) error {
	ok, err := s.Can(ctx, id, capability)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("missing capability %s: %w", capability, derr.ErrForbidden)
	}
	return nil
}

// audit appends an audit record. Failures are logged, never propagated.
func (s *Service) audit(ctx context.Context, who, action, entityType, entityID, details, ip, userAgent string) {
	err := s.st.AppendAudit(ctx, &store.AuditEntry{
		Who:        who,
		When:       s.clk.Now().UTC(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		IP:         ip,
		UserAgent:  userAgent,
	})
	if err != nil {
		s.log.Warn("audit append failed", "action", action, "error", err)
	}
}
