package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/vault"
)

// OIDCProvider wraps OIDC discovery and the OAuth2 code flow. Configuration
// comes from the stored singleton row; the client secret is decrypted by
// the vault.
type OIDCProvider struct {
	provider  *oidc.Provider
	verifier  *oidc.IDTokenVerifier
	oauth2Cfg oauth2.Config
}

// OIDCUserInfo is the identity extracted from verified ID token claims.
type OIDCUserInfo struct {
	Subject  string
	Email    string
	Name     string
	Username string
	Groups   []string
}

// NewOIDCProvider initialises the provider via discovery. Returns nil, nil
// when OIDC is disabled or incompletely configured.
func NewOIDCProvider(ctx context.Context, st *store.Store, vlt *vault.Vault, redirectURL string) (*OIDCProvider, error) {
	cfg, err := st.GetOIDCConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled || cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, nil
	}

	secret := cfg.ClientSecret
	if secret != "" {
		secret, err = vlt.Decrypt(secret)
		if err != nil {
			return nil, fmt.Errorf("decrypt oidc client secret: %w", err)
		}
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	return &OIDCProvider{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: secret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email", "groups"},
		},
	}, nil
}

// AuthURL generates the authorization URL carrying the state parameter.
func (p *OIDCProvider) AuthURL(state string) string {
	return p.oauth2Cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and extracts the
// verified identity, including the raw group claims.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*OIDCUserInfo, error) {
	token, err := p.oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in response")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("token verification: %w", err)
	}

	var claims struct {
		Email             string   `json:"email"`
		Name              string   `json:"name"`
		PreferredUsername string   `json:"preferred_username"`
		Groups            []string `json:"groups"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = idToken.Subject
	}

	return &OIDCUserInfo{
		Subject:  idToken.Subject,
		Email:    claims.Email,
		Name:     claims.Name,
		Username: username,
		Groups:   claims.Groups,
	}, nil
}

// GenerateOIDCState creates a random 16-byte hex state parameter.
func GenerateOIDCState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// LoginWithOIDC finds or creates a user from verified claims and mints a
// session. Group claims are translated through the stored mappings and
// replace the user's memberships on every login.
func (s *Service) LoginWithOIDC(ctx context.Context, info *OIDCUserInfo, ip, userAgent string) (*Session, *store.User, error) {
	groups, err := s.st.MapClaimGroups(ctx, info.Groups)
	if err != nil {
		return nil, nil, fmt.Errorf("map claim groups: %w", err)
	}

	user, err := s.st.GetUserByUsername(ctx, info.Username)
	if err != nil {
		// The account authenticates at the identity provider, so the local
		// password is random and unusable.
		pass, err := generateRandomPassword()
		if err != nil {
			return nil, nil, err
		}
		hash, err := HashPassword(pass)
		if err != nil {
			return nil, nil, fmt.Errorf("hash password: %w", err)
		}
		user = &store.User{
			ID:           info.Subject,
			Username:     info.Username,
			PasswordHash: hash,
			Role:         RoleReadonly,
			Groups:       groups,
			CreatedAt:    s.clk.Now().UTC(),
		}
		if err := s.st.CreateUser(ctx, user); err != nil {
			return nil, nil, fmt.Errorf("create oidc user: %w", err)
		}
		s.audit(ctx, info.Username, "user.create", "user", user.ID, "oidc auto-create", ip, userAgent)
	} else if !equalGroups(user.Groups, groups) {
		if err := s.st.UpdateUserGroups(ctx, user.ID, groups); err != nil {
			return nil, nil, fmt.Errorf("sync oidc groups: %w", err)
		}
		user.Groups = groups
	}

	session, err := s.sessions.Create(user.ID, ip, userAgent)
	if err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	s.audit(ctx, user.Username, "login.oidc", "user", user.ID, "", ip, userAgent)
	return session, user, nil
}

func equalGroups(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, g := range a {
		seen[g] = true
	}
	for _, g := range b {
		if !seen[g] {
			return false
		}
	}
	return true
}

func generateRandomPassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
