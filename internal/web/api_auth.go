package web

import (
	"errors"
	"net/http"

	"github.com/darthnorse/dockmon/internal/auth"
	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/store"
)

const oidcStateCookie = "dockmon_oidc_state"

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleSetup creates the first admin account. Conflicts once any user
// exists.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.deps.Auth.Bootstrap(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, user, err := s.deps.Auth.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			writeDetail(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
			return
		}
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeDetail(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		writeError(w, err)
		return
	}

	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.Auth.CookieSecure)
	if token, err := auth.GenerateCSRFToken(); err == nil {
		auth.SetCSRFCookie(w, token, s.deps.Auth.CookieSecure)
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := auth.GetSessionToken(r); token != "" {
		s.deps.Auth.Logout(token)
	}
	auth.ClearSessionCookie(w, s.deps.Auth.CookieSecure)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.GetIdentity(r.Context())
	if id == nil {
		writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   id.Name,
		"role":   id.Role,
		"groups": id.Groups,
		"user":   id.User,
		"key":    id.Key,
	})
}

type createUserRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Role     string   `json:"role"`
	Groups   []string `json:"groups,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}
	user, err := s.deps.Auth.CreateUser(r.Context(), req.Username, req.Password, req.Role, req.Groups)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Auth.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []*store.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

type createKeyRequest struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups,omitempty"`
}

// handleCreateAPIKey returns the full key exactly once; only the prefix and
// a hash survive server-side.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, derr.Validationf("api key name is required"))
		return
	}
	id := auth.GetIdentity(r.Context())
	full, key, err := s.deps.Auth.CreateAPIKey(r.Context(), req.Name, req.Groups, id.Name, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": full, "api_key": key})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := auth.GetIdentity(r.Context())
	if err := s.deps.Auth.RevokeAPIKey(r.Context(), r.PathValue("id"), id.Name, clientIP(r), r.UserAgent()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOIDCLogin starts the authorization-code flow. The state round-trips
// through a short-lived cookie.
func (s *Server) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.OIDC == nil {
		writeDetail(w, http.StatusNotFound, "single sign-on is not configured")
		return
	}
	state, err := auth.GenerateOIDCState()
	if err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    state,
		Path:     "/api/v2/auth/oidc",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   s.deps.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.deps.OIDC.AuthURL(state), http.StatusFound)
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.OIDC == nil {
		writeDetail(w, http.StatusNotFound, "single sign-on is not configured")
		return
	}
	stateCookie, err := r.Cookie(oidcStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		writeDetail(w, http.StatusBadRequest, "state mismatch")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oidcStateCookie, Path: "/api/v2/auth/oidc", MaxAge: -1})

	info, err := s.deps.OIDC.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "identity provider exchange failed")
		return
	}
	session, _, err := s.deps.Auth.LoginWithOIDC(r.Context(), info, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.Auth.CookieSecure)
	if token, err := auth.GenerateCSRFToken(); err == nil {
		auth.SetCSRFCookie(w, token, s.deps.Auth.CookieSecure)
	}
	http.Redirect(w, r, "/", http.StatusFound)
}
