package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/darthnorse/dockmon/internal/derr"
)

type contextKey struct{}

var identityKey contextKey

// GetIdentity extracts the authenticated identity from a request context.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// WithIdentity returns a context carrying the identity. Exported for
// handler tests.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Middleware authenticates every request via bearer API key or session
// cookie and injects the identity into the request context.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := svc.Authenticate(r.Context(), r)
			if err != nil {
				if GetSessionToken(r) != "" {
					ClearSessionCookie(w, svc.CookieSecure)
				}
				http.Error(w, `{"detail":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			if id.Session != nil {
				ensureCSRFCookie(w, r, svc.CookieSecure)
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// CSRFMiddleware validates the double-submit token on state-changing
// requests. Bearer-authenticated calls are exempt.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if ExtractBearerToken(r.Header.Get("Authorization")) != "" {
			next.ServeHTTP(w, r)
			return
		}
		if !ValidateCSRF(r) {
			http.Error(w, `{"detail":"CSRF validation failed"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCapability gates a handler on one capability.
func RequireCapability(svc *Service, capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetIdentity(r.Context())
			if id == nil {
				http.Error(w, `{"detail":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			if err := svc.Require(r.Context(), id, capability); err != nil {
				if errors.Is(err, derr.ErrForbidden) {
					http.Error(w, `{"detail":"insufficient permissions"}`, http.StatusForbidden)
				} else {
					http.Error(w, `{"detail":"authorization check failed"}`, http.StatusInternalServerError)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ensureCSRFCookie(w http.ResponseWriter, r *http.Request, secure bool) {
	if _, err := r.Cookie(CSRFCookieName); err != nil {
		token, err := GenerateCSRFToken()
		if err != nil {
			return
		}
		SetCSRFCookie(w, token, secure)
	}
}
