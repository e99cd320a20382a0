package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	svc, _ := newTestService(t)
	h := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without credentials")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v2/hosts", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareInjectsBearerIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	full, _, err := svc.CreateAPIKey(context.Background(), "ci", nil, "admin", "", "")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	var got *Identity
	h := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetIdentity(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/v2/hosts", nil)
	r.Header.Set("Authorization", "Bearer "+full)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got == nil || got.Key == nil || got.Key.Name != "ci" {
		t.Errorf("identity = %+v", got)
	}
}

func TestRequireCapabilityForbids(t *testing.T) {
	svc, _ := newTestService(t)
	h := RequireCapability(svc, CapUsersManage)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without capability")
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v2/users", nil)
	r = r.WithContext(WithIdentity(r.Context(), &Identity{Role: RoleReadonly}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}

	// No identity at all: 401, not 403.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v2/users", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestCSRFMiddleware(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }
	h := CSRFMiddleware(http.HandlerFunc(ok))

	// Safe methods pass untouched.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v2/hosts", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("GET status = %d", w.Code)
	}

	// Cookie-based mutation without the token is blocked.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v2/hosts", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("POST without token status = %d, want 403", w.Code)
	}

	// Bearer calls are exempt from the double-submit check.
	r := httptest.NewRequest(http.MethodPost, "/api/v2/hosts", nil)
	r.Header.Set("Authorization", "Bearer dockmon_x")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("bearer POST status = %d", w.Code)
	}

	// Matching header and cookie pass.
	token, err := GenerateCSRFToken()
	if err != nil {
		t.Fatal(err)
	}
	r = httptest.NewRequest(http.MethodPost, "/api/v2/hosts", nil)
	r.AddCookie(&http.Cookie{Name: CSRFCookieName, Value: token})
	r.Header.Set(CSRFHeaderName, token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("valid POST status = %d", w.Code)
	}
}
