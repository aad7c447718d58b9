package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func TestMiddleware_Unauthorized(t *testing.T) {
	called := false
	h := Middleware{
		Authenticator: &testAuthenticator{err: ErrUnauthenticated},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.test/v1/executions", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if called {
		t.Fatalf("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["error"] != "unauthorized" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestMiddleware_InvalidToken(t *testing.T) {
	h := Middleware{
		Authenticator: &testAuthenticator{err: errors.New("bad signature")},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/v1/executions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "invalid_token" {
		t.Fatalf("error=%v, want invalid_token", body["error"])
	}
}

func TestMiddleware_ForbiddenAndIdentityInContext(t *testing.T) {
	authn := &testAuthenticator{identity: Identity{Subject: "bob", Roles: []string{RoleViewer}}}
	var seen Identity
	h := Middleware{
		Authenticator: authn,
		Authorize:     RoleAuthorizer(),
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/v1/executions", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/v1/executions", nil))
	if rec.Code != http.StatusOK || seen.Subject != "bob" {
		t.Fatalf("status=%d identity=%+v", rec.Code, seen)
	}
}

func TestMiddleware_SkipPrefixes(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	h := Middleware{Authenticator: authn, SkipPrefixes: []string{"/healthz"}}.Wrap(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/healthz", nil))
	if rec.Code != http.StatusNoContent || authn.calls != 0 {
		t.Fatalf("status=%d calls=%d", rec.Code, authn.calls)
	}
}

func TestIdentityFromClaims(t *testing.T) {
	cfg := Config{RolesClaim: "groups", EmailClaim: "email"}
	identity := identityFromClaims(map[string]any{
		"sub":    "user-1",
		"email":  "u@example.test",
		"groups": []any{"Editor", " viewer ", 7},
	}, cfg)
	if identity.Subject != "user-1" || identity.Email != "u@example.test" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if len(identity.Roles) != 2 || identity.Roles[0] != "editor" || identity.Roles[1] != "viewer" {
		t.Fatalf("roles=%v", identity.Roles)
	}
}

func TestConfigFromEnvRequiresRunTokenSecret(t *testing.T) {
	t.Setenv("AUTH_MODE", "dev")
	t.Setenv("RUN_TOKEN_SECRET", "")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error without RUN_TOKEN_SECRET")
	}
	t.Setenv("RUN_TOKEN_SECRET", "s")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeDev || len(cfg.DevRoles) != 1 || cfg.DevRoles[0] != "admin" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
