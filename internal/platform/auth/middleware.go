package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

// Middleware authenticates every request outside SkipPrefixes, applies
// Authorize, and stores the identity in the request context.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.deny(w, r, http.StatusUnauthorized, reason, err)
			return
		}
		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, http.StatusForbidden, "forbidden", err, slog.String("actor", identity.Actor()))
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) skip(path string) bool {
	return slices.ContainsFunc(m.SkipPrefixes, func(prefix string) bool {
		return strings.HasPrefix(path, prefix)
	})
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, status int, reason string, err error, attrs ...slog.Attr) {
	requestID := r.Header.Get("X-Request-Id")
	if m.Logger != nil {
		attrs = append([]slog.Attr{
			slog.String("reason", reason),
			slog.Int("status", status),
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		}, attrs...)
		m.Logger.LogAttrs(r.Context(), slog.LevelWarn, "auth deny", attrs...)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      reason,
		"request_id": requestID,
	})
}

// RoleAuthorizer checks the caller's roles against RequiredRoleForRequest.
func RoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if HasAtLeast(identity.Roles, RequiredRoleForRequest(r)) {
			return nil
		}
		return ErrForbidden
	}
}
