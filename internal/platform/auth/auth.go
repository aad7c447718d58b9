// Package auth authenticates API callers. Operators present an OIDC ID token;
// dispatched workloads present the run token minted with their credential.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/animus-labs/rangekeeper/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	DevSubject string
	DevEmail   string
	DevRoles   []string

	RunTokenSecret string
}

func ConfigFromEnv() (Config, error) {
	mode, err := parseMode(env.String("AUTH_MODE", string(ModeOIDC)))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:           mode,
		RolesClaim:     env.String("AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:     env.String("AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL:  env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:   env.String("OIDC_CLIENT_ID", ""),
		DevSubject:     env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:       env.String("DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:       normalizeRoles(env.CSV("DEV_AUTH_ROLES", []string{RoleAdmin})),
		RunTokenSecret: env.String("RUN_TOKEN_SECRET", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseMode(raw string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ModeOIDC, ModeDev, ModeDisabled:
		return mode, nil
	default:
		return "", fmt.Errorf("AUTH_MODE must be one of: oidc, dev, disabled (got %q)", raw)
	}
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.RunTokenSecret) == "":
		return errors.New("RUN_TOKEN_SECRET is required")
	case c.Mode == ModeDisabled:
		return nil
	case c.Mode == ModeDev && strings.TrimSpace(c.DevSubject) == "":
		return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=dev")
	case c.Mode == ModeDev && len(c.DevRoles) == 0:
		return errors.New("DEV_AUTH_ROLES must name at least one of viewer, editor, admin when AUTH_MODE=dev")
	case c.Mode == ModeDev:
		return nil
	case c.Mode != ModeOIDC:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	case strings.TrimSpace(c.OIDCIssuerURL) == "":
		return errors.New("OIDC_ISSUER_URL is required when AUTH_MODE=oidc")
	case strings.TrimSpace(c.OIDCClientID) == "":
		return errors.New("OIDC_CLIENT_ID is required when AUTH_MODE=oidc")
	case strings.TrimSpace(c.RolesClaim) == "":
		return errors.New("AUTH_ROLES_CLAIM is required when AUTH_MODE=oidc")
	case strings.TrimSpace(c.EmailClaim) == "":
		return errors.New("AUTH_EMAIL_CLAIM is required when AUTH_MODE=oidc")
	}
	return nil
}

// DevAuthenticator returns one fixed identity for every request.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{identity: Identity{
		Subject: cfg.DevSubject,
		Email:   cfg.DevEmail,
		Roles:   cfg.DevRoles,
	}}
}

func (a *DevAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return a.identity, nil
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// normalizeRoles lowercases and dedupes operator roles. The workload role is
// dropped: only a verified run token may carry it.
func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" || role == RoleWorkload || slices.Contains(out, role) {
			continue
		}
		out = append(out, role)
	}
	return out
}
