package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCAuthenticator verifies bearer ID tokens against the issuer's keys.
type OIDCAuthenticator struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return &OIDCAuthenticator{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
	}, nil
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}
	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	return identityFromClaims(claims, a.cfg), nil
}

func identityFromClaims(claims map[string]any, cfg Config) Identity {
	subject, _ := claims["sub"].(string)
	email, _ := claims[cfg.EmailClaim].(string)
	return Identity{
		Subject: strings.TrimSpace(subject),
		Email:   email,
		Roles:   extractRolesClaim(claims, cfg.RolesClaim),
	}
}

func extractRolesClaim(claims map[string]any, key string) []string {
	switch typed := claims[key].(type) {
	case []any:
		roles := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return normalizeRoles(roles)
	case []string:
		return normalizeRoles(typed)
	case string:
		return normalizeRoles(strings.Split(typed, ","))
	default:
		return nil
	}
}
