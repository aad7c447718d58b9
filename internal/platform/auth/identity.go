package auth

import (
	"context"
	"strings"
)

// Identity is the authenticated caller. Operators carry roles; a workload
// run token carries only the execution it was minted for.
type Identity struct {
	Subject     string
	Email       string
	Roles       []string
	ExecutionID string
}

func (i Identity) IsWorkload() bool {
	return i.ExecutionID != ""
}

// Actor names the caller in execution records and deny logs.
func (i Identity) Actor() string {
	switch {
	case i.IsWorkload():
		return "execution:" + i.ExecutionID
	case strings.TrimSpace(i.Email) != "":
		return strings.TrimSpace(i.Subject) + " <" + strings.TrimSpace(i.Email) + ">"
	default:
		return strings.TrimSpace(i.Subject)
	}
}

type identityKey struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
