package domain

import (
	"errors"
	"strings"
	"time"
)

// Credential is the persisted metadata of one ephemeral identity. The secret
// handed to the workload is never stored.
type Credential struct {
	ID          string
	ExecutionID string
	PrincipalID string
	Scope       []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("credential id is required")
	}
	if strings.TrimSpace(c.ExecutionID) == "" {
		return errors.New("execution id is required")
	}
	if strings.TrimSpace(c.PrincipalID) == "" {
		return errors.New("principal id is required")
	}
	if c.IssuedAt.IsZero() {
		return errors.New("issued_at is required")
	}
	if c.ExpiresAt.IsZero() {
		return errors.New("expires_at is required")
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return errors.New("expires_at must be after issued_at")
	}
	return nil
}

// Live reports whether the credential is neither revoked nor expired at now.
func (c Credential) Live(now time.Time) bool {
	return c.RevokedAt == nil && now.Before(c.ExpiresAt)
}

// Revoked reports whether revocation has been recorded.
func (c Credential) Revoked() bool {
	return c.RevokedAt != nil
}

func (c Credential) Clone() Credential {
	out := c
	out.Scope = append([]string(nil), c.Scope...)
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	return out
}
