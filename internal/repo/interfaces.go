package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
)

// ExecutionRepository persists Execution records and their append-only
// transition history.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution domain.Execution) error
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error)
	// TransitionExecution writes to and fields only if the stored status equals
	// from, and appends one history entry in the same write. It returns
	// ErrConflict when the stored status differs.
	TransitionExecution(ctx context.Context, id string, from, to domain.ExecutionStatus, fields domain.TransitionFields) (domain.Execution, error)
	ListTransitions(ctx context.Context, id string) ([]domain.Transition, error)
}

// CounterUpdate replaces one counter if its stored version still equals
// ExpectedVersion. ExpectedVersion 0 inserts a counter that must not exist.
type CounterUpdate struct {
	Counter         domain.RateLimitCounter
	ExpectedVersion int64
}

// CounterRepository stores versioned rate-limit counters.
type CounterRepository interface {
	// GetCounter returns ErrNotFound for a scope with no record.
	GetCounter(ctx context.Context, scope domain.ScopeKey) (domain.RateLimitCounter, error)
	// ApplyCounters writes all updates or none. Any version mismatch returns ErrConflict.
	ApplyCounters(ctx context.Context, updates []CounterUpdate) error
}

// CredentialRepository stores credential metadata, never the secret.
type CredentialRepository interface {
	CreateCredential(ctx context.Context, credential domain.Credential) error
	GetCredential(ctx context.Context, id string) (domain.Credential, error)
	// GetLiveCredentialForExecution returns ErrNotFound when the execution has no unrevoked credential.
	GetLiveCredentialForExecution(ctx context.Context, executionID string) (domain.Credential, error)
	ListCredentialsForExecution(ctx context.Context, executionID string) ([]domain.Credential, error)
	// MarkRevoked sets revoked_at once. It reports false when revocation was already recorded.
	MarkRevoked(ctx context.Context, id string, at time.Time) (bool, error)
	ListExpiredUnrevoked(ctx context.Context, now time.Time, limit int) ([]domain.Credential, error)
	// ListOrphanedUnrevoked returns unrevoked credentials whose execution is
	// already completed or failed, oldest issuance first.
	ListOrphanedUnrevoked(ctx context.Context, limit int) ([]domain.Credential, error)
}

// Store bundles the repositories one backend provides.
type Store interface {
	Executions() ExecutionRepository
	Counters() CounterRepository
	Credentials() CredentialRepository
	Ping(ctx context.Context) error
	Close() error
}
