// Package credentials issues and revokes the ephemeral identity each
// execution runs under. Every credential carries a hard expiry set at
// issuance; a background sweep revokes anything past it regardless of the
// owning execution's state, and retries any revoke that teardown left undone.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/auth"
	"github.com/animus-labs/rangekeeper/internal/platform/controlplane"
	"github.com/animus-labs/rangekeeper/internal/platform/env"
	"github.com/animus-labs/rangekeeper/internal/repo"
	"github.com/animus-labs/rangekeeper/internal/retry"
)

var ErrLiveCredentialExists = errors.New("execution already holds a live credential")

// IdentityProvider is the control-plane surface the manager drives.
type IdentityProvider interface {
	CreateIdentity(ctx context.Context, name string, labels map[string]string) (controlplane.Identity, error)
	AssignScope(ctx context.Context, principalID string, permissions []string) error
	DeleteIdentity(ctx context.Context, principalID string) error
}

type Config struct {
	PropagationDelay time.Duration
	MaxLifetime      time.Duration
	SweepInterval    time.Duration
	SweepBatch       int
	RunTokenSecret   string
}

func ConfigFromEnv() (Config, error) {
	delay, err := env.Duration("CREDENTIAL_PROPAGATION_DELAY", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	lifetime, err := env.Duration("CREDENTIAL_MAX_LIFETIME", 12*time.Hour)
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("CREDENTIAL_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return Config{}, err
	}
	batch, err := env.Int("CREDENTIAL_SWEEP_BATCH", 100)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		PropagationDelay: delay,
		MaxLifetime:      lifetime,
		SweepInterval:    interval,
		SweepBatch:       batch,
		RunTokenSecret:   env.String("RUN_TOKEN_SECRET", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.PropagationDelay < 0:
		return errors.New("CREDENTIAL_PROPAGATION_DELAY must be >= 0")
	case c.MaxLifetime <= 0:
		return errors.New("CREDENTIAL_MAX_LIFETIME must be positive")
	case c.SweepInterval <= 0:
		return errors.New("CREDENTIAL_SWEEP_INTERVAL must be positive")
	case c.SweepBatch < 1:
		return errors.New("CREDENTIAL_SWEEP_BATCH must be >= 1")
	case strings.TrimSpace(c.RunTokenSecret) == "":
		return errors.New("RUN_TOKEN_SECRET is required")
	}
	return nil
}

// Issued is what the workload receives. Secret and RunToken are returned
// once and never persisted.
type Issued struct {
	Credential domain.Credential
	Secret     string
	RunToken   string
}

type Manager struct {
	store    repo.CredentialRepository
	provider IdentityProvider
	cfg      Config
	retry    retry.Policy
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewManager(store repo.CredentialRepository, provider IdentityProvider, cfg Config, policy retry.Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:    store,
		provider: provider,
		cfg:      cfg,
		retry:    policy,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Issue creates the identity, records its metadata, grants scope and waits
// out the propagation delay. expires_at is issued_at + MaxLifetime.
func (m *Manager) Issue(ctx context.Context, executionID string, scope []string) (Issued, error) {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return Issued{}, domain.Validationf("execution id is required")
	}
	if _, err := m.store.GetLiveCredentialForExecution(ctx, executionID); err == nil {
		return Issued{}, fmt.Errorf("%w: %s", ErrLiveCredentialExists, executionID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Issued{}, fmt.Errorf("lookup live credential: %w", err)
	}

	credentialID := uuid.NewString()
	identity, err := retry.Value(ctx, m.logger, "create identity", m.retry, func(ctx context.Context) (controlplane.Identity, error) {
		return m.provider.CreateIdentity(ctx, "rk-"+credentialID, map[string]string{
			"rangekeeper/execution-id":  executionID,
			"rangekeeper/credential-id": credentialID,
		})
	})
	if err != nil {
		return Issued{}, fmt.Errorf("issue credential: %w", err)
	}

	issuedAt := m.now().UTC()
	credential := domain.Credential{
		ID:          credentialID,
		ExecutionID: executionID,
		PrincipalID: identity.PrincipalID,
		Scope:       append([]string(nil), scope...),
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt.Add(m.cfg.MaxLifetime),
	}
	if err := m.store.CreateCredential(ctx, credential); err != nil {
		m.discardIdentity(identity.PrincipalID, executionID)
		if errors.Is(err, repo.ErrAlreadyExists) {
			return Issued{}, fmt.Errorf("%w: %s", ErrLiveCredentialExists, executionID)
		}
		return Issued{}, fmt.Errorf("record credential: %w", err)
	}

	err = retry.Do(ctx, m.logger, "assign scope", m.retry, func(ctx context.Context) error {
		return m.provider.AssignScope(ctx, identity.PrincipalID, credential.Scope)
	})
	if err != nil {
		if revokeErr := m.Revoke(context.WithoutCancel(ctx), credentialID); revokeErr != nil {
			m.logger.Error("revoke after failed scope grant", "credential_id", credentialID, "execution_id", executionID, "error", revokeErr)
		}
		return Issued{}, fmt.Errorf("issue credential: %w", err)
	}

	if err := m.sleep(ctx, m.cfg.PropagationDelay); err != nil {
		if revokeErr := m.Revoke(context.WithoutCancel(ctx), credentialID); revokeErr != nil {
			m.logger.Error("revoke after cancelled issue", "credential_id", credentialID, "execution_id", executionID, "error", revokeErr)
		}
		return Issued{}, err
	}

	runToken, err := auth.GenerateRunToken(m.cfg.RunTokenSecret, auth.RunTokenClaims{
		ExecutionID:   executionID,
		ExpiresAtUnix: credential.ExpiresAt.Unix(),
	}, issuedAt)
	if err != nil {
		return Issued{}, fmt.Errorf("mint run token: %w", err)
	}

	m.logger.Info("credential issued",
		"credential_id", credentialID,
		"execution_id", executionID,
		"principal_id", identity.PrincipalID,
		"expires_at", credential.ExpiresAt,
	)
	return Issued{Credential: credential, Secret: identity.Secret, RunToken: runToken}, nil
}

// Revoke deletes the identity and records revoked_at once. Unknown and
// already-revoked credentials return nil.
func (m *Manager) Revoke(ctx context.Context, credentialID string) error {
	credential, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("revoke %s: %w", credentialID, err)
	}
	if credential.Revoked() {
		return nil
	}

	err = retry.Do(ctx, m.logger, "delete identity", m.retry, func(ctx context.Context) error {
		return m.provider.DeleteIdentity(ctx, credential.PrincipalID)
	})
	if err != nil {
		return fmt.Errorf("revoke %s: %w", credentialID, err)
	}

	changed, err := m.store.MarkRevoked(ctx, credentialID, m.now().UTC())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("revoke %s: %w", credentialID, err)
	}
	if changed {
		m.logger.Info("credential revoked", "credential_id", credentialID, "execution_id", credential.ExecutionID)
	}
	return nil
}

// RevokeForExecution revokes every unrevoked credential of executionID.
func (m *Manager) RevokeForExecution(ctx context.Context, executionID string) error {
	credentials, err := m.store.ListCredentialsForExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("list credentials for %s: %w", executionID, err)
	}
	var errs []error
	for _, credential := range credentials {
		if credential.Revoked() {
			continue
		}
		if err := m.Revoke(ctx, credential.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep revokes up to one batch of expired credentials and one batch of
// credentials whose execution already finished without a recorded revoke.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpiredUnrevoked(ctx, m.now().UTC(), m.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired credentials: %w", err)
	}
	orphaned, err := m.store.ListOrphanedUnrevoked(ctx, m.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list orphaned credentials: %w", err)
	}

	revoked := 0
	seen := make(map[string]bool, len(expired)+len(orphaned))
	var errs []error
	sweep := func(credential domain.Credential, reason string) {
		if seen[credential.ID] {
			return
		}
		seen[credential.ID] = true
		if err := m.Revoke(ctx, credential.ID); err != nil {
			errs = append(errs, err)
			return
		}
		revoked++
		m.logger.Warn("credential revoked by sweep",
			"credential_id", credential.ID,
			"execution_id", credential.ExecutionID,
			"reason", reason,
			"expires_at", credential.ExpiresAt,
		)
	}
	for _, credential := range expired {
		sweep(credential, "expired")
	}
	for _, credential := range orphaned {
		sweep(credential, "execution finished")
	}
	return revoked, errors.Join(errs...)
}

// Run sweeps every SweepInterval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("credential sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) discardIdentity(principalID, executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.provider.DeleteIdentity(ctx, principalID); err != nil {
		m.logger.Error("delete unrecorded identity", "principal_id", principalID, "execution_id", executionID, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
