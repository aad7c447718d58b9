package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/repo"
)

const credentialColumns = `credential_id, execution_id, principal_id, scope, issued_at, expires_at, revoked_at`

const (
	insertCredentialQuery = `INSERT INTO credentials (` + credentialColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	selectCredentialQuery = `SELECT ` + credentialColumns + ` FROM credentials WHERE credential_id = $1`

	selectLiveCredentialQuery = `SELECT ` + credentialColumns + `
	FROM credentials WHERE execution_id = $1 AND revoked_at IS NULL`

	listCredentialsForExecutionQuery = `SELECT ` + credentialColumns + `
	FROM credentials WHERE execution_id = $1 ORDER BY issued_at ASC`

	// markRevokedQuery never overwrites an earlier revoked_at.
	markRevokedQuery = `UPDATE credentials SET revoked_at = $2 WHERE credential_id = $1 AND revoked_at IS NULL`

	listExpiredUnrevokedQuery = `SELECT ` + credentialColumns + `
	FROM credentials WHERE revoked_at IS NULL AND expires_at <= $1
	ORDER BY expires_at ASC LIMIT $2`

	listOrphanedUnrevokedQuery = `SELECT ` + credentialColumns + `
	FROM credentials WHERE revoked_at IS NULL AND execution_id IN (
		SELECT execution_id FROM executions WHERE status IN ('completed', 'failed')
	)
	ORDER BY issued_at ASC LIMIT $1`
)

type CredentialStore struct {
	db *sql.DB
}

var _ repo.CredentialRepository = (*CredentialStore)(nil)

func (s *CredentialStore) CreateCredential(ctx context.Context, credential domain.Credential) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("credential store not initialized")
	}
	if err := credential.Validate(); err != nil {
		return err
	}
	scope := credential.Scope
	if scope == nil {
		scope = []string{}
	}
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}
	var revokedAt sql.NullTime
	if credential.RevokedAt != nil {
		revokedAt = sql.NullTime{Time: credential.RevokedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, insertCredentialQuery,
		strings.TrimSpace(credential.ID),
		strings.TrimSpace(credential.ExecutionID),
		strings.TrimSpace(credential.PrincipalID),
		scopeJSON,
		credential.IssuedAt.UTC(),
		credential.ExpiresAt.UTC(),
		revokedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: credential for execution %q", repo.ErrAlreadyExists, credential.ExecutionID)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) GetCredential(ctx context.Context, id string) (domain.Credential, error) {
	if s == nil || s.db == nil {
		return domain.Credential{}, fmt.Errorf("credential store not initialized")
	}
	return scanCredential(s.db.QueryRowContext(ctx, selectCredentialQuery, strings.TrimSpace(id)))
}

func (s *CredentialStore) GetLiveCredentialForExecution(ctx context.Context, executionID string) (domain.Credential, error) {
	if s == nil || s.db == nil {
		return domain.Credential{}, fmt.Errorf("credential store not initialized")
	}
	return scanCredential(s.db.QueryRowContext(ctx, selectLiveCredentialQuery, strings.TrimSpace(executionID)))
}

func (s *CredentialStore) ListCredentialsForExecution(ctx context.Context, executionID string) ([]domain.Credential, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("credential store not initialized")
	}
	return s.list(ctx, listCredentialsForExecutionQuery, strings.TrimSpace(executionID))
}

func (s *CredentialStore) MarkRevoked(ctx context.Context, id string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("credential store not initialized")
	}
	res, err := s.db.ExecContext(ctx, markRevokedQuery, strings.TrimSpace(id), at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark revoked: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark revoked: %w", err)
	}
	if rows > 0 {
		return true, nil
	}
	if _, err := s.GetCredential(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *CredentialStore) ListExpiredUnrevoked(ctx context.Context, now time.Time, limit int) ([]domain.Credential, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("credential store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, listExpiredUnrevokedQuery, now.UTC(), limit)
}

func (s *CredentialStore) ListOrphanedUnrevoked(ctx context.Context, limit int) ([]domain.Credential, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("credential store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, listOrphanedUnrevokedQuery, limit)
}

func (s *CredentialStore) list(ctx context.Context, query string, args ...any) ([]domain.Credential, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Credential, 0)
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

func scanCredential(scanner rowScanner) (domain.Credential, error) {
	var credential domain.Credential
	var scopeJSON []byte
	var revokedAt sql.NullTime
	if err := scanner.Scan(
		&credential.ID,
		&credential.ExecutionID,
		&credential.PrincipalID,
		&scopeJSON,
		&credential.IssuedAt,
		&credential.ExpiresAt,
		&revokedAt,
	); err != nil {
		return domain.Credential{}, handleNotFound(err)
	}
	if len(scopeJSON) > 0 {
		if err := json.Unmarshal(scopeJSON, &credential.Scope); err != nil {
			return domain.Credential{}, fmt.Errorf("decode scope: %w", err)
		}
	}
	credential.IssuedAt = credential.IssuedAt.UTC()
	credential.ExpiresAt = credential.ExpiresAt.UTC()
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		credential.RevokedAt = &t
	}
	return credential, nil
}
