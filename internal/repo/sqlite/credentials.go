package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/sqlitepool"
	"github.com/animus-labs/rangekeeper/internal/repo"
)

const credentialColumns = `credential_id, execution_id, principal_id, scope, issued_at, expires_at, revoked_at`

const (
	insertCredentialQuery = `INSERT INTO credentials (` + credentialColumns + `) VALUES (?,?,?,?,?,?,?)`

	selectCredentialQuery = `SELECT ` + credentialColumns + ` FROM credentials WHERE credential_id = ?`

	selectLiveCredentialQuery = `SELECT ` + credentialColumns + ` FROM credentials
	WHERE execution_id = ? AND revoked_at IS NULL`

	listCredentialsForExecutionQuery = `SELECT ` + credentialColumns + ` FROM credentials
	WHERE execution_id = ? ORDER BY issued_at ASC`

	markRevokedQuery = `UPDATE credentials SET revoked_at = ?2 WHERE credential_id = ?1 AND revoked_at IS NULL`

	listExpiredUnrevokedQuery = `SELECT ` + credentialColumns + ` FROM credentials
	WHERE revoked_at IS NULL AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?`

	listOrphanedUnrevokedQuery = `SELECT ` + credentialColumns + ` FROM credentials
	WHERE revoked_at IS NULL AND execution_id IN (
		SELECT execution_id FROM executions WHERE status IN ('completed', 'failed')
	)
	ORDER BY issued_at ASC LIMIT ?`
)

type CredentialStore struct {
	pool *sqlitepool.Pool
}

var _ repo.CredentialRepository = (*CredentialStore)(nil)

func (s *CredentialStore) CreateCredential(ctx context.Context, credential domain.Credential) error {
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
	var revokedAt any
	if credential.RevokedAt != nil {
		revokedAt = toUnix(*credential.RevokedAt)
	}
	return withWrite(ctx, s.pool, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, insertCredentialQuery, &sqlitex.ExecOptions{
			Args: []any{
				strings.TrimSpace(credential.ID),
				strings.TrimSpace(credential.ExecutionID),
				strings.TrimSpace(credential.PrincipalID),
				string(scopeJSON),
				toUnix(credential.IssuedAt),
				toUnix(credential.ExpiresAt),
				revokedAt,
			},
		})
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: credential for execution %q", repo.ErrAlreadyExists, credential.ExecutionID)
			}
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	})
}

func (s *CredentialStore) GetCredential(ctx context.Context, id string) (domain.Credential, error) {
	return s.getOne(ctx, selectCredentialQuery, strings.TrimSpace(id))
}

func (s *CredentialStore) GetLiveCredentialForExecution(ctx context.Context, executionID string) (domain.Credential, error) {
	return s.getOne(ctx, selectLiveCredentialQuery, strings.TrimSpace(executionID))
}

func (s *CredentialStore) ListCredentialsForExecution(ctx context.Context, executionID string) ([]domain.Credential, error) {
	return s.list(ctx, listCredentialsForExecutionQuery, strings.TrimSpace(executionID))
}

func (s *CredentialStore) MarkRevoked(ctx context.Context, id string, at time.Time) (bool, error) {
	id = strings.TrimSpace(id)
	var changed bool
	err := withWrite(ctx, s.pool, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, markRevokedQuery, &sqlitex.ExecOptions{
			Args: []any{id, toUnix(at)},
		}); err != nil {
			return fmt.Errorf("mark revoked: %w", err)
		}
		if conn.Changes() > 0 {
			changed = true
			return nil
		}
		found := false
		err := sqlitex.Execute(conn, "SELECT 1 FROM credentials WHERE credential_id = ?", &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
		if err != nil {
			return err
		}
		if !found {
			return repo.ErrNotFound
		}
		return nil
	})
	return changed, err
}

func (s *CredentialStore) ListExpiredUnrevoked(ctx context.Context, now time.Time, limit int) ([]domain.Credential, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, listExpiredUnrevokedQuery, toUnix(now), limit)
}

func (s *CredentialStore) ListOrphanedUnrevoked(ctx context.Context, limit int) ([]domain.Credential, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, listOrphanedUnrevokedQuery, limit)
}

func (s *CredentialStore) getOne(ctx context.Context, query string, arg string) (domain.Credential, error) {
	items, err := s.list(ctx, query, arg)
	if err != nil {
		return domain.Credential{}, err
	}
	if len(items) == 0 {
		return domain.Credential{}, repo.ErrNotFound
	}
	return items[0], nil
}

func (s *CredentialStore) list(ctx context.Context, query string, args ...any) ([]domain.Credential, error) {
	out := make([]domain.Credential, 0)
	err := withConn(ctx, s.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				credential := domain.Credential{
					ID:          stmt.ColumnText(0),
					ExecutionID: stmt.ColumnText(1),
					PrincipalID: stmt.ColumnText(2),
					IssuedAt:    fromUnix(stmt.ColumnInt64(4)),
					ExpiresAt:   fromUnix(stmt.ColumnInt64(5)),
				}
				if raw := stmt.ColumnText(3); raw != "" {
					if err := json.Unmarshal([]byte(raw), &credential.Scope); err != nil {
						return fmt.Errorf("decode scope: %w", err)
					}
				}
				if !stmt.ColumnIsNull(6) {
					revokedAt := fromUnix(stmt.ColumnInt64(6))
					credential.RevokedAt = &revokedAt
				}
				out = append(out, credential)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	return out, nil
}
