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

const executionColumns = `execution_id, workload_name, workload_class, workload_ref, requested_by, status,
	duration_ms, tags, resource_tag, dispatch_id, credential_id, deadlines, error, created_at, updated_at`

const (
	insertExecutionQuery = `INSERT INTO executions (` + executionColumns + `)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	selectExecutionQuery = `SELECT ` + executionColumns + ` FROM executions WHERE execution_id = ?`

	selectStatusQuery = `SELECT status FROM executions WHERE execution_id = ?`

	transitionExecutionQuery = `UPDATE executions SET
		status = ?3,
		updated_at = ?4,
		error = COALESCE(?5, error),
		dispatch_id = COALESCE(?6, dispatch_id),
		credential_id = COALESCE(?7, credential_id),
		deadlines = COALESCE(?8, deadlines)
	WHERE execution_id = ?1 AND status = ?2`

	insertTransitionQuery = `INSERT INTO execution_transitions (execution_id, seq, from_status, to_status, occurred_at, reason, error)
	SELECT ?1, COALESCE(MAX(seq), 0) + 1, ?2, ?3, ?4, ?5, ?6 FROM execution_transitions WHERE execution_id = ?1`

	listTransitionsQuery = `SELECT execution_id, seq, from_status, to_status, occurred_at, reason, error
	FROM execution_transitions WHERE execution_id = ? ORDER BY seq ASC`
)

type ExecutionStore struct {
	pool *sqlitepool.Pool
}

var _ repo.ExecutionRepository = (*ExecutionStore)(nil)

func (s *ExecutionStore) CreateExecution(ctx context.Context, execution domain.Execution) error {
	if err := execution.Validate(); err != nil {
		return err
	}
	tags, err := json.Marshal(nonNilTags(execution.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	deadlines, err := json.Marshal(execution.Deadlines)
	if err != nil {
		return fmt.Errorf("encode deadlines: %w", err)
	}
	errorText, err := encodeExecutionError(execution.Error)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	createdAt := toUnix(execution.CreatedAt)

	return withWrite(ctx, s.pool, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, insertExecutionQuery, &sqlitex.ExecOptions{
			Args: []any{
				strings.TrimSpace(execution.ID),
				strings.TrimSpace(execution.WorkloadName),
				strings.TrimSpace(execution.WorkloadClass),
				strings.TrimSpace(execution.WorkloadRef),
				strings.TrimSpace(execution.RequestedBy),
				string(execution.Status),
				execution.Duration.Milliseconds(),
				string(tags),
				strings.TrimSpace(execution.ResourceTag),
				nullableText(execution.DispatchID),
				nullableText(execution.CredentialID),
				string(deadlines),
				errorText,
				createdAt,
				createdAt,
			},
		})
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: execution %q", repo.ErrAlreadyExists, execution.ID)
			}
			return fmt.Errorf("insert execution: %w", err)
		}
		return nil
	})
}

func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	var out domain.Execution
	err := withConn(ctx, s.pool, func(conn *sqlite.Conn) error {
		var err error
		out, err = getExecution(conn, strings.TrimSpace(id))
		return err
	})
	return out, err
}

func (s *ExecutionStore) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			marks = append(marks, "?")
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if v := strings.TrimSpace(filter.RequestedBy); v != "" {
		clauses = append(clauses, "requested_by = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.WorkloadName); v != "" {
		clauses = append(clauses, "workload_name = ?")
		args = append(args, v)
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, execution_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	out := make([]domain.Execution, 0)
	err := withConn(ctx, s.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				execution, err := readExecution(stmt)
				if err != nil {
					return err
				}
				out = append(out, execution)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func (s *ExecutionStore) TransitionExecution(ctx context.Context, id string, from, to domain.ExecutionStatus, fields domain.TransitionFields) (domain.Execution, error) {
	if !domain.CanTransition(from, to) {
		return domain.Execution{}, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	at := toUnix(fields.At)
	errorText, err := encodeExecutionError(fields.Error)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("encode error: %w", err)
	}
	var deadlines any
	if fields.Deadlines != nil {
		raw, err := json.Marshal(fields.Deadlines)
		if err != nil {
			return domain.Execution{}, fmt.Errorf("encode deadlines: %w", err)
		}
		deadlines = string(raw)
	}

	var updated domain.Execution
	err = withWrite(ctx, s.pool, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, transitionExecutionQuery, &sqlitex.ExecOptions{
			Args: []any{
				id,
				string(from),
				string(to),
				at,
				errorText,
				nullableText(fields.DispatchID),
				nullableText(fields.CredentialID),
				deadlines,
			},
		})
		if err != nil {
			return fmt.Errorf("transition execution: %w", err)
		}
		if conn.Changes() == 0 {
			current, err := currentStatus(conn, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: execution %q is %s, expected %s", repo.ErrConflict, id, current, from)
		}
		err = sqlitex.Execute(conn, insertTransitionQuery, &sqlitex.ExecOptions{
			Args: []any{id, string(from), string(to), at, nullableText(fields.Reason), errorText},
		})
		if err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
		updated, err = getExecution(conn, id)
		return err
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return updated, nil
}

func (s *ExecutionStore) ListTransitions(ctx context.Context, id string) ([]domain.Transition, error) {
	out := make([]domain.Transition, 0)
	err := withConn(ctx, s.pool, func(conn *sqlite.Conn) error {
		if _, err := currentStatus(conn, id); err != nil {
			return err
		}
		return sqlitex.Execute(conn, listTransitionsQuery, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry := domain.Transition{
					ExecutionID: stmt.ColumnText(0),
					Seq:         stmt.ColumnInt64(1),
					From:        domain.NormalizeStatus(stmt.ColumnText(2)),
					To:          domain.NormalizeStatus(stmt.ColumnText(3)),
					At:          fromUnix(stmt.ColumnInt64(4)),
					Reason:      columnOptionalText(stmt, 5),
				}
				var err error
				entry.Error, err = decodeExecutionError(stmt, 6)
				if err != nil {
					return fmt.Errorf("decode transition error: %w", err)
				}
				out = append(out, entry)
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func currentStatus(conn *sqlite.Conn, id string) (string, error) {
	var status string
	found := false
	err := sqlitex.Execute(conn, selectStatusQuery, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			status = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", repo.ErrNotFound
	}
	return status, nil
}

func getExecution(conn *sqlite.Conn, id string) (domain.Execution, error) {
	var out domain.Execution
	found := false
	err := sqlitex.Execute(conn, selectExecutionQuery, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			out, err = readExecution(stmt)
			found = err == nil
			return err
		},
	})
	if err != nil {
		return domain.Execution{}, err
	}
	if !found {
		return domain.Execution{}, repo.ErrNotFound
	}
	return out, nil
}

func readExecution(stmt *sqlite.Stmt) (domain.Execution, error) {
	execution := domain.Execution{
		ID:            stmt.ColumnText(0),
		WorkloadName:  stmt.ColumnText(1),
		WorkloadClass: stmt.ColumnText(2),
		WorkloadRef:   stmt.ColumnText(3),
		RequestedBy:   stmt.ColumnText(4),
		Status:        domain.NormalizeStatus(stmt.ColumnText(5)),
		Duration:      time.Duration(stmt.ColumnInt64(6)) * time.Millisecond,
		ResourceTag:   stmt.ColumnText(8),
		DispatchID:    columnOptionalText(stmt, 9),
		CredentialID:  columnOptionalText(stmt, 10),
		CreatedAt:     fromUnix(stmt.ColumnInt64(13)),
		UpdatedAt:     fromUnix(stmt.ColumnInt64(14)),
	}
	if raw := stmt.ColumnText(7); raw != "" {
		if err := json.Unmarshal([]byte(raw), &execution.Tags); err != nil {
			return domain.Execution{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	if raw := stmt.ColumnText(11); raw != "" {
		if err := json.Unmarshal([]byte(raw), &execution.Deadlines); err != nil {
			return domain.Execution{}, fmt.Errorf("decode deadlines: %w", err)
		}
	}
	var err error
	execution.Error, err = decodeExecutionError(stmt, 12)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("decode error: %w", err)
	}
	return execution, nil
}

func nonNilTags(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}
