package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/repo"
)

const executionColumns = `execution_id, workload_name, workload_class, workload_ref, requested_by, status, duration_ms,
	tags, resource_tag, dispatch_id, credential_id, deadlines, error, created_at, updated_at`

const (
	insertExecutionQuery = `INSERT INTO executions (` + executionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	selectExecutionQuery = `SELECT ` + executionColumns + ` FROM executions WHERE execution_id = $1`

	// transitionExecutionQuery is the compare-and-set write: it only matches
	// while the stored status still equals the caller's from status.
	transitionExecutionQuery = `UPDATE executions SET
		status = $3,
		updated_at = $4,
		error = COALESCE($5, error),
		dispatch_id = COALESCE($6, dispatch_id),
		credential_id = COALESCE($7, credential_id),
		deadlines = COALESCE($8, deadlines)
	WHERE execution_id = $1 AND status = $2
	RETURNING ` + executionColumns

	insertTransitionQuery = `INSERT INTO execution_transitions (execution_id, seq, from_status, to_status, occurred_at, reason, error)
	SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6 FROM execution_transitions WHERE execution_id = $1`

	listTransitionsQuery = `SELECT execution_id, seq, from_status, to_status, occurred_at, reason, error
	FROM execution_transitions WHERE execution_id = $1 ORDER BY seq ASC`

	executionExistsQuery = `SELECT status FROM executions WHERE execution_id = $1`
)

type ExecutionStore struct {
	db *sql.DB
}

var _ repo.ExecutionRepository = (*ExecutionStore)(nil)

func (s *ExecutionStore) CreateExecution(ctx context.Context, execution domain.Execution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	if err := execution.Validate(); err != nil {
		return err
	}
	tagsJSON, err := encodeJSON(execution.Tags, "{}")
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	deadlinesJSON, err := json.Marshal(execution.Deadlines)
	if err != nil {
		return fmt.Errorf("encode deadlines: %w", err)
	}
	errorJSON, err := encodeExecutionError(execution.Error)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	createdAt := normalizeTime(execution.CreatedAt)
	_, err = s.db.ExecContext(
		ctx,
		insertExecutionQuery,
		strings.TrimSpace(execution.ID),
		strings.TrimSpace(execution.WorkloadName),
		strings.TrimSpace(execution.WorkloadClass),
		strings.TrimSpace(execution.WorkloadRef),
		strings.TrimSpace(execution.RequestedBy),
		string(execution.Status),
		execution.Duration.Milliseconds(),
		tagsJSON,
		strings.TrimSpace(execution.ResourceTag),
		nullIfEmpty(execution.DispatchID),
		nullIfEmpty(execution.CredentialID),
		deadlinesJSON,
		errorJSON,
		createdAt,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: execution %q", repo.ErrAlreadyExists, execution.ID)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, fmt.Errorf("execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Execution{}, fmt.Errorf("execution id is required")
	}
	return scanExecution(s.db.QueryRowContext(ctx, selectExecutionQuery, id))
}

func (s *ExecutionStore) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("execution store not initialized")
	}
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if strings.TrimSpace(filter.RequestedBy) != "" {
		args = append(args, strings.TrimSpace(filter.RequestedBy))
		clauses = append(clauses, fmt.Sprintf("requested_by = $%d", len(args)))
	}
	if strings.TrimSpace(filter.WorkloadName) != "" {
		args = append(args, strings.TrimSpace(filter.WorkloadName))
		clauses = append(clauses, fmt.Sprintf("workload_name = $%d", len(args)))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, execution_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Execution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func (s *ExecutionStore) TransitionExecution(ctx context.Context, id string, from, to domain.ExecutionStatus, fields domain.TransitionFields) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, fmt.Errorf("execution store not initialized")
	}
	if !domain.CanTransition(from, to) {
		return domain.Execution{}, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	at := normalizeTime(fields.At)
	errorJSON, err := encodeExecutionError(fields.Error)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("encode error: %w", err)
	}
	var deadlinesJSON []byte
	if fields.Deadlines != nil {
		deadlinesJSON, err = json.Marshal(fields.Deadlines)
		if err != nil {
			return domain.Execution{}, fmt.Errorf("encode deadlines: %w", err)
		}
	}

	var updated domain.Execution
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, transitionExecutionQuery,
			id,
			string(from),
			string(to),
			at,
			errorJSON,
			nullIfEmpty(fields.DispatchID),
			nullIfEmpty(fields.CredentialID),
			deadlinesJSON,
		)
		execution, err := scanExecution(row)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("transition execution: %w", err)
			}
			var current string
			if err := tx.QueryRowContext(ctx, executionExistsQuery, id).Scan(&current); err != nil {
				return handleNotFound(err)
			}
			return fmt.Errorf("%w: execution %q is %s, expected %s", repo.ErrConflict, id, current, from)
		}
		if _, err := tx.ExecContext(ctx, insertTransitionQuery, id, string(from), string(to), at, nullIfEmpty(fields.Reason), errorJSON); err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
		updated = execution
		return nil
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return updated, nil
}

func (s *ExecutionStore) ListTransitions(ctx context.Context, id string) ([]domain.Transition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("execution store not initialized")
	}
	var status string
	if err := s.db.QueryRowContext(ctx, executionExistsQuery, id).Scan(&status); err != nil {
		return nil, handleNotFound(err)
	}
	rows, err := s.db.QueryContext(ctx, listTransitionsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Transition, 0)
	for rows.Next() {
		var entry domain.Transition
		var from, to string
		var reason sql.NullString
		var errorJSON []byte
		if err := rows.Scan(&entry.ExecutionID, &entry.Seq, &from, &to, &entry.At, &reason, &errorJSON); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		entry.From = domain.NormalizeStatus(from)
		entry.To = domain.NormalizeStatus(to)
		entry.At = entry.At.UTC()
		entry.Reason = reason.String
		entry.Error, err = decodeExecutionError(errorJSON)
		if err != nil {
			return nil, fmt.Errorf("decode transition error: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(scanner rowScanner) (domain.Execution, error) {
	var execution domain.Execution
	var status string
	var durationMs int64
	var tagsJSON, deadlinesJSON, errorJSON []byte
	var dispatchID, credentialID sql.NullString
	if err := scanner.Scan(
		&execution.ID,
		&execution.WorkloadName,
		&execution.WorkloadClass,
		&execution.WorkloadRef,
		&execution.RequestedBy,
		&status,
		&durationMs,
		&tagsJSON,
		&execution.ResourceTag,
		&dispatchID,
		&credentialID,
		&deadlinesJSON,
		&errorJSON,
		&execution.CreatedAt,
		&execution.UpdatedAt,
	); err != nil {
		return domain.Execution{}, handleNotFound(err)
	}
	execution.Status = domain.NormalizeStatus(status)
	execution.Duration = time.Duration(durationMs) * time.Millisecond
	execution.DispatchID = dispatchID.String
	execution.CredentialID = credentialID.String
	execution.CreatedAt = execution.CreatedAt.UTC()
	execution.UpdatedAt = execution.UpdatedAt.UTC()
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &execution.Tags); err != nil {
			return domain.Execution{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(deadlinesJSON) > 0 {
		if err := json.Unmarshal(deadlinesJSON, &execution.Deadlines); err != nil {
			return domain.Execution{}, fmt.Errorf("decode deadlines: %w", err)
		}
	}
	var err error
	execution.Error, err = decodeExecutionError(errorJSON)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("decode error: %w", err)
	}
	return execution, nil
}

func encodeJSON(value map[string]string, empty string) ([]byte, error) {
	if len(value) == 0 {
		return []byte(empty), nil
	}
	return json.Marshal(value)
}

func encodeExecutionError(value *domain.ExecutionError) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func decodeExecutionError(raw []byte) (*domain.ExecutionError, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out domain.ExecutionError
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
