// Package tracker is the execution state store: the single source of truth
// for execution status. It holds no behavior beyond validation and the
// compare-and-set transition; the orchestrator decides what to do on
// Conflict.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/repo"
)

// ErrConflict is returned when the stored status no longer equals the
// caller's from status.
var ErrConflict = repo.ErrConflict

type Tracker struct {
	repo   repo.ExecutionRepository
	logger *slog.Logger
	now    func() time.Time
}

func New(executions repo.ExecutionRepository, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{repo: executions, logger: logger, now: time.Now}
}

func (t *Tracker) Create(ctx context.Context, execution domain.Execution) (domain.Execution, error) {
	execution.Status = domain.StatusQueued
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = t.now().UTC()
	}
	execution.UpdatedAt = execution.CreatedAt
	if err := execution.Validate(); err != nil {
		return domain.Execution{}, domain.Validationf("%v", err)
	}
	if err := t.repo.CreateExecution(ctx, execution); err != nil {
		return domain.Execution{}, fmt.Errorf("create execution: %w", err)
	}
	t.logger.Debug("execution created", "execution_id", execution.ID, "workload", execution.WorkloadName)
	return execution, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (domain.Execution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Execution{}, domain.Validationf("execution id is required")
	}
	execution, err := t.repo.GetExecution(ctx, id)
	if err != nil {
		return domain.Execution{}, mapNotFound(err, id)
	}
	return execution, nil
}

func (t *Tracker) List(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	if filter.Limit < 0 {
		return nil, domain.Validationf("limit must be >= 0")
	}
	return t.repo.ListExecutions(ctx, filter)
}

// Transition moves id from from to to in one conditioned write and appends
// the history entry. A stale from returns ErrConflict and writes nothing.
func (t *Tracker) Transition(ctx context.Context, id string, from, to domain.ExecutionStatus, fields domain.TransitionFields) (domain.Execution, error) {
	if !domain.CanTransition(from, to) {
		return domain.Execution{}, domain.Validationf("transition %s -> %s is not allowed", from, to)
	}
	if fields.At.IsZero() {
		fields.At = t.now().UTC()
	}
	execution, err := t.repo.TransitionExecution(ctx, id, from, to, fields)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Execution{}, err
		}
		return domain.Execution{}, mapNotFound(err, id)
	}
	t.logger.Info("execution transitioned",
		"execution_id", id,
		"from", from,
		"to", to,
		"reason", fields.Reason,
	)
	return execution, nil
}

func (t *Tracker) History(ctx context.Context, id string) ([]domain.Transition, error) {
	history, err := t.repo.ListTransitions(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, mapNotFound(err, id)
	}
	return history, nil
}

func mapNotFound(err error, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: execution %q", domain.ErrNotFound, id)
	}
	return err
}
