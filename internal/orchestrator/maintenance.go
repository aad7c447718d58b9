package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/reconcile"
)

// Run expires stale queued executions and adopts orphaned ones every
// MaintenanceInterval until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.maintain(ctx)
		}
	}
}

func (c *Coordinator) maintain(ctx context.Context) {
	expired, err := c.ExpireQueued(ctx)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("queue expiry failed", "error", err)
	}
	if expired > 0 {
		c.logger.Info("expired queued executions", "count", expired)
	}
	if _, err := c.Recover(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("recovery pass failed", "error", err)
	}
}

// Recover starts a driver for every non-terminal, admitted execution that
// has none: provisioning ones tear down as interrupted, operating ones
// resume monitoring and tearing_down ones resume teardown.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	executions, err := c.tracker.List(ctx, domain.ExecutionFilter{
		Statuses: []domain.ExecutionStatus{
			domain.StatusProvisioning,
			domain.StatusOperating,
			domain.StatusTearingDown,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished executions: %w", err)
	}
	resumed := 0
	for _, execution := range executions {
		if c.lookup(execution.ID) != nil {
			continue
		}
		if c.adopt(execution) {
			resumed++
			c.logger.Info("resuming execution", "execution_id", execution.ID, "status", execution.Status)
		}
	}
	return resumed, nil
}

// ExpireQueued fails every queued execution past its queue deadline.
func (c *Coordinator) ExpireQueued(ctx context.Context) (int, error) {
	queued, err := c.tracker.List(ctx, domain.ExecutionFilter{Status: domain.StatusQueued})
	if err != nil {
		return 0, fmt.Errorf("list queued executions: %w", err)
	}
	expired := 0
	for _, execution := range queued {
		if !c.queueExpired(execution) {
			continue
		}
		if _, err := c.expireQueued(ctx, execution); err != nil {
			c.logger.Warn("expire queued execution failed", "execution_id", execution.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (c *Coordinator) queueExpired(execution domain.Execution) bool {
	return execution.Status == domain.StatusQueued &&
		!execution.Deadlines.Queued.IsZero() &&
		!c.now().Before(execution.Deadlines.Queued)
}

func (c *Coordinator) expireQueued(ctx context.Context, execution domain.Execution) (domain.Execution, error) {
	cause := fmt.Errorf("%w: not admitted before queue deadline %s", domain.ErrThrottled, execution.Deadlines.Queued.UTC().Format(time.RFC3339))
	failed, wrote, err := c.write(ctx, execution, domain.StatusFailed, domain.TransitionFields{
		Reason: "queue deadline exceeded",
		Error:  domain.NewExecutionError(cause),
	})
	if err != nil {
		return failed, err
	}
	if wrote {
		c.events.Publish(execution.ID, slog.LevelWarn, "queue deadline exceeded")
		c.finish(ctx, failed, reconcile.Result{Reconciled: true}, true)
	}
	return failed, nil
}
