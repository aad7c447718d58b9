package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/animus-labs/rangekeeper/internal/dispatch"
	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/reconcile"
	"github.com/animus-labs/rangekeeper/internal/retry"
	"github.com/animus-labs/rangekeeper/internal/tracker"
)

// errSuperseded stops a driver whose execution was advanced by another writer.
var errSuperseded = errors.New("execution advanced by another writer")

type run struct {
	once     sync.Once
	complete chan struct{}
}

func (r *run) signal() {
	r.once.Do(func() { close(r.complete) })
}

func (c *Coordinator) lookup(id string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[id]
}

// launch starts a driver for execution unless one is already running.
// workload is nil for resumed executions.
func (c *Coordinator) launch(execution domain.Execution, workload *domain.WorkloadSpec) bool {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.active[execution.ID]; ok {
		c.mu.Unlock()
		return false
	}
	r := &run{complete: make(chan struct{})}
	c.active[execution.ID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, execution.ID)
			c.mu.Unlock()
		}()
		defer func() {
			if p := recover(); p != nil {
				c.logger.Error("execution driver panicked",
					"execution_id", execution.ID,
					"panic", fmt.Sprint(p),
					"stack", string(debug.Stack()),
				)
			}
		}()
		c.drive(r, execution, workload)
	}()
	return true
}

// adopt resumes an execution no driver in this process owns.
func (c *Coordinator) adopt(execution domain.Execution) bool {
	switch execution.Status {
	case domain.StatusProvisioning, domain.StatusOperating, domain.StatusTearingDown:
		return c.launch(execution, nil)
	default:
		return false
	}
}

func (c *Coordinator) drive(r *run, execution domain.Execution, workload *domain.WorkloadSpec) {
	ctx := c.ctx
	logger := c.logger.With("execution_id", execution.ID)
	var err error

	if execution.Status == domain.StatusProvisioning {
		if workload == nil {
			execution, err = c.beginTeardown(ctx, execution, "provisioning interrupted",
				fmt.Errorf("%w: provisioning did not finish before the coordinator stopped", domain.ErrInterrupted))
		} else {
			execution, err = c.provision(ctx, r, execution, *workload)
		}
		if err != nil {
			c.abandon(logger, execution, err)
			return
		}
	}

	if execution.Status == domain.StatusOperating {
		if execution.DispatchID == "" {
			execution, err = c.beginTeardown(ctx, execution, "operating without dispatch",
				fmt.Errorf("%w: no dispatch recorded", domain.ErrInterrupted))
		} else {
			execution, err = c.operate(ctx, r, execution)
		}
		if err != nil {
			c.abandon(logger, execution, err)
			return
		}
	}

	if execution.Status == domain.StatusTearingDown {
		if err := c.teardown(ctx, execution); err != nil {
			c.abandon(logger, execution, err)
		}
	}
}

func (c *Coordinator) abandon(logger *slog.Logger, execution domain.Execution, err error) {
	switch {
	case errors.Is(err, context.Canceled) && c.ctx.Err() != nil:
		logger.Info("execution driver stopped", "status", execution.Status)
	case errors.Is(err, errSuperseded):
		logger.Info("execution driver yielded", "status", execution.Status, "reason", err)
	default:
		logger.Error("execution driver aborted", "status", execution.Status, "error", err)
	}
}

// provision issues the credential, verifies and submits the workload, and
// waits for the dispatcher to report it running. Any failure moves the
// execution straight to tearing_down so the credential is always revoked.
func (c *Coordinator) provision(ctx context.Context, r *run, execution domain.Execution, workload domain.WorkloadSpec) (domain.Execution, error) {
	deadline := execution.Deadlines.Provisioning
	if deadline.IsZero() {
		deadline = c.now().Add(c.cfg.ProvisionTimeout)
	}
	pctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	fail := func(reason string, err error) (domain.Execution, error) {
		if ctx.Err() != nil {
			return execution, ctx.Err()
		}
		if pctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return c.beginTeardown(ctx, execution, reason, err)
	}

	issued, err := c.credentials.Issue(pctx, execution.ID, c.scopeFor(execution.WorkloadClass))
	if err != nil {
		return fail("credential issue failed", err)
	}
	c.events.Publish(execution.ID, slog.LevelInfo, "credential issued")

	if err := c.dispatcher.Verify(workload); err != nil {
		return fail("workload rejected", err)
	}

	dispatchID, err := retry.Value(pctx, c.logger, "submit workload", c.calls, func(ctx context.Context) (string, error) {
		return c.dispatcher.Submit(ctx, dispatch.Submission{
			ExecutionID: execution.ID,
			ResourceTag: execution.ResourceTag,
			Workload:    workload,
			Credential:  issued,
			Duration:    execution.Duration,
		})
	})
	if err != nil {
		return fail("dispatch failed", err)
	}
	execution.DispatchID = dispatchID
	c.events.Publish(execution.ID, slog.LevelInfo, "workload dispatched as "+dispatchID)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	failures := 0
wait:
	for {
		status, err := c.dispatcher.Status(pctx, dispatchID)
		switch {
		case err != nil && (!domain.IsRetryable(err) || pctx.Err() != nil):
			return fail("dispatch status failed", err)
		case err != nil:
			failures++
			if failures >= c.calls.MaxAttempts {
				return fail("dispatch status failed", fmt.Errorf("status %s: retries exhausted: %w", dispatchID, err))
			}
		default:
			failures = 0
			switch status {
			case domain.DispatchRunning, domain.DispatchSucceeded:
				break wait
			case domain.DispatchFailed:
				return fail("workload failed to start", fmt.Errorf("%w: dispatch %s failed before running", domain.ErrWorkloadFailed, dispatchID))
			case domain.DispatchNotFound:
				return fail("workload disappeared", fmt.Errorf("%w: dispatch %s no longer exists", domain.ErrWorkloadFailed, dispatchID))
			}
		}

		select {
		case <-pctx.Done():
			return fail("provisioning deadline exceeded", fmt.Errorf("%w: workload not running by %s", context.DeadlineExceeded, deadline.UTC().Format(time.RFC3339)))
		case <-r.complete:
			break wait
		case <-ticker.C:
		}
	}

	deadlines := execution.Deadlines
	deadlines.Operating = c.now().UTC().Add(execution.Duration)
	return c.advance(ctx, execution, domain.StatusOperating, domain.TransitionFields{
		Reason:       "workload running",
		DispatchID:   dispatchID,
		CredentialID: issued.Credential.ID,
		Deadlines:    &deadlines,
	})
}

// operate watches the running workload until it signals completion, exits,
// crashes or runs out its time box.
func (c *Coordinator) operate(ctx context.Context, r *run, execution domain.Execution) (domain.Execution, error) {
	deadline := execution.Deadlines.Operating
	if deadline.IsZero() {
		deadline = c.now().Add(execution.Duration)
	}
	timer := time.NewTimer(max(deadline.Sub(c.now()), 0))
	defer timer.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return execution, ctx.Err()
		case <-r.complete:
			return c.beginTeardown(ctx, execution, "workload signaled completion", nil)
		case <-timer.C:
			return c.beginTeardown(ctx, execution, "time box elapsed", nil)
		case <-ticker.C:
		}

		status, err := c.dispatcher.Status(ctx, execution.DispatchID)
		if err != nil {
			if ctx.Err() != nil {
				return execution, ctx.Err()
			}
			failures++
			if !domain.IsRetryable(err) || failures >= c.calls.MaxAttempts {
				return c.beginTeardown(ctx, execution, "dispatch status failed", err)
			}
			c.logger.Warn("dispatch status failed", "execution_id", execution.ID, "attempt", failures, "error", err)
			continue
		}
		failures = 0
		switch status {
		case domain.DispatchSucceeded:
			return c.beginTeardown(ctx, execution, "workload exited", nil)
		case domain.DispatchFailed:
			return c.beginTeardown(ctx, execution, "workload crashed",
				fmt.Errorf("%w: dispatch %s reported failure", domain.ErrWorkloadFailed, execution.DispatchID))
		case domain.DispatchNotFound:
			return c.beginTeardown(ctx, execution, "workload disappeared",
				fmt.Errorf("%w: dispatch %s no longer exists", domain.ErrWorkloadFailed, execution.DispatchID))
		}
	}
}

func (c *Coordinator) beginTeardown(ctx context.Context, execution domain.Execution, reason string, cause error) (domain.Execution, error) {
	deadlines := execution.Deadlines
	deadlines.TearingDown = c.now().UTC().Add(c.cfg.TeardownTimeout)
	if cause != nil {
		c.logger.Warn("execution tearing down early", "execution_id", execution.ID, "reason", reason, "error", cause)
	}
	return c.advance(ctx, execution, domain.StatusTearingDown, domain.TransitionFields{
		Reason:    reason,
		Error:     domain.NewExecutionError(cause),
		Deadlines: &deadlines,
	})
}

// teardown deletes the dispatched unit, reconciles tagged resources and
// revokes the credential under RevokeTimeout, then records the terminal
// status. Completed requires no earlier error, a reconciled tag and a
// successful revoke.
func (c *Coordinator) teardown(ctx context.Context, execution domain.Execution) error {
	deadline := execution.Deadlines.TearingDown
	if deadline.IsZero() {
		deadline = c.now().Add(c.cfg.TeardownTimeout)
	}
	tctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	logger := c.logger.With("execution_id", execution.ID)

	dispatchID := execution.DispatchID
	if dispatchID == "" {
		dispatchID = c.dispatcher.DispatchID(execution.ID)
	}
	err := retry.Do(tctx, logger, "delete dispatch", c.calls, func(ctx context.Context) error {
		return c.dispatcher.Delete(ctx, dispatchID)
	})
	if err != nil {
		logger.Warn("dispatch delete failed", "dispatch_id", dispatchID, "error", err)
	}

	result, reconcileErr := c.reconciler.Reconcile(tctx, execution.ResourceTag)

	// Revoke on a budget independent of tctx.
	rctx, cancelRevoke := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RevokeTimeout)
	revokeErr := c.credentials.RevokeForExecution(rctx, execution.ID)
	cancelRevoke()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	final := cloneError(execution.Error)
	if reconcileErr != nil {
		final = mergeError(final, reconcileErr)
		var incomplete *domain.ReconciliationIncompleteError
		if errors.As(reconcileErr, &incomplete) {
			final.RemainingResources = incomplete.Remaining
		}
		logger.Error("cleanup left resources behind",
			"resource_tag", execution.ResourceTag,
			"remaining", result.Remaining,
			"error", reconcileErr,
		)
	}
	if revokeErr != nil {
		final = mergeError(final, fmt.Errorf("%w: %v", domain.ErrCredentialRevocation, revokeErr))
		logger.Error("credential revocation failed", "error", revokeErr)
	}

	to, reason := domain.StatusCompleted, "teardown verified"
	if final != nil {
		to, reason = domain.StatusFailed, "teardown finished with errors"
	}
	finished, wrote, err := c.write(ctx, execution, to, domain.TransitionFields{
		Reason: reason,
		Error:  final,
	})
	if err != nil {
		return err
	}
	if wrote {
		c.finish(ctx, finished, result, revokeErr == nil)
	}
	return nil
}

// finish publishes the terminal event and stores the report once.
func (c *Coordinator) finish(ctx context.Context, execution domain.Execution, result reconcile.Result, revoked bool) {
	level := slog.LevelInfo
	message := "execution " + string(execution.Status)
	if execution.Error != nil {
		level = slog.LevelError
		message += ": " + execution.Error.Error()
	}
	c.events.Publish(execution.ID, level, message)

	if c.reports == nil {
		return
	}
	history, err := c.tracker.History(ctx, execution.ID)
	if err != nil {
		c.logger.Warn("load history for report failed", "execution_id", execution.ID, "error", err)
	}
	report := domain.Report{
		ExecutionID:        execution.ID,
		WorkloadName:       execution.WorkloadName,
		WorkloadClass:      execution.WorkloadClass,
		RequestedBy:        execution.RequestedBy,
		Tags:               execution.Tags,
		ResourceTag:        execution.ResourceTag,
		Status:             execution.Status,
		Error:              execution.Error,
		CreatedAt:          execution.CreatedAt,
		FinishedAt:         execution.UpdatedAt,
		ResourcesDeleted:   result.Deleted,
		ResourcesRemaining: result.Remaining,
		CredentialRevoked:  revoked,
		History:            history,
	}
	if err := c.reports.StoreReport(ctx, report); err != nil {
		c.logger.Error("store report failed", "execution_id", execution.ID, "error", err)
	}
}

// advance writes from execution.Status to to. On Conflict it re-reads:
// a record already at to counts as success, anything else is superseded.
func (c *Coordinator) advance(ctx context.Context, execution domain.Execution, to domain.ExecutionStatus, fields domain.TransitionFields) (domain.Execution, error) {
	next, _, err := c.write(ctx, execution, to, fields)
	return next, err
}

// write is advance that also reports whether this call made the write.
func (c *Coordinator) write(ctx context.Context, execution domain.Execution, to domain.ExecutionStatus, fields domain.TransitionFields) (domain.Execution, bool, error) {
	attempts := max(c.calls.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := c.calls.Backoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return execution, false, errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
		}
		next, err := c.tracker.Transition(ctx, execution.ID, execution.Status, to, fields)
		if err == nil {
			c.publishTransition(execution.Status, next, fields)
			return next, true, nil
		}
		if errors.Is(err, tracker.ErrConflict) {
			current, getErr := c.tracker.Get(ctx, execution.ID)
			if getErr != nil {
				return execution, false, getErr
			}
			if current.Status == to {
				return current, false, nil
			}
			return current, false, fmt.Errorf("%w: %s is %s, wanted %s -> %s", errSuperseded, execution.ID, current.Status, execution.Status, to)
		}
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) || ctx.Err() != nil {
			return execution, false, err
		}
		lastErr = err
		c.logger.Warn("transition write failed", "execution_id", execution.ID, "to", to, "attempt", attempt, "error", err)
	}
	return execution, false, fmt.Errorf("transition %s -> %s: %w", execution.Status, to, lastErr)
}

func (c *Coordinator) publishTransition(from domain.ExecutionStatus, execution domain.Execution, fields domain.TransitionFields) {
	level := slog.LevelInfo
	message := fmt.Sprintf("%s -> %s", from, execution.Status)
	if fields.Reason != "" {
		message += " (" + fields.Reason + ")"
	}
	if fields.Error != nil {
		level = slog.LevelWarn
		message += ": " + fields.Error.Error()
	}
	c.events.Publish(execution.ID, level, message)
}

func cloneError(e *domain.ExecutionError) *domain.ExecutionError {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

// mergeError keeps the first recorded code and appends later messages.
func mergeError(existing *domain.ExecutionError, err error) *domain.ExecutionError {
	next := domain.NewExecutionError(err)
	if existing == nil {
		return next
	}
	existing.Message += "; " + next.Message
	if next.RemainingResources > 0 {
		existing.RemainingResources = next.RemainingResources
	}
	return existing
}
