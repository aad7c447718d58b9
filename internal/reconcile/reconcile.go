// Package reconcile confirms that nothing tagged to a finished execution
// survives on the control plane, force-deleting leftovers leaf-first.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/env"
	"github.com/animus-labs/rangekeeper/internal/retry"
)

// ResourceClient is the control-plane surface the reconciler drives.
type ResourceClient interface {
	ListResourcesByTag(ctx context.Context, tag string) ([]domain.ResourceRecord, error)
	DeleteResource(ctx context.Context, resource domain.ResourceRecord) error
}

type Config struct {
	// Cycles bounds the query-delete-requery loop; its backoff spaces the cycles.
	Cycles      retry.Policy
	Parallelism int
}

func ConfigFromEnv() (Config, error) {
	cycles, err := retry.PolicyFromEnv("RECONCILE_")
	if err != nil {
		return Config{}, err
	}
	parallelism, err := env.Int("RECONCILE_PARALLELISM", 8)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Cycles: cycles, Parallelism: parallelism}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Cycles.Validate(); err != nil {
		return fmt.Errorf("RECONCILE_: %w", err)
	}
	if c.Parallelism < 1 {
		return errors.New("RECONCILE_PARALLELISM must be >= 1")
	}
	return nil
}

// Result describes one reconcile call.
type Result struct {
	Reconciled bool
	Remaining  int
	Deleted    int
	Cycles     int
}

type Reconciler struct {
	client ResourceClient
	cfg    Config
	calls  retry.Policy
	logger *slog.Logger
}

// New builds a reconciler. calls governs each individual list or delete.
func New(client ResourceClient, cfg Config, calls retry.Policy, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Reconciler{client: client, cfg: cfg, calls: calls, logger: logger}
}

// Reconcile returns Reconciled once a query finds zero resources for tag.
// After the cycle budget it returns the remaining count together with a
// *domain.ReconciliationIncompleteError.
func (r *Reconciler) Reconcile(ctx context.Context, tag string) (Result, error) {
	if tag == "" {
		return Result{}, domain.Validationf("resource tag is required")
	}
	logger := r.logger.With("resource_tag", tag)
	cycles := max(r.cfg.Cycles.MaxAttempts, 1)

	var (
		result  Result
		known   = -1
		lastErr error
	)
	for cycle := 1; ; cycle++ {
		if delay := r.cfg.Cycles.Backoff(cycle); delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return result, err
			}
		}

		remaining, err := retry.Value(ctx, logger, "list resources", r.calls, func(ctx context.Context) ([]domain.ResourceRecord, error) {
			return r.client.ListResourcesByTag(ctx, tag)
		})
		switch {
		case err == nil:
			known = len(remaining)
			lastErr = nil
		case domain.IsRetryable(err) && ctx.Err() == nil:
			lastErr = err
			logger.Warn("resource query failed", "cycle", cycle, "error", err)
		default:
			return result, fmt.Errorf("reconcile %s: %w", tag, err)
		}

		if lastErr == nil && known == 0 {
			result.Reconciled = true
			result.Remaining = 0
			if result.Deleted > 0 {
				logger.Info("leftover resources reconciled", "deleted", result.Deleted, "cycles", result.Cycles)
			}
			return result, nil
		}
		if cycle > cycles {
			break
		}
		if lastErr != nil {
			continue
		}

		result.Cycles = cycle
		result.Deleted += r.deleteInOrder(ctx, logger, remaining)
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	if known < 0 {
		return result, fmt.Errorf("reconcile %s: %w", tag, lastErr)
	}
	result.Remaining = known
	logger.Error("reconciliation incomplete", "remaining", known, "cycles", result.Cycles)
	return result, &domain.ReconciliationIncompleteError{Remaining: known}
}

// deleteInOrder deletes one dependency tier at a time; within a tier deletes
// run concurrently. Failures are logged and left for the next query.
func (r *Reconciler) deleteInOrder(ctx context.Context, logger *slog.Logger, resources []domain.ResourceRecord) int {
	tiers := map[int][]domain.ResourceRecord{}
	for _, resource := range resources {
		tier := resource.Kind.Tier()
		tiers[tier] = append(tiers[tier], resource)
	}
	order := make([]int, 0, len(tiers))
	for tier := range tiers {
		order = append(order, tier)
	}
	sort.Ints(order)

	var (
		mu      sync.Mutex
		deleted int
	)
	for _, tier := range order {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Parallelism)
		for _, resource := range tiers[tier] {
			g.Go(func() error {
				err := retry.Do(gctx, logger, "delete resource", r.calls, func(ctx context.Context) error {
					return r.client.DeleteResource(ctx, resource)
				})
				if err != nil {
					logger.Warn("force delete failed",
						"resource_id", resource.ID,
						"resource_type", resource.Type,
						"kind", resource.Kind,
						"error", err,
					)
					return nil
				}
				mu.Lock()
				deleted++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}
	return deleted
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
