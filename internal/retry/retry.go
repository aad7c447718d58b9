// Package retry runs control-plane calls with bounded exponential backoff.
// Only errors in the transient class are retried; everything else returns
// on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/env"
)

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// PerCallTimeout bounds each attempt. Zero leaves the attempt bounded only by ctx.
	PerCallTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		PerCallTimeout: 30 * time.Second,
	}
}

// PolicyFromEnv reads a policy under prefix, e.g. CONTROL_PLANE_RETRY_.
func PolicyFromEnv(prefix string) (Policy, error) {
	def := DefaultPolicy()
	attempts, err := env.Int(prefix+"MAX_ATTEMPTS", def.MaxAttempts)
	if err != nil {
		return Policy{}, err
	}
	initial, err := env.Duration(prefix+"INITIAL_BACKOFF", def.InitialBackoff)
	if err != nil {
		return Policy{}, err
	}
	maxBackoff, err := env.Duration(prefix+"MAX_BACKOFF", def.MaxBackoff)
	if err != nil {
		return Policy{}, err
	}
	perCall, err := env.Duration(prefix+"PER_CALL_TIMEOUT", def.PerCallTimeout)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{MaxAttempts: attempts, InitialBackoff: initial, MaxBackoff: maxBackoff, PerCallTimeout: perCall}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("%s: %w", prefix, err)
	}
	return p, nil
}

func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New("max attempts must be >= 1")
	case p.InitialBackoff < 0:
		return errors.New("initial backoff must be >= 0")
	case p.MaxBackoff < p.InitialBackoff:
		return errors.New("max backoff must be >= initial backoff")
	case p.PerCallTimeout < 0:
		return errors.New("per-call timeout must be >= 0")
	}
	return nil
}

// Backoff returns the delay before attempt n (1-based); attempt 1 has none.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 || p.InitialBackoff <= 0 {
		return 0
	}
	delay := p.InitialBackoff
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(delay, p.MaxBackoff)
}

// Do calls fn until it succeeds, returns a non-transient error, or the
// attempt budget is spent. The last error is returned on exhaustion and
// still satisfies domain.IsRetryable.
func Do(ctx context.Context, logger *slog.Logger, op string, p Policy, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	attempts := max(p.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := p.Backoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = call(ctx, p.PerCallTimeout, fn)
		if lastErr == nil {
			return nil
		}
		if !domain.IsRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
		logger.Warn("transient control plane error",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", lastErr,
		)
	}
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, attempts, lastErr)
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, logger *slog.Logger, op string, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, logger, op, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &domain.TransientError{Op: "call timeout", Err: err}
	}
	return err
}
