// Package admission gates new executions with a windowed token bucket per
// scope. A request must fit in every scope it names; counters are written
// together with a version check, so concurrent callers never over-admit.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/repo"
)

// GlobalKey is the scope key of the single global bucket.
const GlobalKey = "default"

// Limit is the bucket size for one scope. The whole bucket refills when
// the window rolls over.
type Limit struct {
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
}

func (l Limit) Validate() error {
	if l.Capacity < 0 {
		return errors.New("capacity must be >= 0")
	}
	if l.Window <= 0 {
		return errors.New("window must be positive")
	}
	return nil
}

// Policy resolves the limit for a scope: a per-key override first, then the
// scope type default. Scopes with neither are unlimited.
type Policy struct {
	Defaults  map[domain.ScopeType]Limit
	Overrides map[domain.ScopeKey]Limit
}

func (p Policy) LimitFor(scope domain.ScopeKey) (Limit, bool) {
	if l, ok := p.Overrides[scope]; ok {
		return l, true
	}
	l, ok := p.Defaults[scope.Type]
	return l, ok
}

type Config struct {
	// MaxAttempts bounds the read-compute-write cycles per decision.
	MaxAttempts int
	// FailOpen admits when every attempt lost a version race.
	FailOpen bool
	// ContentionRetryAfter is returned on a contention deny when FailOpen is off.
	ContentionRetryAfter time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 8, FailOpen: true, ContentionRetryAfter: time.Second}
}

// Decision is the outcome of TryAdmit.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
	// Scope is the exhausted scope with the latest window end on a deny.
	Scope domain.ScopeKey
	// FailedOpen marks an admit granted without a counter write.
	FailedOpen bool
}

// Err returns a *domain.ThrottledError for a deny and nil for an admit.
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return &domain.ThrottledError{RetryAfter: d.RetryAfter, Scope: d.Scope}
}

type Controller struct {
	counters repo.CounterRepository
	policy   Policy
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(counters repo.CounterRepository, policy Policy, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Controller{counters: counters, policy: policy, cfg: cfg, logger: logger, now: time.Now}
}

// ScopesFor returns the three scopes an execution is charged against.
func ScopesFor(workloadClass, requestedBy string) []domain.ScopeKey {
	scopes := []domain.ScopeKey{{Type: domain.ScopeGlobal, Key: GlobalKey}}
	if workloadClass != "" {
		scopes = append(scopes, domain.ScopeKey{Type: domain.ScopeWorkloadClass, Key: workloadClass})
	}
	if requestedBy != "" {
		scopes = append(scopes, domain.ScopeKey{Type: domain.ScopeRequester, Key: requestedBy})
	}
	return scopes
}

// TryAdmit charges one token against every scope or none.
func (c *Controller) TryAdmit(ctx context.Context, scopes []domain.ScopeKey) (Decision, error) {
	scopes, err := dedupe(scopes)
	if err != nil {
		return Decision{}, err
	}
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		decision, err := c.attempt(ctx, scopes)
		if err == nil {
			return decision, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return Decision{}, fmt.Errorf("admission: %w", err)
		}
		c.logger.Debug("admission counter conflict", "attempt", attempt, "error", err)
		if err := pause(ctx, attempt); err != nil {
			return Decision{}, err
		}
	}

	if c.cfg.FailOpen {
		c.logger.Warn("admission contention exhausted retries, failing open",
			"scopes", fmt.Sprint(scopes),
			"attempts", c.cfg.MaxAttempts,
		)
		return Decision{Admitted: true, FailedOpen: true}, nil
	}
	c.logger.Warn("admission contention exhausted retries, denying",
		"scopes", fmt.Sprint(scopes),
		"attempts", c.cfg.MaxAttempts,
	)
	return Decision{RetryAfter: c.cfg.ContentionRetryAfter, Scope: scopes[0]}, nil
}

// attempt runs one read-compute-write cycle. It returns repo.ErrConflict
// when another caller changed a counter between the read and the write.
func (c *Controller) attempt(ctx context.Context, scopes []domain.ScopeKey) (Decision, error) {
	now := c.now().UTC()
	updates := make([]repo.CounterUpdate, 0, len(scopes))
	var (
		denied bool
		deny   Decision
	)
	for _, scope := range scopes {
		limit, ok := c.policy.LimitFor(scope)
		if !ok {
			continue
		}
		current, err := c.counters.GetCounter(ctx, scope)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			current = domain.RateLimitCounter{Scope: scope}
		case err != nil:
			return Decision{}, fmt.Errorf("read counter %s: %w", scope, err)
		}

		next := roll(current, limit, now)
		if next.Count+1 > next.Capacity {
			retryAfter := next.WindowEnd().Sub(now)
			if !denied || retryAfter > deny.RetryAfter {
				deny = Decision{RetryAfter: retryAfter, Scope: scope}
			}
			denied = true
			continue
		}
		next.Count++
		updates = append(updates, repo.CounterUpdate{Counter: next, ExpectedVersion: current.Version})
	}
	if denied {
		return deny, nil
	}
	if len(updates) == 0 {
		return Decision{Admitted: true}, nil
	}
	if err := c.counters.ApplyCounters(ctx, updates); err != nil {
		return Decision{}, err
	}
	return Decision{Admitted: true}, nil
}

// roll returns the counter as it stands at now: a counter whose window has
// ended, or that has never been written, starts a fresh aligned window.
func roll(current domain.RateLimitCounter, limit Limit, now time.Time) domain.RateLimitCounter {
	next := current
	next.Capacity = limit.Capacity
	next.Window = limit.Window
	if current.Version == 0 || current.WindowStart.IsZero() || !now.Before(current.WindowStart.Add(limit.Window)) {
		next.WindowStart = now.Truncate(limit.Window)
		next.Count = 0
	}
	return next
}

func dedupe(scopes []domain.ScopeKey) ([]domain.ScopeKey, error) {
	if len(scopes) == 0 {
		return nil, domain.Validationf("at least one admission scope is required")
	}
	seen := make(map[domain.ScopeKey]struct{}, len(scopes))
	out := make([]domain.ScopeKey, 0, len(scopes))
	for _, scope := range scopes {
		if err := scope.Validate(); err != nil {
			return nil, domain.Validationf("%v", err)
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	return out, nil
}

func pause(ctx context.Context, attempt int) error {
	d := time.Duration(rand.Int64N(int64(attempt)*int64(time.Millisecond) + 1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
