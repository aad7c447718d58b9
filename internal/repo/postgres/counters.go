package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/repo"
)

const (
	selectCounterQuery = `SELECT scope_type, scope_key, window_start, count, capacity, window_ms, version
	FROM rate_limit_counters WHERE scope_type = $1 AND scope_key = $2`

	insertCounterQuery = `INSERT INTO rate_limit_counters (scope_type, scope_key, window_start, count, capacity, window_ms, version)
	VALUES ($1,$2,$3,$4,$5,$6,1)
	ON CONFLICT (scope_type, scope_key) DO NOTHING`

	// updateCounterQuery only matches while the version read by the caller is current.
	updateCounterQuery = `UPDATE rate_limit_counters
	SET window_start = $3, count = $4, capacity = $5, window_ms = $6, version = version + 1
	WHERE scope_type = $1 AND scope_key = $2 AND version = $7`
)

type CounterStore struct {
	db *sql.DB
}

var _ repo.CounterRepository = (*CounterStore)(nil)

func (s *CounterStore) GetCounter(ctx context.Context, scope domain.ScopeKey) (domain.RateLimitCounter, error) {
	if s == nil || s.db == nil {
		return domain.RateLimitCounter{}, fmt.Errorf("counter store not initialized")
	}
	var counter domain.RateLimitCounter
	var scopeType string
	var windowMs int64
	err := s.db.QueryRowContext(ctx, selectCounterQuery, string(scope.Type), scope.Key).Scan(
		&scopeType,
		&counter.Scope.Key,
		&counter.WindowStart,
		&counter.Count,
		&counter.Capacity,
		&windowMs,
		&counter.Version,
	)
	if err != nil {
		return domain.RateLimitCounter{}, handleNotFound(err)
	}
	counter.Scope.Type = domain.ScopeType(scopeType)
	counter.WindowStart = counter.WindowStart.UTC()
	counter.Window = time.Duration(windowMs) * time.Millisecond
	return counter, nil
}

func (s *CounterStore) ApplyCounters(ctx context.Context, updates []repo.CounterUpdate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("counter store not initialized")
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, update := range updates {
			if err := applyCounter(ctx, tx, update); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyCounter(ctx context.Context, db DB, update repo.CounterUpdate) error {
	c := update.Counter
	var (
		res sql.Result
		err error
	)
	if update.ExpectedVersion == 0 {
		res, err = db.ExecContext(ctx, insertCounterQuery,
			string(c.Scope.Type), c.Scope.Key, c.WindowStart.UTC(), c.Count, c.Capacity, c.Window.Milliseconds())
	} else {
		res, err = db.ExecContext(ctx, updateCounterQuery,
			string(c.Scope.Type), c.Scope.Key, c.WindowStart.UTC(), c.Count, c.Capacity, c.Window.Milliseconds(), update.ExpectedVersion)
	}
	if err != nil {
		return fmt.Errorf("write counter %s: %w", c.Scope, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write counter %s: %w", c.Scope, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: counter %s version changed", repo.ErrConflict, c.Scope)
	}
	return nil
}
