package sqlite

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/animus-labs/rangekeeper/internal/domain"
	"github.com/animus-labs/rangekeeper/internal/platform/sqlitepool"
	"github.com/animus-labs/rangekeeper/internal/repo"
)

const (
	selectCounterQuery = `SELECT window_start, count, capacity, window_ms, version
	FROM rate_limit_counters WHERE scope_type = ? AND scope_key = ?`

	insertCounterQuery = `INSERT INTO rate_limit_counters (scope_type, scope_key, window_start, count, capacity, window_ms, version)
	VALUES (?,?,?,?,?,?,1)
	ON CONFLICT (scope_type, scope_key) DO NOTHING`

	updateCounterQuery = `UPDATE rate_limit_counters
	SET window_start = ?3, count = ?4, capacity = ?5, window_ms = ?6, version = version + 1
	WHERE scope_type = ?1 AND scope_key = ?2 AND version = ?7`
)

type CounterStore struct {
	pool *sqlitepool.Pool
}

var _ repo.CounterRepository = (*CounterStore)(nil)

func (s *CounterStore) GetCounter(ctx context.Context, scope domain.ScopeKey) (domain.RateLimitCounter, error) {
	counter := domain.RateLimitCounter{Scope: scope}
	found := false
	err := withConn(ctx, s.pool, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, selectCounterQuery, &sqlitex.ExecOptions{
			Args: []any{string(scope.Type), scope.Key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counter.WindowStart = fromUnix(stmt.ColumnInt64(0))
				counter.Count = stmt.ColumnInt(1)
				counter.Capacity = stmt.ColumnInt(2)
				counter.Window = time.Duration(stmt.ColumnInt64(3)) * time.Millisecond
				counter.Version = stmt.ColumnInt64(4)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return domain.RateLimitCounter{}, fmt.Errorf("get counter %s: %w", scope, err)
	}
	if !found {
		return domain.RateLimitCounter{}, repo.ErrNotFound
	}
	return counter, nil
}

func (s *CounterStore) ApplyCounters(ctx context.Context, updates []repo.CounterUpdate) error {
	return withWrite(ctx, s.pool, func(conn *sqlite.Conn) error {
		for _, update := range updates {
			c := update.Counter
			var err error
			if update.ExpectedVersion == 0 {
				err = sqlitex.Execute(conn, insertCounterQuery, &sqlitex.ExecOptions{
					Args: []any{string(c.Scope.Type), c.Scope.Key, toUnix(c.WindowStart), c.Count, c.Capacity, c.Window.Milliseconds()},
				})
			} else {
				err = sqlitex.Execute(conn, updateCounterQuery, &sqlitex.ExecOptions{
					Args: []any{string(c.Scope.Type), c.Scope.Key, toUnix(c.WindowStart), c.Count, c.Capacity, c.Window.Milliseconds(), update.ExpectedVersion},
				})
			}
			if err != nil {
				return fmt.Errorf("write counter %s: %w", c.Scope, err)
			}
			if conn.Changes() == 0 {
				return fmt.Errorf("%w: counter %s version changed", repo.ErrConflict, c.Scope)
			}
		}
		return nil
	})
}
