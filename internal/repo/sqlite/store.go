// Package sqlite implements the repositories on a local SQLite file for
// single-node deployments. Every write runs in an IMMEDIATE transaction, so
// compare-and-set checks and their writes cannot interleave.
package sqlite

import (
	"context"
	_ "embed"
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

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool        *sqlitepool.Pool
	executions  *ExecutionStore
	counters    *CounterStore
	credentials *CredentialStore
}

var _ repo.Store = (*Store)(nil)

// Open opens the pool and applies the schema on every new connection.
func Open(cfg sqlitepool.Config) (*Store, error) {
	onConnect := cfg.OnConnect
	cfg.OnConnect = func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		if onConnect != nil {
			return onConnect(conn)
		}
		return nil
	}
	pool, err := sqlitepool.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		pool:        pool,
		executions:  &ExecutionStore{pool: pool},
		counters:    &CounterStore{pool: pool},
		credentials: &CredentialStore{pool: pool},
	}, nil
}

func (s *Store) Executions() repo.ExecutionRepository   { return s.executions }
func (s *Store) Counters() repo.CounterRepository       { return s.counters }
func (s *Store) Credentials() repo.CredentialRepository { return s.credentials }

func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (s *Store) Close() error {
	return s.pool.Close()
}

// withConn borrows a connection for fn.
func withConn(ctx context.Context, pool *sqlitepool.Pool, fn func(conn *sqlite.Conn) error) error {
	conn, err := pool.Take(ctx)
	if err != nil {
		return err
	}
	defer pool.Put(conn)
	return fn(conn)
}

// withWrite runs fn inside an IMMEDIATE transaction; a non-nil error rolls back.
func withWrite(ctx context.Context, pool *sqlitepool.Pool, fn func(conn *sqlite.Conn) error) error {
	return withConn(ctx, pool, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

func isUniqueViolation(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return true
	}
	return false
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixNano()
}

func fromUnix(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullableText(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func columnOptionalText(stmt *sqlite.Stmt, col int) string {
	if stmt.ColumnIsNull(col) {
		return ""
	}
	return stmt.ColumnText(col)
}

func encodeExecutionError(value *domain.ExecutionError) (any, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeExecutionError(stmt *sqlite.Stmt, col int) (*domain.ExecutionError, error) {
	if stmt.ColumnIsNull(col) {
		return nil, nil
	}
	var out domain.ExecutionError
	if err := json.Unmarshal([]byte(stmt.ColumnText(col)), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
