// Package storage persists the relay's audit trail. The relay itself is
// stateless beyond its in-memory sessions; Postgres only ever sees audit
// events, never key material.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the query surface repos run against; both pgxpool.Pool and pgx.Tx
// satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store owns the relay's connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres with the given pool bounds and verifies the
// connection before returning.
func New(ctx context.Context, dsn string, maxConns, minConns int) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid Postgres DSN: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		poolCfg.MinConns = int32(minConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// DB exposes the pool for repositories.
func (s *Store) DB() *pgxpool.Pool {
	return s.pool
}
