package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/store/migration"
)

// Store is the durable relational backend. It wraps a pgx connection pool;
// every mutation that must be atomic with a derived-view recompute runs
// inside a single transaction, per the consistency requirement of the
// state store's contract.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects to Postgres using dsn and verifies connectivity.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger.Named("store")}, nil
}

// NewWithPool wires a Store around an already-constructed pool, primarily
// for tests against pgxpool test doubles / pgxmock.
func NewWithPool(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger.Named("store")}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ready reports whether the store can currently serve requests, used by the
// component's /ready probe.
func (s *Store) Ready(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the schema in Migrations. Safe to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	runner := migration.NewRunner("janitor", Migrations, s.logger)
	return runner.Migrate(ctx, s.pool)
}

// Pool exposes the underlying connection pool for collaborators that need
// it directly, namely eventbus.NewPoller for outbox draining.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
