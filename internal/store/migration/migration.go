// Package migration provides Postgres schema versioning and migration
// running for the Janitor state store.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	store_name TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	applied_at TIMESTAMPTZ NOT NULL
)`

// ensureTable creates the _schema_version table if it doesn't exist.
func ensureTable(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, createVersionTable); err != nil {
		return fmt.Errorf("create _schema_version: %w", err)
	}
	return nil
}

// CurrentVersion returns the current schema version stored in pool.
// Returns 0 if the _schema_version table is empty.
func CurrentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	if err := ensureTable(ctx, pool); err != nil {
		return 0, err
	}

	var version int
	err := pool.QueryRow(ctx, `SELECT version FROM _schema_version LIMIT 1`).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// SetVersion inserts or updates the schema version in pool.
func SetVersion(ctx context.Context, pool *pgxpool.Pool, version int) error {
	if err := ensureTable(ctx, pool); err != nil {
		return err
	}

	now := time.Now().UTC()
	tag, err := pool.Exec(ctx, `UPDATE _schema_version SET version = $1, applied_at = $2`, version, now)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := pool.Exec(ctx,
		`INSERT INTO _schema_version (store_name, version, applied_at) VALUES ('', $1, $2)`,
		version, now,
	); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// CheckVersion returns an error if the schema version stored in pool is newer
// than binaryVersion. Call this during startup to prevent running an old
// binary against a newer schema.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, binaryVersion int) error {
	current, err := CurrentVersion(ctx, pool)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf(
			"database schema version %d is newer than binary version %d — "+
				"refusing to start (use a newer binary or restore from backup)",
			current, binaryVersion,
		)
	}
	return nil
}
