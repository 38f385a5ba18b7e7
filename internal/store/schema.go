package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/janitor-project/janitor/internal/store/migration"
)

// Migrations is the ordered schema history for the Janitor state store.
// Applied via migration.Runner on startup of every component that opens
// the store (runner, publisher, differ).
var Migrations = []migration.Migration{
	{
		Version:     1,
		Description: "core tables: codebases, candidates, queue, active_runs, runs, result_branches",
		Up:          upV1,
	},
	{
		Version:     2,
		Description: "publish attempts, merge proposals, change sets, policies",
		Up:          upV2,
	},
	{
		Version:     3,
		Description: "event outbox for at-least-once cross-process delivery",
		Up:          upV3,
	},
	{
		Version:     4,
		Description: "subscriber cursors for outbox polling",
		Up:          upV4,
	},
	{
		Version:     5,
		Description: "worker credentials for HTTP Basic auth",
		Up:          upV5,
	},
}

func upV1(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS codebases (
			name        TEXT PRIMARY KEY,
			vcs_type    TEXT NOT NULL DEFAULT '',
			branch_url  TEXT NOT NULL DEFAULT '',
			subpath     TEXT NOT NULL DEFAULT '',
			web_url     TEXT NOT NULL DEFAULT '',
			value       INTEGER NOT NULL DEFAULT 1,
			inactive    BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS candidates (
			id              BIGSERIAL PRIMARY KEY,
			codebase        TEXT NOT NULL REFERENCES codebases(name),
			campaign        TEXT NOT NULL,
			change_set      TEXT NOT NULL DEFAULT '',
			command         TEXT NOT NULL,
			context         TEXT NOT NULL DEFAULT '',
			value           INTEGER NOT NULL DEFAULT 1,
			success_chance  DOUBLE PRECISION NOT NULL DEFAULT 1,
			publish_policy  TEXT NOT NULL DEFAULT '',
			UNIQUE (codebase, campaign, change_set)
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id                 BIGSERIAL PRIMARY KEY,
			codebase           TEXT NOT NULL,
			campaign           TEXT NOT NULL,
			command            TEXT NOT NULL,
			priority           INTEGER NOT NULL DEFAULT 0,
			bucket             TEXT NOT NULL DEFAULT 'default',
			estimated_duration_seconds INTEGER NOT NULL DEFAULT 0,
			change_set         TEXT NOT NULL DEFAULT '',
			requester          TEXT NOT NULL DEFAULT '',
			refresh            BOOLEAN NOT NULL DEFAULT false,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (codebase, campaign, change_set)
		)`,
		`CREATE TABLE IF NOT EXISTS active_runs (
			log_id              TEXT PRIMARY KEY,
			queue_id            BIGINT NOT NULL UNIQUE,
			codebase            TEXT NOT NULL,
			campaign            TEXT NOT NULL,
			command             TEXT NOT NULL,
			worker              TEXT NOT NULL DEFAULT '',
			start_time          TIMESTAMPTZ NOT NULL DEFAULT now(),
			estimated_duration_seconds INTEGER NOT NULL DEFAULT 0,
			last_heartbeat      TIMESTAMPTZ NOT NULL DEFAULT now(),
			backchannel         TEXT NOT NULL DEFAULT '',
			main_branch_revision TEXT NOT NULL DEFAULT '',
			resume_from_branch  TEXT NOT NULL DEFAULT '',
			resume_from_revision TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			log_id               TEXT PRIMARY KEY,
			codebase             TEXT NOT NULL,
			campaign             TEXT NOT NULL,
			command              TEXT NOT NULL,
			start_time           TIMESTAMPTZ NOT NULL,
			finish_time          TIMESTAMPTZ NOT NULL,
			result_code          TEXT NOT NULL,
			failure_stage        TEXT NOT NULL DEFAULT '',
			failure_transient    BOOLEAN NOT NULL DEFAULT false,
			revision             TEXT NOT NULL DEFAULT '',
			main_branch_revision TEXT NOT NULL DEFAULT '',
			worker               TEXT NOT NULL DEFAULT '',
			log_filenames        TEXT[] NOT NULL DEFAULT '{}',
			result_json          JSONB,
			value                INTEGER NOT NULL DEFAULT 0,
			publish_status       TEXT NOT NULL DEFAULT 'unknown',
			resume_from          TEXT NOT NULL DEFAULT '',
			change_set           TEXT NOT NULL DEFAULT '',
			CHECK (publish_status != 'approved' OR revision != ''),
			CHECK (result_code != 'nothing-new-to-do' OR resume_from != '')
		)`,
		`CREATE INDEX IF NOT EXISTS runs_codebase_campaign_start_idx ON runs (codebase, campaign, start_time DESC)`,
		`CREATE TABLE IF NOT EXISTS result_branches (
			run_id        TEXT NOT NULL REFERENCES runs(log_id) ON DELETE CASCADE,
			role          TEXT NOT NULL,
			remote_name   TEXT NOT NULL DEFAULT '',
			base_revision TEXT NOT NULL DEFAULT '',
			revision      TEXT NOT NULL DEFAULT '',
			absorbed      BOOLEAN NOT NULL DEFAULT false,
			UNIQUE (run_id, role)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func upV2(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS publish_attempts (
			id                 BIGSERIAL PRIMARY KEY,
			ts                 TIMESTAMPTZ NOT NULL DEFAULT now(),
			change_set         TEXT NOT NULL DEFAULT '',
			codebase           TEXT NOT NULL,
			campaign           TEXT NOT NULL,
			role               TEXT NOT NULL DEFAULT '',
			source_branch_url  TEXT NOT NULL DEFAULT '',
			target_branch_url  TEXT NOT NULL DEFAULT '',
			revision           TEXT NOT NULL DEFAULT '',
			mode               TEXT NOT NULL,
			merge_proposal_url TEXT NOT NULL DEFAULT '',
			result_code        TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			requester          TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS publish_attempts_cc_role_idx ON publish_attempts (codebase, campaign, role, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS merge_proposals (
			url               TEXT PRIMARY KEY,
			codebase          TEXT NOT NULL,
			target_branch_url TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'open',
			revision          TEXT NOT NULL DEFAULT '',
			merged_by         TEXT NOT NULL DEFAULT '',
			merged_at         TIMESTAMPTZ,
			last_scanned      TIMESTAMPTZ NOT NULL DEFAULT now(),
			can_be_merged     BOOLEAN NOT NULL DEFAULT true,
			rate_limit_bucket TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS merge_proposals_bucket_status_idx ON merge_proposals (rate_limit_bucket, status)`,
		`CREATE TABLE IF NOT EXISTS change_sets (
			id    TEXT PRIMARY KEY,
			state TEXT NOT NULL DEFAULT 'created'
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			name              TEXT PRIMARY KEY,
			mode              TEXT NOT NULL,
			frequency_seconds INTEGER NOT NULL DEFAULT 0,
			rate_limit_bucket TEXT NOT NULL DEFAULT '',
			max_open          INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func upV3(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS event_outbox (
		id         BIGSERIAL PRIMARY KEY,
		topic      TEXT NOT NULL,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `CREATE INDEX IF NOT EXISTS event_outbox_topic_id_idx ON event_outbox (topic, id)`)
	return err
}

func upV4(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS subscriber_cursors (
		subscriber_id TEXT NOT NULL,
		topic         TEXT NOT NULL,
		last_id       BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (subscriber_id, topic)
	)`)
	return err
}

func upV5(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS workers (
		name          TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}
