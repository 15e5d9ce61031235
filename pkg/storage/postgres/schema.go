package postgres

import (
	"context"
	"fmt"
	"time"
)

// Schema is the complete DDL for the noetl schema. Statements are
// idempotent so Migrate can run on every startup. The event table is
// range-partitioned by created_at; EnsureEventPartitions creates the
// monthly partitions and a default partition catches anything else.
const Schema = `
CREATE SCHEMA IF NOT EXISTS noetl;

CREATE TABLE IF NOT EXISTS noetl.catalog (
    catalog_id        BIGINT PRIMARY KEY,
    resource_path     TEXT NOT NULL,
    resource_version  TEXT NOT NULL,
    resource_type     TEXT NOT NULL,
    source            TEXT NOT NULL DEFAULT 'inline',
    resource_location TEXT NOT NULL DEFAULT '',
    fingerprint       TEXT NOT NULL,
    payload           JSONB NOT NULL,
    meta              JSONB,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (resource_path, resource_version)
);

CREATE INDEX IF NOT EXISTS idx_catalog_fingerprint
    ON noetl.catalog (resource_path, fingerprint);

CREATE TABLE IF NOT EXISTS noetl.execution (
    execution_id        BIGINT PRIMARY KEY,
    parent_execution_id BIGINT NOT NULL DEFAULT 0,
    resource_path       TEXT NOT NULL,
    resource_version    TEXT NOT NULL,
    workload            JSONB,
    status              TEXT NOT NULL,
    error               TEXT NOT NULL DEFAULT '',
    cancel_requested    BOOLEAN NOT NULL DEFAULT FALSE,
    started_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS noetl.event (
    event_id         BIGINT NOT NULL,
    execution_id     BIGINT NOT NULL,
    parent_event_id  BIGINT NOT NULL DEFAULT 0,
    event_type       TEXT NOT NULL,
    node_name        TEXT NOT NULL DEFAULT '',
    node_instance    TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT '',
    resource_path    TEXT NOT NULL DEFAULT '',
    resource_version TEXT NOT NULL DEFAULT '',
    payload          JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (event_id, created_at)
) PARTITION BY RANGE (created_at);

CREATE TABLE IF NOT EXISTS noetl.event_default PARTITION OF noetl.event DEFAULT;

CREATE INDEX IF NOT EXISTS idx_event_execution
    ON noetl.event (execution_id, event_id);

CREATE TABLE IF NOT EXISTS noetl.event_claim (
    event_id   BIGINT PRIMARY KEY,
    claimant   TEXT NOT NULL,
    claimed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS noetl.queue (
    queue_id         BIGINT PRIMARY KEY,
    execution_id     BIGINT NOT NULL,
    catalog_id       BIGINT NOT NULL DEFAULT 0,
    status           TEXT NOT NULL,
    action           JSONB NOT NULL,
    attempts         INT NOT NULL DEFAULT 0,
    max_attempts     INT NOT NULL DEFAULT 1,
    priority         INT NOT NULL DEFAULT 0,
    available_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    lease_expires_at TIMESTAMPTZ,
    worker_id        TEXT NOT NULL DEFAULT '',
    last_error       TEXT NOT NULL DEFAULT '',
    result           JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_queue_lease
    ON noetl.queue (status, available_at, priority DESC, queue_id);

CREATE INDEX IF NOT EXISTS idx_queue_execution
    ON noetl.queue (execution_id);

CREATE TABLE IF NOT EXISTS noetl.loop_state (
    execution_id  BIGINT NOT NULL,
    step_name     TEXT NOT NULL,
    step_event_id BIGINT NOT NULL,
    mode          TEXT NOT NULL,
    concurrency   INT NOT NULL DEFAULT 0,
    element       TEXT NOT NULL DEFAULT 'item',
    items         JSONB NOT NULL,
    dispatched    INT NOT NULL DEFAULT 0,
    completed     INT NOT NULL DEFAULT 0,
    failed        INT NOT NULL DEFAULT 0,
    results       JSONB,
    version       BIGINT NOT NULL DEFAULT 1,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (execution_id, step_name, step_event_id)
);

CREATE TABLE IF NOT EXISTS noetl.keychain (
    credential_key TEXT NOT NULL,
    execution_id   BIGINT NOT NULL,
    ciphertext     BYTEA NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at     TIMESTAMPTZ NOT NULL,
    accessed_at    TIMESTAMPTZ,
    access_count   BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (credential_key, execution_id)
);
`

// Migrate applies the schema and creates event partitions for the
// current and next month.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	now := time.Now().UTC()
	return s.EnsureEventPartitions(ctx, now, now.AddDate(0, 1, 0))
}

// EnsureEventPartitions creates one monthly partition of noetl.event
// for every month in [from, to].
func (s *Store) EnsureEventPartitions(ctx context.Context, from, to time.Time) error {
	month := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !month.After(end) {
		next := month.AddDate(0, 1, 0)
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS noetl.event_p%s PARTITION OF noetl.event FOR VALUES FROM ('%s') TO ('%s')`,
			month.Format("200601"),
			month.Format("2006-01-02"),
			next.Format("2006-01-02"),
		)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create event partition %s: %w", month.Format("2006-01"), err)
		}
		month = next
	}
	return nil
}
