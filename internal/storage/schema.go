package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS document_updates (
	lsn         BIGSERIAL PRIMARY KEY,
	document_id TEXT        NOT NULL,
	op_id       TEXT        NOT NULL,
	client_id   TEXT        NOT NULL DEFAULT '',
	version     JSONB       NOT NULL DEFAULT '{}',
	payload     BYTEA       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (document_id, op_id)
)`,
	`CREATE INDEX IF NOT EXISTS document_updates_doc_time ON document_updates (document_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS document_checkpoints (
	document_id     TEXT PRIMARY KEY,
	last_lsn        BIGINT      NOT NULL,
	checkpointed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS document_snapshots (
	id          BIGSERIAL PRIMARY KEY,
	document_id TEXT        NOT NULL,
	op_id       TEXT        NOT NULL,
	version     JSONB       NOT NULL DEFAULT '{}',
	object_path TEXT        NOT NULL,
	last_lsn    BIGINT      NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS document_snapshots_doc_lsn ON document_snapshots (document_id, last_lsn)`,
}

// EnsureSchema creates the log tables when they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
