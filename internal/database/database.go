package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the metadata tables if needed. Having the bootstrap in
// code keeps the stack self-contained so docker-compose can start everything;
// external migration tooling is deliberately not part of this component.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS records (
	record_id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	creator_id TEXT NOT NULL,
	file_type TEXT NOT NULL,
	title TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	cid TEXT NOT NULL,
	tx_id TEXT NOT NULL,
	status TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_patient ON records(patient_id);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);

CREATE TABLE IF NOT EXISTS record_access (
	record_id TEXT NOT NULL REFERENCES records(record_id),
	grantee_id TEXT NOT NULL,
	permission TEXT NOT NULL,
	granted_by TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	revoked BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_record_access_record ON record_access(record_id, grantee_id);

CREATE TABLE IF NOT EXISTS record_keys (
	record_id TEXT NOT NULL REFERENCES records(record_id),
	grantee_id TEXT NOT NULL,
	wrapped_key BYTEA NOT NULL,
	PRIMARY KEY (record_id, grantee_id)
);

CREATE TABLE IF NOT EXISTS search_documents (
	record_id TEXT PRIMARY KEY,
	tokens TEXT[] NOT NULL,
	patient_id TEXT NOT NULL,
	creator_id TEXT NOT NULL,
	file_type TEXT NOT NULL,
	status TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_documents_tokens ON search_documents USING GIN(tokens);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
