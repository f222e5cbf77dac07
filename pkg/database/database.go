package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Client struct {
	pool *pgxpool.Pool
}

// New opens a connection pool. maxConns <= 0 keeps the pgx default.
func New(ctx context.Context, databaseURL string, maxConns int32) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	// Keep the pool small enough not to exhaust Postgres.
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// InitSchema creates the tables and indexes. Safe to run on every start.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS projects (
        id BIGSERIAL PRIMARY KEY,
        title TEXT NOT NULL,
        description TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed')),
        user_id BIGINT NOT NULL,
        organization_id BIGINT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        completed_at TIMESTAMPTZ
    );
    CREATE INDEX IF NOT EXISTS idx_projects_org ON projects (organization_id, created_at DESC);

    CREATE TABLE IF NOT EXISTS ingestion_jobs (
        id BIGSERIAL PRIMARY KEY,
        job_id TEXT NOT NULL UNIQUE,
        user_id BIGINT NOT NULL,
        organization_id BIGINT NOT NULL,
        filename TEXT NOT NULL,
        file_type TEXT NOT NULL,
        file_size BIGINT,
        status TEXT NOT NULL DEFAULT 'pending'
            CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
        upload_url TEXT,
        result_url TEXT,
        result_data JSONB,
        error_message TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        started_processing_at TIMESTAMPTZ,
        completed_at TIMESTAMPTZ,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_org ON ingestion_jobs (organization_id, created_at DESC);
    CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_user ON ingestion_jobs (user_id, organization_id);

    CREATE TABLE IF NOT EXISTS background_jobs (
        id BIGSERIAL PRIMARY KEY,
        job_id TEXT NOT NULL UNIQUE,
        job_type TEXT NOT NULL
            CHECK (job_type IN ('recompute_analytics', 'archive_old_projects', 'cleanup_old_jobs')),
        user_id BIGINT NOT NULL,
        organization_id BIGINT NOT NULL,
        status TEXT NOT NULL DEFAULT 'queued'
            CHECK (status IN ('queued', 'running', 'completed', 'failed')),
        progress_percentage INTEGER NOT NULL DEFAULT 0
            CHECK (progress_percentage BETWEEN 0 AND 100),
        current_step TEXT,
        result_data JSONB,
        error_message TEXT,
        estimated_time_seconds INTEGER NOT NULL DEFAULT 20,
        options JSONB,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        started_at TIMESTAMPTZ,
        completed_at TIMESTAMPTZ,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_background_jobs_org ON background_jobs (organization_id, created_at DESC);
    CREATE INDEX IF NOT EXISTS idx_background_jobs_status ON background_jobs (organization_id, status);

    -- Outbox of status transitions, relayed to RabbitMQ by the publisher
    CREATE TABLE IF NOT EXISTS job_events (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        kind TEXT NOT NULL,
        job_id TEXT NOT NULL,
        organization_id BIGINT NOT NULL,
        status TEXT NOT NULL,
        progress INTEGER,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_job_events_created ON job_events (created_at);
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

// jsonParam turns a raw JSON document into a text parameter for a $n::jsonb placeholder.
func jsonParam(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func rawJSON(b []byte) json.RawMessage {
	if b == nil {
		return nil
	}
	return json.RawMessage(b)
}

// queryRowTx runs a single-row statement inside tx and reports whether a row came back.
func queryRowTx(ctx context.Context, tx pgx.Tx, query string, args []any, scan func(rowScanner) error) (bool, error) {
	err := scan(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
