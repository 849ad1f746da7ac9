package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitSchema creates the pipeline tables and indexes. Safe to run repeatedly.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    priority INTEGER NOT NULL DEFAULT 0,
    input JSONB NOT NULL,
    output JSONB,
    error_message TEXT,
    error_code TEXT,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    execution_time DOUBLE PRECISION,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_expiry ON jobs (expires_at);

CREATE TABLE IF NOT EXISTS generations (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    prompt TEXT NOT NULL,
    reference_image_url TEXT NOT NULL DEFAULT '',
    job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'processing',
    generated_image_id TEXT NOT NULL DEFAULT '',
    generated_image_url TEXT NOT NULL DEFAULT '',
    generation_time DOUBLE PRECISION,
    is_favorite BOOLEAN NOT NULL DEFAULT FALSE,
    is_public BOOLEAN NOT NULL DEFAULT FALSE,
    downloads INTEGER NOT NULL DEFAULT 0,
    views INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_generations_user ON generations (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_generations_job ON generations (job_id);
`
	_, err := pool.Exec(ctx, schema)
	return err
}
