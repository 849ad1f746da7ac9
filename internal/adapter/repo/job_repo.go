package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"patternforge/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository over PostgreSQL.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `id, user_id, status, priority, input, output, error_message, error_code,
started_at, completed_at, execution_time, retry_count, created_at, updated_at, expires_at`

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("encode job input: %w", err)
	}
	query := `
INSERT INTO jobs (id, user_id, status, priority, input, retry_count, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $6, $7);
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		job.Status,
		job.Priority,
		input,
		job.CreatedAt,
		job.ExpiresAt,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	return scanJob(row)
}

// ClaimNext atomically selects the highest-priority, earliest-created pending
// job and transitions it to processing. SKIP LOCKED guarantees at most one
// claimant per job under concurrent callers.
func (r *JobRepositoryPG) ClaimNext(ctx context.Context) (*domain.Job, error) {
	query := `
WITH next_job AS (
    SELECT id
    FROM jobs
    WHERE status = 'pending'
    ORDER BY priority DESC, created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
UPDATE jobs
SET status = 'processing', started_at = NOW(), updated_at = NOW()
WHERE id IN (SELECT id FROM next_job)
RETURNING ` + jobColumns + `;`
	job, err := scanJob(r.pool.QueryRow(ctx, query))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNoJobAvailable
	}
	return job, err
}

// Start transitions one specific pending job to processing. The WHERE guard
// makes it a compare-and-swap: a job already claimed, cancelled, or finished
// is left untouched.
func (r *JobRepositoryPG) Start(ctx context.Context, id string) error {
	query := `
UPDATE jobs
SET status = 'processing', started_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status = 'pending';
`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotPending
	}
	return nil
}

// CountAhead counts pending/processing jobs created before the reference time.
func (r *JobRepositoryPG) CountAhead(ctx context.Context, createdBefore time.Time) (int, error) {
	query := `
SELECT COUNT(*) FROM jobs
WHERE status IN ('pending', 'processing') AND created_at < $1;
`
	var n int
	if err := r.pool.QueryRow(ctx, query, createdBefore).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// MarkCompleted performs the terminal completed transition. The status guard
// makes duplicate webhook deliveries a no-op.
func (r *JobRepositoryPG) MarkCompleted(ctx context.Context, id string, output domain.JobOutput, executionTime *float64) error {
	out, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode job output: %w", err)
	}
	query := `
UPDATE jobs
SET status = 'completed',
    output = $2,
    completed_at = NOW(),
    execution_time = COALESCE($3, EXTRACT(EPOCH FROM (NOW() - started_at))),
    updated_at = NOW()
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled');
`
	tag, err := r.pool.Exec(ctx, query, id, out, executionTime)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return terminalOrMissing(ctx, r.pool, id)
	}
	return nil
}

// MarkFailed performs the terminal failed transition, idempotently.
func (r *JobRepositoryPG) MarkFailed(ctx context.Context, id string, jobErr domain.JobError) error {
	query := `
UPDATE jobs
SET status = 'failed',
    error_message = $2,
    error_code = $3,
    completed_at = NOW(),
    updated_at = NOW()
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled');
`
	tag, err := r.pool.Exec(ctx, query, id, jobErr.Message, nullableString(jobErr.Code))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return terminalOrMissing(ctx, r.pool, id)
	}
	return nil
}

// Retry moves a failed job back to pending, incrementing its retry count and
// clearing the error. Once the cap is reached, the job is finalized instead.
func (r *JobRepositoryPG) Retry(ctx context.Context, id string) error {
	query := `
UPDATE jobs
SET status = 'pending',
    retry_count = retry_count + 1,
    error_message = NULL,
    error_code = NULL,
    started_at = NULL,
    completed_at = NULL,
    updated_at = NOW()
WHERE id = $1 AND status = 'failed' AND retry_count < $2;
`
	tag, err := r.pool.Exec(ctx, query, id, domain.MaxRetries)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusFailed {
		return domain.ErrNotFailed
	}

	// Retry cap reached: finalize with MAX_RETRIES so pollers see a stable
	// terminal error instead of an endlessly retryable job.
	finalize := `
UPDATE jobs
SET error_message = 'Max retries exceeded', error_code = $2, updated_at = NOW()
WHERE id = $1 AND status = 'failed';
`
	if _, err := r.pool.Exec(ctx, finalize, id, domain.ErrCodeMaxRetries); err != nil {
		return err
	}
	return domain.ErrRetryExhausted
}

// Cancel is permitted only while the job is still pending.
func (r *JobRepositoryPG) Cancel(ctx context.Context, id string) error {
	query := `
UPDATE jobs
SET status = 'cancelled', updated_at = NOW()
WHERE id = $1 AND status = 'pending';
`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotPending
	}
	return nil
}

// ListPending returns pending jobs in dispatch order.
func (r *JobRepositoryPG) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'pending'
ORDER BY priority DESC, created_at ASC
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Stats aggregates queue counts and the average execution time of completed jobs.
func (r *JobRepositoryPG) Stats(ctx context.Context) (*domain.QueueStats, error) {
	query := `
SELECT
    COUNT(*) FILTER (WHERE status = 'pending'),
    COUNT(*) FILTER (WHERE status = 'processing'),
    COUNT(*) FILTER (WHERE status = 'completed'),
    COUNT(*) FILTER (WHERE status = 'failed'),
    COUNT(*) FILTER (WHERE status = 'cancelled'),
    COALESCE(AVG(execution_time) FILTER (WHERE status = 'completed'), 0)
FROM jobs;
`
	var s domain.QueueStats
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.Pending, &s.Processing, &s.Completed, &s.Failed, &s.Cancelled, &s.AvgExecutionTime,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindStuck returns non-terminal jobs past their expiry.
func (r *JobRepositoryPG) FindStuck(ctx context.Context, now time.Time) ([]domain.Job, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE status IN ('pending', 'processing') AND expires_at < $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ReapExpired deletes terminal jobs past their expiry. Pending and processing
// rows are never deleted here; FindStuck surfaces those instead.
func (r *JobRepositoryPG) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
DELETE FROM jobs
WHERE status IN ('completed', 'failed', 'cancelled') AND expires_at < $1;
`
	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func terminalOrMissing(ctx context.Context, pool *pgxpool.Pool, id string) error {
	var status domain.JobStatus
	err := pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1;`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return domain.ErrAlreadyTerminal
	}
	return fmt.Errorf("job %s in unexpected status %s", id, status)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job     domain.Job
		input   []byte
		output  []byte
		errMsg  *string
		errCode *string
	)
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.Priority,
		&input,
		&output,
		&errMsg,
		&errCode,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ExecutionTime,
		&job.RetryCount,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(input, &job.Input); err != nil {
		return nil, fmt.Errorf("decode job input: %w", err)
	}
	if len(output) > 0 {
		job.Output = &domain.JobOutput{}
		if err := json.Unmarshal(output, job.Output); err != nil {
			return nil, fmt.Errorf("decode job output: %w", err)
		}
	}
	if errMsg != nil {
		job.Error = &domain.JobError{Message: *errMsg}
		if errCode != nil {
			job.Error.Code = *errCode
		}
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
