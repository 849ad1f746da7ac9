package domain

import (
	"context"
	"time"
)

// JobRepository defines the durable job store. All state transitions are
// guarded at the store layer: terminal states never mutate again, and claim
// is atomic so two callers can never receive the same job.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id string) (*Job, error)

	// ClaimNext selects the highest-priority, earliest-created pending job
	// and transitions it to processing in one atomic operation. Returns
	// ErrNoJobAvailable when the queue is empty.
	ClaimNext(ctx context.Context) (*Job, error)

	// Start transitions a specific pending job to processing. Used when the
	// dispatcher's immediate push to the worker succeeds. Returns
	// ErrNotPending if the job was already claimed or terminal.
	Start(ctx context.Context, id string) error

	// CountAhead counts pending/processing jobs created before the reference
	// time, for queue-position estimation.
	CountAhead(ctx context.Context, createdBefore time.Time) (int, error)

	// MarkCompleted and MarkFailed are idempotent terminal transitions:
	// they return ErrAlreadyTerminal instead of re-mutating a finished job.
	MarkCompleted(ctx context.Context, id string, output JobOutput, executionTime *float64) error
	MarkFailed(ctx context.Context, id string, jobErr JobError) error

	// Retry moves a failed job back to pending, incrementing the retry
	// count. Once the cap is reached the job is finalized as failed with
	// code MAX_RETRIES and ErrRetryExhausted is returned.
	Retry(ctx context.Context, id string) error

	// Cancel is permitted only while pending.
	Cancel(ctx context.Context, id string) error

	ListPending(ctx context.Context, limit int) ([]Job, error)
	Stats(ctx context.Context) (*QueueStats, error)

	// FindStuck returns non-terminal jobs past their expiry, a bug class the
	// reaper converts to failed/STUCK.
	FindStuck(ctx context.Context, now time.Time) ([]Job, error)

	// ReapExpired deletes terminal jobs past their expiry and returns the
	// number removed. Expiry never fires on pending/processing rows.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

// GenerationRepository defines persistence for generation records.
type GenerationRepository interface {
	Create(ctx context.Context, gen *Generation) error
	GetByID(ctx context.Context, id string) (*Generation, error)
	GetByJobID(ctx context.Context, jobID string) (*Generation, error)

	// MarkCompletedFromJob and MarkFailedFromJob mirror the linked job's
	// terminal transition; already-terminal generations are left untouched.
	MarkCompletedFromJob(ctx context.Context, id, imageID, imageURL string, generationTime *float64) error
	MarkFailedFromJob(ctx context.Context, id string) error

	ListByUser(ctx context.Context, userID string, limit int) ([]Generation, error)
	SetFavorite(ctx context.Context, id, userID string, favorite bool) error
	IncrementDownloads(ctx context.Context, id string) error
}
