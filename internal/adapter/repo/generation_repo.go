package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"patternforge/internal/domain"
)

// GenerationRepositoryPG implements domain.GenerationRepository over PostgreSQL.
type GenerationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewGenerationRepository creates a new generation repository backed by PostgreSQL.
func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{pool: pool}
}

const generationColumns = `id, user_id, prompt, reference_image_url, job_id, status,
generated_image_id, generated_image_url, generation_time,
is_favorite, is_public, downloads, views, created_at, updated_at`

// Create inserts a new generation record linked to its job.
func (r *GenerationRepositoryPG) Create(ctx context.Context, gen *domain.Generation) error {
	query := `
INSERT INTO generations (id, user_id, prompt, reference_image_url, job_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7);
`
	_, err := r.pool.Exec(ctx, query,
		gen.ID,
		gen.UserID,
		gen.Prompt,
		gen.ReferenceImageURL,
		gen.JobID,
		gen.Status,
		gen.CreatedAt,
	)
	return err
}

// GetByID fetches a generation by its identifier.
func (r *GenerationRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1;`, id)
	return scanGeneration(row)
}

// GetByJobID resolves the generation linked to a job. The reverse lookup is
// served by the job_id index; jobs hold no back-pointer.
func (r *GenerationRepositoryPG) GetByJobID(ctx context.Context, jobID string) (*domain.Generation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE job_id = $1;`, jobID)
	return scanGeneration(row)
}

// MarkCompletedFromJob mirrors the linked job's completed transition. Already
// terminal generations are left untouched.
func (r *GenerationRepositoryPG) MarkCompletedFromJob(ctx context.Context, id, imageID, imageURL string, generationTime *float64) error {
	query := `
UPDATE generations
SET status = 'completed',
    generated_image_id = $2,
    generated_image_url = $3,
    generation_time = $4,
    updated_at = NOW()
WHERE id = $1 AND status = 'processing';
`
	_, err := r.pool.Exec(ctx, query, id, imageID, imageURL, generationTime)
	return err
}

// MarkFailedFromJob mirrors the linked job's failed transition, idempotently.
func (r *GenerationRepositoryPG) MarkFailedFromJob(ctx context.Context, id string) error {
	query := `
UPDATE generations
SET status = 'failed', updated_at = NOW()
WHERE id = $1 AND status = 'processing';
`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// ListByUser returns the caller's generations, newest first.
func (r *GenerationRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Generation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
SELECT ` + generationColumns + `
FROM generations
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gens []domain.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		gens = append(gens, *gen)
	}
	return gens, rows.Err()
}

// SetFavorite toggles the favorite flag, scoped to the owner.
func (r *GenerationRepositoryPG) SetFavorite(ctx context.Context, id, userID string, favorite bool) error {
	query := `
UPDATE generations
SET is_favorite = $3, updated_at = NOW()
WHERE id = $1 AND user_id = $2;
`
	tag, err := r.pool.Exec(ctx, query, id, userID, favorite)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementDownloads bumps the download counter.
func (r *GenerationRepositoryPG) IncrementDownloads(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE generations SET downloads = downloads + 1 WHERE id = $1;`, id)
	return err
}

func scanGeneration(row pgx.Row) (*domain.Generation, error) {
	var gen domain.Generation
	err := row.Scan(
		&gen.ID,
		&gen.UserID,
		&gen.Prompt,
		&gen.ReferenceImageURL,
		&gen.JobID,
		&gen.Status,
		&gen.GeneratedImageID,
		&gen.GeneratedImageURL,
		&gen.GenerationTime,
		&gen.IsFavorite,
		&gen.IsPublic,
		&gen.Downloads,
		&gen.Views,
		&gen.CreatedAt,
		&gen.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &gen, nil
}

var _ domain.GenerationRepository = (*GenerationRepositoryPG)(nil)
