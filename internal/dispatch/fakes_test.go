package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"patternforge/internal/domain"
	"patternforge/internal/gpu"
)

// fakeJobRepo mirrors the store-layer transition guards in memory so the
// pipeline can be exercised without a database.
type fakeJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	createErr error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*domain.Job{}}
}

func (f *fakeJobRepo) Create(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobRepo) ClaimNext(ctx context.Context) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.Job
	for _, job := range f.jobs {
		if job.Status != domain.JobStatusPending {
			continue
		}
		if best == nil ||
			job.Priority > best.Priority ||
			(job.Priority == best.Priority && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, domain.ErrNoJobAvailable
	}
	now := time.Now().UTC()
	best.Status = domain.JobStatusProcessing
	best.StartedAt = &now
	copied := *best
	return &copied, nil
}

func (f *fakeJobRepo) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != domain.JobStatusPending {
		return domain.ErrNotPending
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusProcessing
	job.StartedAt = &now
	return nil
}

func (f *fakeJobRepo) CountAhead(ctx context.Context, createdBefore time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, job := range f.jobs {
		if (job.Status == domain.JobStatusPending || job.Status == domain.JobStatusProcessing) &&
			job.CreatedAt.Before(createdBefore) {
			count++
		}
	}
	return count, nil
}

func (f *fakeJobRepo) MarkCompleted(ctx context.Context, id string, output domain.JobOutput, executionTime *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return domain.ErrAlreadyTerminal
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusCompleted
	job.Output = &output
	job.CompletedAt = &now
	job.ExecutionTime = executionTime
	return nil
}

func (f *fakeJobRepo) MarkFailed(ctx context.Context, id string, jobErr domain.JobError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return domain.ErrAlreadyTerminal
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusFailed
	job.Error = &jobErr
	job.CompletedAt = &now
	return nil
}

func (f *fakeJobRepo) Retry(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.JobStatusFailed {
		return domain.ErrNotFailed
	}
	if job.RetryCount >= domain.MaxRetries {
		job.Error = &domain.JobError{Message: "Max retries exceeded", Code: domain.ErrCodeMaxRetries}
		return domain.ErrRetryExhausted
	}
	job.RetryCount++
	job.Status = domain.JobStatusPending
	job.Error = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	return nil
}

func (f *fakeJobRepo) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != domain.JobStatusPending {
		return domain.ErrNotPending
	}
	job.Status = domain.JobStatusCancelled
	return nil
}

func (f *fakeJobRepo) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []domain.Job
	for _, job := range f.jobs {
		if job.Status == domain.JobStatusPending {
			pending = append(pending, *job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (f *fakeJobRepo) Stats(ctx context.Context) (*domain.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &domain.QueueStats{}
	for _, job := range f.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			stats.Pending++
		case domain.JobStatusProcessing:
			stats.Processing++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		case domain.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (f *fakeJobRepo) FindStuck(ctx context.Context, now time.Time) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stuck []domain.Job
	for _, job := range f.jobs {
		if !job.Status.IsTerminal() && now.After(job.ExpiresAt) {
			stuck = append(stuck, *job)
		}
	}
	return stuck, nil
}

func (f *fakeJobRepo) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for id, job := range f.jobs {
		if job.Status.IsTerminal() && now.After(job.ExpiresAt) {
			delete(f.jobs, id)
			removed++
		}
	}
	return removed, nil
}

var _ domain.JobRepository = (*fakeJobRepo)(nil)

type fakeGenRepo struct {
	mu        sync.Mutex
	gens      map[string]*domain.Generation
	createErr error
}

func newFakeGenRepo() *fakeGenRepo {
	return &fakeGenRepo{gens: map[string]*domain.Generation{}}
}

func (f *fakeGenRepo) Create(ctx context.Context, gen *domain.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	copied := *gen
	f.gens[gen.ID] = &copied
	return nil
}

func (f *fakeGenRepo) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen, ok := f.gens[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *gen
	return &copied, nil
}

func (f *fakeGenRepo) GetByJobID(ctx context.Context, jobID string) (*domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, gen := range f.gens {
		if gen.JobID == jobID {
			copied := *gen
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeGenRepo) MarkCompletedFromJob(ctx context.Context, id, imageID, imageURL string, generationTime *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen, ok := f.gens[id]
	if !ok {
		return domain.ErrNotFound
	}
	if gen.Status != domain.GenerationStatusProcessing {
		return nil
	}
	gen.Status = domain.GenerationStatusCompleted
	gen.GeneratedImageID = imageID
	gen.GeneratedImageURL = imageURL
	gen.GenerationTime = generationTime
	return nil
}

func (f *fakeGenRepo) MarkFailedFromJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen, ok := f.gens[id]
	if !ok {
		return domain.ErrNotFound
	}
	if gen.Status != domain.GenerationStatusProcessing {
		return nil
	}
	gen.Status = domain.GenerationStatusFailed
	return nil
}

func (f *fakeGenRepo) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Generation
	for _, gen := range f.gens {
		if gen.UserID == userID {
			out = append(out, *gen)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeGenRepo) SetFavorite(ctx context.Context, id, userID string, favorite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen, ok := f.gens[id]
	if !ok || gen.UserID != userID {
		return domain.ErrNotFound
	}
	gen.IsFavorite = favorite
	return nil
}

func (f *fakeGenRepo) IncrementDownloads(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen, ok := f.gens[id]
	if !ok {
		return domain.ErrNotFound
	}
	gen.Downloads++
	return nil
}

var _ domain.GenerationRepository = (*fakeGenRepo)(nil)

// fakeGPU returns a scripted availability and records every interaction.
type fakeGPU struct {
	mu           sync.Mutex
	availability gpu.Availability
	ensureCalls  int
	activeMarks  int
	idleStops    int
	idleStopped  bool
}

func (f *fakeGPU) EnsureAvailable(ctx context.Context) gpu.Availability {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return f.availability
}

func (f *fakeGPU) MarkActive(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeMarks++
}

func (f *fakeGPU) StopIfIdle(ctx context.Context, idleTimeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleStops++
	return f.idleStopped
}

// fakePusher records pushed job ids and fails when told to.
type fakePusher struct {
	mu      sync.Mutex
	pushed  []string
	pushErr error
}

func (f *fakePusher) PushJob(ctx context.Context, baseURL string, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, job.ID)
	return nil
}

func (f *fakePusher) pushedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pushed...)
}
