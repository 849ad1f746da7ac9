package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"patternforge/internal/dispatch"
	"patternforge/internal/domain"
	"patternforge/internal/gpu"
	"patternforge/internal/infra"
	"patternforge/internal/storage"
)

// In-memory stand-ins for the pgx repositories, enforcing the same
// transition guards the SQL does.

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*domain.Job{}}
}

func (f *fakeJobRepo) Create(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	best.Status = domain.JobStatusProcessing
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
	job.Status = domain.JobStatusProcessing
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
	job.Status = domain.JobStatusCompleted
	job.Output = &output
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
	job.Status = domain.JobStatusFailed
	job.Error = &jobErr
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
	var totalExec float64
	var execCount int
	for _, job := range f.jobs {
		switch job.Status {
		case domain.JobStatusPending:
			stats.Pending++
		case domain.JobStatusProcessing:
			stats.Processing++
		case domain.JobStatusCompleted:
			stats.Completed++
			if job.ExecutionTime != nil {
				totalExec += *job.ExecutionTime
				execCount++
			}
		case domain.JobStatusFailed:
			stats.Failed++
		case domain.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	if execCount > 0 {
		stats.AvgExecutionTime = totalExec / float64(execCount)
	}
	return stats, nil
}

func (f *fakeJobRepo) FindStuck(ctx context.Context, now time.Time) ([]domain.Job, error) {
	return nil, nil
}

func (f *fakeJobRepo) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

var _ domain.JobRepository = (*fakeJobRepo)(nil)

type fakeGenRepo struct {
	mu   sync.Mutex
	gens map[string]*domain.Generation
}

func newFakeGenRepo() *fakeGenRepo {
	return &fakeGenRepo{gens: map[string]*domain.Generation{}}
}

func (f *fakeGenRepo) Create(ctx context.Context, gen *domain.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

// fakeBlobStore keeps blobs in memory and counts writes, so duplicate
// webhook deliveries can be shown to write at most one blob.
type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	puts  int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: map[string][]byte{}}
}

func (f *fakeBlobStore) PutImage(ctx context.Context, imageBase64 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return "", err
	}
	f.puts++
	id := fmt.Sprintf("blob-%d", f.puts)
	f.blobs[id] = data
	return id, nil
}

func (f *fakeBlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[id]
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return data, nil
}

func (f *fakeBlobStore) Info(ctx context.Context, id string) (storage.BlobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[id]
	if !ok {
		return storage.BlobInfo{}, storage.ErrBlobNotFound
	}
	return storage.BlobInfo{ID: id, Size: int64(len(data))}, nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, id)
	return nil
}

func (f *fakeBlobStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeBlobStore) blobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

var _ storage.BlobStore = (*fakeBlobStore)(nil)

// fakeGPU always reports the scripted availability.
type fakeGPU struct {
	availability gpu.Availability
}

func (f *fakeGPU) EnsureAvailable(ctx context.Context) gpu.Availability { return f.availability }
func (f *fakeGPU) MarkActive(now time.Time)                             {}
func (f *fakeGPU) StopIfIdle(ctx context.Context, idleTimeout time.Duration) bool {
	return false
}

type fakePusher struct {
	err error
}

func (f *fakePusher) PushJob(ctx context.Context, baseURL string, job *domain.Job) error {
	return f.err
}

type appFixture struct {
	app   *App
	jobs  *fakeJobRepo
	gens  *fakeGenRepo
	store *fakeBlobStore
}

func newAppFixture() *appFixture {
	jobs := newFakeJobRepo()
	gens := newFakeGenRepo()
	store := newFakeBlobStore()
	ctrl := &fakeGPU{availability: gpu.Availability{State: gpu.StateUnavailable}}
	dispatcher := dispatch.NewDispatcher(jobs, gens, ctrl, &fakePusher{}, zerolog.Nop())
	app := &App{
		Jobs:       jobs,
		Gens:       gens,
		Dispatcher: dispatcher,
		Store:      store,
		Config: &infra.Config{
			StorageBaseURL:  "http://localhost:8080/v1/images",
			WorkerAPISecret: "shh",
			JWTSecret:       "jwt-secret",
		},
		Logger: zerolog.Nop(),
	}
	return &appFixture{app: app, jobs: jobs, gens: gens, store: store}
}
