package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"patternforge/internal/domain"
	"patternforge/internal/gpu"
	"patternforge/internal/metrics"
)

// GPUController is the slice of the GPU lifecycle controller the pipeline needs.
type GPUController interface {
	EnsureAvailable(ctx context.Context) gpu.Availability
	MarkActive(now time.Time)
	StopIfIdle(ctx context.Context, idleTimeout time.Duration) bool
}

// WorkerPusher hands a job to the remote worker.
type WorkerPusher interface {
	PushJob(ctx context.Context, baseURL string, job *domain.Job) error
}

// ErrNothingEnqueued is returned when not a single variation of a request
// could be persisted.
var ErrNothingEnqueued = errors.New("dispatch: no variations enqueued")

const (
	defaultVariations = 1

	// MaxVariations caps how many variations one request may enqueue.
	// Callers gating on cost must clamp to it before charging.
	MaxVariations = 4
)

// Request is one client generation request.
type Request struct {
	ImageData     string
	Prompt        string
	NumVariations int
	Seed          *int64
	Guidance      float64
	Denoise       float64
	Steps         int
}

// Variation is the pollable handle returned per enqueued variation.
type Variation struct {
	GenerationID string
	JobID        string
	Status       domain.GenerationStatus
}

// Dispatcher accepts generation requests: it persists a Job and a linked
// Generation per variation, nudges the GPU instance awake, and hands jobs to
// the worker when it is already reachable. The durable queue, not the push,
// is what guarantees eventual execution.
type Dispatcher struct {
	jobs   domain.JobRepository
	gens   domain.GenerationRepository
	gpu    GPUController
	worker WorkerPusher
	logger zerolog.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(jobs domain.JobRepository, gens domain.GenerationRepository, ctrl GPUController, pusher WorkerPusher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{jobs: jobs, gens: gens, gpu: ctrl, worker: pusher, logger: logger}
}

// Dispatch enqueues up to NumVariations jobs for one request. Partial
// failures are tolerated: whatever subset was persisted is returned, and only
// a fully empty result is an error. The response means "queued", never "done".
func (d *Dispatcher) Dispatch(ctx context.Context, userID, plan string, req Request) ([]Variation, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("dispatch: prompt is required")
	}
	if req.ImageData == "" {
		return nil, fmt.Errorf("dispatch: reference image is required")
	}
	n := req.NumVariations
	if n <= 0 {
		n = defaultVariations
	}
	if n > MaxVariations {
		n = MaxVariations
	}

	availability := d.gpu.EnsureAvailable(ctx)
	d.logger.Debug().
		Str("state", string(availability.State)).
		Str("user_id", userID).
		Msg("dispatch: gpu availability")

	priority := domain.PriorityForPlan(plan)
	variations := make([]Variation, 0, n)
	for i := 0; i < n; i++ {
		job, gen, err := d.createRecords(ctx, userID, priority, req)
		if err != nil {
			d.logger.Error().Err(err).Int("variation", i).Str("user_id", userID).
				Msg("dispatch: record creation failed")
			continue
		}
		metrics.JobsEnqueued.WithLabelValues(fmt.Sprintf("%d", priority)).Inc()

		if availability.State == gpu.StateReady {
			d.pushBestEffort(ctx, availability.URL, job)
		}

		variations = append(variations, Variation{
			GenerationID: gen.ID,
			JobID:        job.ID,
			Status:       gen.Status,
		})
	}

	if len(variations) == 0 {
		return nil, ErrNothingEnqueued
	}
	return variations, nil
}

// createRecords persists the Job and its linked Generation. A generation that
// cannot be persisted takes its freshly created job down with it so no
// unreachable job lingers in the queue.
func (d *Dispatcher) createRecords(ctx context.Context, userID string, priority int, req Request) (*domain.Job, *domain.Generation, error) {
	now := time.Now().UTC()
	settings := domain.DefaultSettings()
	if req.Seed != nil {
		settings.Seed = req.Seed
	}
	if req.Guidance > 0 {
		settings.Guidance = req.Guidance
	}
	if req.Denoise > 0 {
		settings.Denoise = req.Denoise
	}
	if req.Steps > 0 {
		settings.Steps = req.Steps
	}

	job := &domain.Job{
		ID:       uuid.NewString(),
		UserID:   userID,
		Status:   domain.JobStatusPending,
		Priority: priority,
		Input: domain.JobInput{
			ImageData: req.ImageData,
			Prompt:    req.Prompt,
			Settings:  settings,
		},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(domain.JobTTL),
	}
	if err := d.jobs.Create(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("create job: %w", err)
	}

	gen := &domain.Generation{
		ID:                uuid.NewString(),
		UserID:            userID,
		Prompt:            req.Prompt,
		ReferenceImageURL: req.ImageData,
		JobID:             job.ID,
		Status:            domain.GenerationStatusProcessing,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := d.gens.Create(ctx, gen); err != nil {
		if cancelErr := d.jobs.Cancel(ctx, job.ID); cancelErr != nil {
			d.logger.Error().Err(cancelErr).Str("job_id", job.ID).
				Msg("dispatch: orphan job cancel failed")
		}
		return nil, nil, fmt.Errorf("create generation: %w", err)
	}
	return job, gen, nil
}

// pushBestEffort hands the job to the worker and claims it on success. Push
// failure is logged and swallowed: the job stays pending for the out-of-band
// pickup loop.
func (d *Dispatcher) pushBestEffort(ctx context.Context, workerURL string, job *domain.Job) {
	if err := d.worker.PushJob(ctx, workerURL, job); err != nil {
		metrics.PushFailures.Inc()
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("dispatch: worker push failed, job stays queued")
		return
	}
	if err := d.jobs.Start(ctx, job.ID); err != nil && !errors.Is(err, domain.ErrNotPending) {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatch: start transition failed")
		return
	}
	job.Status = domain.JobStatusProcessing
	d.gpu.MarkActive(time.Now())
	d.logger.Info().Str("job_id", job.ID).Msg("dispatch: job handed to worker")
}

// Cancel cancels a still-pending job and mirrors the outcome onto its
// generation. In-flight remote work is never preempted.
func (d *Dispatcher) Cancel(ctx context.Context, userID, generationID string) error {
	gen, err := d.gens.GetByID(ctx, generationID)
	if err != nil {
		return err
	}
	if gen.UserID != userID {
		return domain.ErrNotFound
	}
	if err := d.jobs.Cancel(ctx, gen.JobID); err != nil {
		return err
	}
	if err := d.gens.MarkFailedFromJob(ctx, gen.ID); err != nil {
		d.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("dispatch: cancel mirror failed")
	}
	return nil
}
