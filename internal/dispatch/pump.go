package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"patternforge/internal/domain"
	"patternforge/internal/gpu"
	"patternforge/internal/metrics"
)

// ErrCodeWorkerUnreachable marks a push that could not reach the worker; the
// retry policy decides whether the job goes back to pending.
const ErrCodeWorkerUnreachable = "WORKER_UNREACHABLE"

// maxDrainPerTick bounds how many jobs one pump tick hands over, so a long
// backlog cannot starve the reaper and idle-stop checks.
const maxDrainPerTick = 10

// Pump is the out-of-band pickup loop: it wakes the GPU while jobs are
// queued, drains claimable jobs to the worker, stops an idle instance, and
// keeps the job table healthy (expired-row reaping, stuck-job failure).
type Pump struct {
	jobs        domain.JobRepository
	gens        domain.GenerationRepository
	gpu         GPUController
	worker      WorkerPusher
	idleTimeout time.Duration
	logger      zerolog.Logger
}

// NewPump wires a Pump.
func NewPump(jobs domain.JobRepository, gens domain.GenerationRepository, ctrl GPUController, pusher WorkerPusher, idleTimeout time.Duration, logger zerolog.Logger) *Pump {
	return &Pump{
		jobs:        jobs,
		gens:        gens,
		gpu:         ctrl,
		worker:      pusher,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Run ticks RunOnce until the context is cancelled.
func (p *Pump) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.logger.Info().Dur("interval", interval).Msg("pump: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs one maintenance-and-drain pass.
func (p *Pump) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	p.reap(ctx, now)
	p.failStuck(ctx, now)

	pending, err := p.jobs.ListPending(ctx, 1)
	if err != nil {
		p.logger.Error().Err(err).Msg("pump: pending check failed")
		return
	}
	if len(pending) == 0 {
		if p.gpu.StopIfIdle(ctx, p.idleTimeout) {
			p.logger.Info().Msg("pump: idle gpu stopped")
		}
		return
	}

	availability := p.gpu.EnsureAvailable(ctx)
	if availability.State != gpu.StateReady {
		p.logger.Debug().
			Str("state", string(availability.State)).
			Str("message", availability.Message).
			Msg("pump: worker not ready, jobs stay queued")
		return
	}
	p.drain(ctx, availability.URL)
}

// drain claims and pushes jobs until the queue is empty, the per-tick cap is
// hit, or a push fails. A failed push sends the job through the retry policy
// and ends the pass; the worker gets probed again next tick.
func (p *Pump) drain(ctx context.Context, workerURL string) {
	for i := 0; i < maxDrainPerTick; i++ {
		job, err := p.jobs.ClaimNext(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNoJobAvailable) {
				p.logger.Error().Err(err).Msg("pump: claim failed")
			}
			return
		}

		if err := p.worker.PushJob(ctx, workerURL, job); err != nil {
			metrics.PushFailures.Inc()
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("pump: push failed")
			p.retryAfterPushFailure(ctx, job)
			return
		}
		p.gpu.MarkActive(time.Now())
		p.logger.Info().
			Str("job_id", job.ID).
			Int("priority", job.Priority).
			Msg("pump: job handed to worker")
	}
}

// retryAfterPushFailure walks the claimed job through failed -> pending so
// the retry cap applies to unreachable-worker churn too. Once the cap is hit
// the job finalizes as MAX_RETRIES and the generation mirrors the failure.
func (p *Pump) retryAfterPushFailure(ctx context.Context, job *domain.Job) {
	jobErr := domain.JobError{Message: "worker unreachable", Code: ErrCodeWorkerUnreachable}
	if err := p.jobs.MarkFailed(ctx, job.ID, jobErr); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("pump: mark failed after push failure")
		return
	}
	err := p.jobs.Retry(ctx, job.ID)
	switch {
	case err == nil:
		metrics.JobsRetried.Inc()
	case errors.Is(err, domain.ErrRetryExhausted):
		metrics.JobsFailed.WithLabelValues(domain.ErrCodeMaxRetries).Inc()
		p.mirrorFailure(ctx, job.ID)
		p.logger.Warn().Str("job_id", job.ID).Msg("pump: retries exhausted")
	default:
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("pump: retry failed")
	}
}

func (p *Pump) reap(ctx context.Context, now time.Time) {
	n, err := p.jobs.ReapExpired(ctx, now)
	if err != nil {
		p.logger.Error().Err(err).Msg("pump: reap failed")
		return
	}
	if n > 0 {
		p.logger.Info().Int("count", n).Msg("pump: expired jobs removed")
	}
}

// failStuck converts jobs that sat non-terminal past their TTL into failures
// so a poller is never left with an indefinitely processing generation.
func (p *Pump) failStuck(ctx context.Context, now time.Time) {
	stuck, err := p.jobs.FindStuck(ctx, now)
	if err != nil {
		p.logger.Error().Err(err).Msg("pump: stuck scan failed")
		return
	}
	for _, job := range stuck {
		jobErr := domain.JobError{Message: "job expired before completing", Code: domain.ErrCodeStuck}
		if err := p.jobs.MarkFailed(ctx, job.ID, jobErr); err != nil {
			if !errors.Is(err, domain.ErrAlreadyTerminal) {
				p.logger.Error().Err(err).Str("job_id", job.ID).Msg("pump: stuck job fail failed")
			}
			continue
		}
		metrics.JobsFailed.WithLabelValues(domain.ErrCodeStuck).Inc()
		p.mirrorFailure(ctx, job.ID)
		p.logger.Warn().Str("job_id", job.ID).Msg("pump: stuck job failed")
	}
}

func (p *Pump) mirrorFailure(ctx context.Context, jobID string) {
	gen, err := p.gens.GetByJobID(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("pump: generation lookup failed")
		}
		return
	}
	if err := p.gens.MarkFailedFromJob(ctx, gen.ID); err != nil {
		p.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("pump: generation fail mirror failed")
	}
}
