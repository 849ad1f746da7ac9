package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"patternforge/internal/domain"
	"patternforge/internal/metrics"
)

// workerCallback is the payload the remote worker posts on completion or
// failure. It is validated at the boundary before any persisted state is
// touched: a success must carry image data, a failure a message.
type workerCallback struct {
	JobID         string   `json:"job_id"`
	Success       bool     `json:"success"`
	ImageBase64   string   `json:"image_base64,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// WorkerWebhook finalizes a job from the worker's callback. Delivery is
// at-least-once: a job already terminal is acknowledged without re-mutating
// state, re-writing the blob, or erroring. The shared-secret check happens in
// middleware before this handler runs.
func (a *App) WorkerWebhook(w http.ResponseWriter, r *http.Request) {
	var cb workerCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if cb.JobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id is required")
		return
	}
	if cb.Success && cb.ImageBase64 == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "success callback requires image data")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), cb.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.Logger.Warn().Str("job_id", cb.JobID).Msg("webhook: unknown job")
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "job lookup failed")
		return
	}
	gen, err := a.Gens.GetByJobID(r.Context(), job.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// 1:1 creation means this should not happen; treat it as a
			// data-integrity anomaly, not a crash.
			a.Logger.Error().Str("job_id", job.ID).Msg("webhook: job without generation")
			a.error(w, http.StatusNotFound, "not_found", "generation not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "generation lookup failed")
		return
	}

	if job.Status.IsTerminal() {
		metrics.WebhookDuplicates.Inc()
		a.Logger.Info().Str("job_id", job.ID).Str("status", string(job.Status)).
			Msg("webhook: duplicate delivery for terminal job")
		a.json(w, http.StatusOK, map[string]any{"success": true, "message": "already processed"})
		return
	}

	if cb.Success {
		a.completeFromWebhook(w, r, job, gen, cb)
		return
	}
	a.failFromWebhook(w, r, job, gen, cb)
}

// completeFromWebhook persists the blob first, then flips job and generation.
// A poller can therefore never observe completed with an unreadable blob.
func (a *App) completeFromWebhook(w http.ResponseWriter, r *http.Request, job *domain.Job, gen *domain.Generation, cb workerCallback) {
	blobID, err := a.Store.PutImage(r.Context(), cb.ImageBase64)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: blob store failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to store image")
		return
	}
	imageURL := a.Config.StorageBaseURL + "/" + blobID

	output := domain.JobOutput{ImageID: blobID, ImageURL: imageURL, Seed: job.Input.Settings.Seed}
	if err := a.Jobs.MarkCompleted(r.Context(), job.ID, output, cb.ExecutionTime); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			// A concurrent duplicate won the transition; its blob is the
			// canonical one, so this delivery's write is cleaned up.
			if delErr := a.Store.Delete(r.Context(), blobID); delErr != nil {
				a.Logger.Warn().Err(delErr).Str("blob_id", blobID).Msg("webhook: orphan blob cleanup failed")
			}
			metrics.WebhookDuplicates.Inc()
			a.json(w, http.StatusOK, map[string]any{"success": true, "message": "already processed"})
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: complete transition failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to complete job")
		return
	}
	if err := a.Gens.MarkCompletedFromJob(r.Context(), gen.ID, blobID, imageURL, cb.ExecutionTime); err != nil {
		a.Logger.Error().Err(err).Str("generation_id", gen.ID).Msg("webhook: generation mirror failed")
	}

	metrics.JobsCompleted.Inc()
	if cb.ExecutionTime != nil {
		metrics.JobDuration.Observe(*cb.ExecutionTime)
	}
	a.Logger.Info().
		Str("job_id", job.ID).
		Str("generation_id", gen.ID).
		Msg("webhook: generation completed")
	a.json(w, http.StatusOK, map[string]any{"success": true, "message": "webhook processed"})
}

func (a *App) failFromWebhook(w http.ResponseWriter, r *http.Request, job *domain.Job, gen *domain.Generation, cb workerCallback) {
	message := cb.Error
	if message == "" {
		message = "Unknown error"
	}
	jobErr := domain.JobError{Message: message, Code: "WORKER_ERROR"}
	if err := a.Jobs.MarkFailed(r.Context(), job.ID, jobErr); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			metrics.WebhookDuplicates.Inc()
			a.json(w, http.StatusOK, map[string]any{"success": true, "message": "already processed"})
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: fail transition failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to record failure")
		return
	}
	if err := a.Gens.MarkFailedFromJob(r.Context(), gen.ID); err != nil {
		a.Logger.Error().Err(err).Str("generation_id", gen.ID).Msg("webhook: generation mirror failed")
	}

	metrics.JobsFailed.WithLabelValues(jobErr.Code).Inc()
	a.Logger.Warn().
		Str("job_id", job.ID).
		Str("generation_id", gen.ID).
		Str("error", message).
		Msg("webhook: generation failed")
	a.json(w, http.StatusOK, map[string]any{"success": true, "message": "webhook processed"})
}
