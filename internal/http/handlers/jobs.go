package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"patternforge/internal/domain"
	"patternforge/internal/metrics"
)

type pendingJob struct {
	ID         string    `json:"id"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// PendingJobs is the secret-guarded feed an external queue manager polls.
// Payloads are withheld; the manager claims through the store, not this feed.
func (a *App) PendingJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.Jobs.ListPending(r.Context(), 10)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to fetch pending jobs")
		return
	}
	items := make([]pendingJob, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, pendingJob{
			ID:         job.ID,
			Priority:   job.Priority,
			RetryCount: job.RetryCount,
			CreatedAt:  job.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"success": true, "count": len(items), "jobs": items})
}

// JobStats reports queue counts and the average execution time.
func (a *App) JobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Jobs.Stats(r.Context())
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to fetch stats")
		return
	}
	total := stats.Pending + stats.Processing + stats.Completed + stats.Failed + stats.Cancelled
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"stats": map[string]any{
			"pending":          stats.Pending,
			"processing":       stats.Processing,
			"completed":        stats.Completed,
			"failed":           stats.Failed,
			"cancelled":        stats.Cancelled,
			"total":            total,
			"avgExecutionTime": stats.AvgExecutionTime,
		},
	})
}

// RetryJob is the explicit retry action for a failed job. Refused with a
// stable MAX_RETRIES finalization once the cap is reached.
func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	err := a.Jobs.Retry(r.Context(), jobID)
	switch {
	case err == nil:
		metrics.JobsRetried.Inc()
		a.json(w, http.StatusOK, map[string]any{"success": true, "status": string(domain.JobStatusPending)})
	case errors.Is(err, domain.ErrRetryExhausted):
		a.error(w, http.StatusConflict, domain.ErrCodeMaxRetries, "retry limit reached")
	case errors.Is(err, domain.ErrNotFailed):
		a.error(w, http.StatusConflict, "not_failed", "only failed jobs can be retried")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	default:
		a.error(w, http.StatusInternalServerError, "internal", "retry failed")
	}
}
