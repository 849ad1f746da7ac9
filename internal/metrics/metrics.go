package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_enqueued_total",
		Help: "Jobs accepted into the queue.",
	}, []string{"priority"})

	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_completed_total",
		Help: "Jobs finished successfully.",
	})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_failed_total",
		Help: "Jobs finished in failure.",
	}, []string{"code"})

	JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_retried_total",
		Help: "Failed jobs moved back to pending.",
	})

	WebhookDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_webhook_duplicates_total",
		Help: "Webhook deliveries that found the job already terminal.",
	})

	PushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_worker_push_failures_total",
		Help: "Best-effort pushes to the GPU worker that did not go through.",
	})

	GPUStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_gpu_starts_total",
		Help: "Start commands issued to the GPU instance.",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_job_execution_seconds",
		Help:    "Remote execution time reported per completed job.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 8),
	})
)

// Handler exposes the prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
