package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"patternforge/internal/http/handlers"
	"patternforge/internal/metrics"
	"patternforge/internal/middleware"
)

// NewRouter wires all routes. Client-facing routes sit behind JWT auth and
// rate limiting; worker-facing routes behind the shared secret.
func NewRouter(app *handlers.App) http.Handler {
	cfg := app.Config

	r := chi.NewRouter()
	r.Use(
		chimw.RealIP,
		chimw.Recoverer,
		middleware.RequestID,
		middleware.Logger(app.Logger),
	)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(cfg.AllowedOrigins))
	}

	r.Get("/v1/healthz", app.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Image blobs are addressed by unguessable ids; completed generations
	// reference them by URL.
	r.Get("/v1/images/{id}", app.Image)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))

		r.Post("/v1/generate", app.Generate)
		r.Get("/v1/generations/{id}", app.PollGeneration)
		r.Post("/v1/generations/{id}/cancel", app.CancelGeneration)

		r.Get("/v1/history", app.History)
		r.Get("/v1/history/download", app.DownloadHistory)
		r.Post("/v1/history/{id}/favorite", app.SetFavorite)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSecret(cfg.WorkerAPISecret))

		r.Post("/v1/webhooks/worker", app.WorkerWebhook)
		r.Get("/v1/jobs/pending", app.PendingJobs)
		r.Get("/v1/jobs/stats", app.JobStats)
		r.Post("/v1/jobs/{id}/retry", app.RetryJob)
	})

	return r
}
