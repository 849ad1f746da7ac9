package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"patternforge/internal/dispatch"
	"patternforge/internal/domain"
	"patternforge/internal/middleware"
)

// averageJobDuration feeds the advisory wait estimate returned to pollers.
const averageJobDuration = 35 * time.Second

type generateRequest struct {
	Image         string  `json:"image"`
	Prompt        string  `json:"prompt"`
	NumVariations int     `json:"num_variations"`
	Seed          *int64  `json:"seed,omitempty"`
	Guidance      float64 `json:"guidance,omitempty"`
	Denoise       float64 `json:"denoise,omitempty"`
	Steps         int     `json:"steps,omitempty"`
}

type variationResponse struct {
	ID     string `json:"id"`
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type generateResponse struct {
	Variations       []variationResponse `json:"variations"`
	CreditsRemaining *int                `json:"creditsRemaining,omitempty"`
}

// Generate accepts a generation request and enqueues one job per requested
// variation. HTTP success means "queued", not "done"; clients poll the
// returned generation ids.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Image == "" || req.Prompt == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "image and prompt are required")
		return
	}

	// The dispatcher clamps the variation count, so the charge must clamp
	// the same way or a capped request would be gated on credits it will
	// never spend.
	needed := req.NumVariations
	if needed <= 0 {
		needed = 1
	}
	if needed > dispatch.MaxVariations {
		needed = dispatch.MaxVariations
	}
	if a.Credits != nil {
		balance, err := a.Credits.Balance(r.Context(), userID)
		if err != nil {
			a.error(w, http.StatusInternalServerError, "internal", "credit check failed")
			return
		}
		if balance < needed {
			a.error(w, http.StatusForbidden, "insufficient_credits", "not enough credits for this request")
			return
		}
	}

	plan := middleware.UserPlanFromContext(r.Context())
	variations, err := a.Dispatcher.Dispatch(r.Context(), userID, plan, dispatch.Request{
		ImageData:     req.Image,
		Prompt:        req.Prompt,
		NumVariations: req.NumVariations,
		Seed:          req.Seed,
		Guidance:      req.Guidance,
		Denoise:       req.Denoise,
		Steps:         req.Steps,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrNothingEnqueued) {
			a.error(w, http.StatusInternalServerError, "internal", "failed to enqueue any variation")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	resp := generateResponse{Variations: make([]variationResponse, 0, len(variations))}
	for _, v := range variations {
		resp.Variations = append(resp.Variations, variationResponse{
			ID:     v.GenerationID,
			JobID:  v.JobID,
			Status: string(v.Status),
		})
	}
	if a.Credits != nil {
		remaining, err := a.Credits.Debit(r.Context(), userID, len(variations))
		if err != nil {
			a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: credit debit failed")
		} else {
			resp.CreditsRemaining = &remaining
		}
	}
	a.json(w, http.StatusAccepted, resp)
}

type pollResponse struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Prompt        string    `json:"prompt"`
	CreatedAt     time.Time `json:"createdAt"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	ExecutionTime *float64  `json:"executionTime,omitempty"`
	Error         string    `json:"error,omitempty"`
	QueuePosition *int      `json:"queuePosition,omitempty"`
	EstimatedWait *int      `json:"estimatedWait,omitempty"`
}

// PollGeneration is the read-only projection clients poll. For a generation
// still processing it includes an advisory queue position and wait estimate.
func (a *App) PollGeneration(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	genID := chi.URLParam(r, "id")
	gen, err := a.Gens.GetByID(r.Context(), genID)
	if err != nil || gen.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}

	resp := pollResponse{
		ID:        gen.ID,
		Status:    string(gen.Status),
		Prompt:    gen.Prompt,
		CreatedAt: gen.CreatedAt,
	}

	switch gen.Status {
	case domain.GenerationStatusCompleted:
		resp.ImageURL = gen.GeneratedImageURL
		resp.ExecutionTime = gen.GenerationTime

	case domain.GenerationStatusFailed:
		resp.Error = "Generation failed"
		if job, jobErr := a.Jobs.GetByID(r.Context(), gen.JobID); jobErr == nil && job.Error != nil {
			resp.Error = job.Error.Message
		}

	case domain.GenerationStatusProcessing:
		job, jobErr := a.Jobs.GetByID(r.Context(), gen.JobID)
		if jobErr != nil {
			break
		}
		ahead, countErr := a.Jobs.CountAhead(r.Context(), job.CreatedAt)
		if countErr != nil {
			a.Logger.Error().Err(countErr).Str("job_id", job.ID).Msg("handlers: queue position failed")
			break
		}
		position := ahead + 1
		wait := position * int(averageJobDuration.Seconds())
		resp.QueuePosition = &position
		resp.EstimatedWait = &wait
	}

	a.json(w, http.StatusOK, resp)
}

// CancelGeneration cancels a still-pending job. Processing jobs are not
// preempted; cancellation only prevents a future claim.
func (a *App) CancelGeneration(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	genID := chi.URLParam(r, "id")
	err := a.Dispatcher.Cancel(r.Context(), userID, genID)
	switch {
	case err == nil:
		a.json(w, http.StatusOK, map[string]any{"success": true, "status": string(domain.JobStatusCancelled)})
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
	case errors.Is(err, domain.ErrNotPending):
		a.error(w, http.StatusConflict, "not_pending", "job already started or finished")
	default:
		a.error(w, http.StatusInternalServerError, "internal", "cancel failed")
	}
}
