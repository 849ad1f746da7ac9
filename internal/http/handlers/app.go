package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"patternforge/internal/dispatch"
	"patternforge/internal/domain"
	"patternforge/internal/infra"
	"patternforge/internal/middleware"
	"patternforge/internal/storage"
)

// CreditsLedger is the billing collaborator consulted around dispatch. The
// ledger itself lives outside this service.
type CreditsLedger interface {
	Balance(ctx context.Context, userID string) (int, error)
	Debit(ctx context.Context, userID string, amount int) (int, error)
}

// App bundles the dependencies the HTTP handlers need.
type App struct {
	Jobs       domain.JobRepository
	Gens       domain.GenerationRepository
	Dispatcher *dispatch.Dispatcher
	Store      storage.BlobStore
	Credits    CreditsLedger // optional
	Config     *infra.Config
	Logger     infra.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, errorResponse{Error: code, Code: code, Message: message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
