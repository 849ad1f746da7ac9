package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"patternforge/internal/domain"
	"patternforge/pkg/zip"
)

type historyItem struct {
	ID             string    `json:"id"`
	Prompt         string    `json:"prompt"`
	Status         string    `json:"status"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	GenerationTime *float64  `json:"generationTime,omitempty"`
	IsFavorite     bool      `json:"isFavorite"`
	Downloads      int       `json:"downloads"`
	CreatedAt      time.Time `json:"createdAt"`
}

// History lists the caller's generations, newest first.
func (a *App) History(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	gens, err := a.Gens.ListByUser(r.Context(), userID, limit)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load history")
		return
	}
	items := make([]historyItem, 0, len(gens))
	for _, gen := range gens {
		items = append(items, historyItem{
			ID:             gen.ID,
			Prompt:         gen.Prompt,
			Status:         string(gen.Status),
			ImageURL:       gen.GeneratedImageURL,
			GenerationTime: gen.GenerationTime,
			IsFavorite:     gen.IsFavorite,
			Downloads:      gen.Downloads,
			CreatedAt:      gen.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

type favoriteRequest struct {
	Favorite bool `json:"favorite"`
}

// SetFavorite toggles the favorite flag on one of the caller's generations.
func (a *App) SetFavorite(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	genID := chi.URLParam(r, "id")
	var req favoriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.Gens.SetFavorite(r.Context(), genID, userID, req.Favorite); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "generation not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to update favorite")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"success": true, "isFavorite": req.Favorite})
}

// DownloadHistory streams a zip of the caller's completed images.
func (a *App) DownloadHistory(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	gens, err := a.Gens.ListByUser(r.Context(), userID, 100)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load history")
		return
	}

	var assets []zip.Asset
	for _, gen := range gens {
		if gen.Status != domain.GenerationStatusCompleted || gen.GeneratedImageID == "" {
			continue
		}
		data, err := a.Store.Get(r.Context(), gen.GeneratedImageID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("generation_id", gen.ID).Msg("handlers: blob missing for download")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("%s.png", gen.ID),
			MIME:     "image/png",
			Data:     data,
		})
		if err := a.Gens.IncrementDownloads(r.Context(), gen.ID); err != nil {
			a.Logger.Warn().Err(err).Str("generation_id", gen.ID).Msg("handlers: download counter failed")
		}
	}
	if len(assets) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no completed images to download")
		return
	}

	archive, err := zip.ArchiveAssets(assets)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: archive build failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to build archive")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=generations.zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
