package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"patternforge/internal/storage"
)

// Image serves a stored blob by id.
func (a *App) Image(w http.ResponseWriter, r *http.Request) {
	blobID := chi.URLParam(r, "id")
	data, err := a.Store.Get(r.Context(), blobID)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		a.Logger.Error().Err(err).Str("blob_id", blobID).Msg("handlers: blob read failed")
		a.error(w, http.StatusNotFound, "not_found", "image not found")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
