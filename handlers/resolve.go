package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"streamrelay/models"
	"streamrelay/services/resolver"
)

// resolveService is the slice of the resolver the handler consumes.
type resolveService interface {
	Resolve(ctx context.Context, req resolver.ResolveRequest) (*models.Resolution, error)
	Invalidate(ctx context.Context, provider string, key models.MediaKey) error
}

// ResolveHandler answers stream resolution and cache invalidation calls.
type ResolveHandler struct {
	resolver resolveService
}

func NewResolveHandler(svc resolveService) *ResolveHandler {
	return &ResolveHandler{resolver: svc}
}

// Resolve handles GET /api/resolve. Query parameters:
//
//	type, id, season, episode  identify the media
//	quick=1                    answer fast, fill the cache in background
//	skipCache=1                bypass the cache and re-extract
//	alt=1                      also resolve the dubbed-track group
func (h *ResolveHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	req := resolver.ResolveRequest{
		Key:                mediaKeyFromQuery(r),
		Quick:              queryFlag(r, "quick"),
		SkipCache:          queryFlag(r, "skipCache"),
		WithSecondaryAudio: queryFlag(r, "alt"),
	}

	resolution, err := h.resolver.Resolve(r.Context(), req)
	if err != nil {
		h.writeResolveError(w, req.Key, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

// Invalidate handles DELETE /api/resolve: drop cached manifests for the
// key, for one provider or all of them.
func (h *ResolveHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	key := mediaKeyFromQuery(r)
	provider := r.URL.Query().Get("provider")

	if err := h.resolver.Invalidate(r.Context(), provider, key); err != nil {
		if isInputError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[resolve] invalidate failed for %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "invalidation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "key": key.String()})
}

func (h *ResolveHandler) writeResolveError(w http.ResponseWriter, key models.MediaKey, err error) {
	switch {
	case isInputError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, resolver.ErrNotAvailable):
		var unavailable *resolver.UnavailableError
		body := map[string]any{"error": "no stream available", "key": key.String()}
		if errors.As(err, &unavailable) && len(unavailable.Attempts) > 0 {
			body["attempts"] = unavailable.Attempts
		}
		writeJSON(w, http.StatusNotFound, body)
	default:
		log.Printf("[resolve] resolution failed for %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "resolution failed")
	}
}

func isInputError(err error) bool {
	return errors.Is(err, models.ErrInvalidMediaType) ||
		errors.Is(err, models.ErrMissingID) ||
		errors.Is(err, models.ErrMissingEpisode)
}
