package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/grafov/m3u8"

	"streamrelay/internal/fetch"
	"streamrelay/models"
	"streamrelay/services/streamcache"
)

// cacheAdminStore is the slice of the durable cache the admin endpoint
// consumes.
type cacheAdminStore interface {
	Stats(ctx context.Context) (streamcache.Stats, error)
	SweepExpired(ctx context.Context) (int64, error)
	Clear(ctx context.Context) (int64, error)
	Entries(ctx context.Context, key models.MediaKey) ([]models.CacheEntry, error)
}

// CacheHandler exposes cache maintenance: stats, expiry sweep, full
// clear, and a probe that checks whether cached manifests still answer.
type CacheHandler struct {
	store   cacheAdminStore
	fetcher manifestFetcher
}

func NewCacheHandler(store cacheAdminStore, fetcher manifestFetcher) *CacheHandler {
	return &CacheHandler{store: store, fetcher: fetcher}
}

// Admin handles GET/POST /api/cache?action=stats|clean|clear|probe.
func (h *CacheHandler) Admin(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "", "stats":
		stats, err := h.store.Stats(r.Context())
		if err != nil {
			log.Printf("[cache] stats failed: %v", err)
			writeError(w, http.StatusInternalServerError, "stats unavailable")
			return
		}
		writeJSON(w, http.StatusOK, stats)

	case "clean":
		removed, err := h.store.SweepExpired(r.Context())
		if err != nil {
			log.Printf("[cache] sweep failed: %v", err)
			writeError(w, http.StatusInternalServerError, "sweep failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})

	case "clear":
		removed, err := h.store.Clear(r.Context())
		if err != nil {
			log.Printf("[cache] clear failed: %v", err)
			writeError(w, http.StatusInternalServerError, "clear failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})

	case "probe":
		h.probe(w, r)

	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

type probeResult struct {
	Provider  string `json:"provider"`
	Alive     bool   `json:"alive"`
	Status    int    `json:"status,omitempty"`
	Playlist  string `json:"playlist,omitempty"` // master | media
	Variants  int    `json:"variants,omitempty"`
	Segments  int    `json:"segments,omitempty"`
	Error     string `json:"error,omitempty"`
	ExpiresAt string `json:"expiresAt"`
}

// probe fetches every cached manifest for a key and reports whether each
// still parses as a playlist.
func (h *CacheHandler) probe(w http.ResponseWriter, r *http.Request) {
	key := mediaKeyFromQuery(r)
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.store.Entries(r.Context(), key)
	if err != nil {
		log.Printf("[cache] probe listing failed for %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "probe failed")
		return
	}

	results := make([]probeResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, h.probeEntry(r.Context(), entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key.String(), "results": results})
}

func (h *CacheHandler) probeEntry(ctx context.Context, entry models.CacheEntry) probeResult {
	result := probeResult{
		Provider:  entry.Provider,
		ExpiresAt: entry.ExpiresAt.UTC().Format(time.RFC3339),
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := h.fetcher.Fetch(probeCtx, entry.ManifestURL, fetch.Options{
		IsManifest:  true,
		RefererHint: entry.SourcePageURL,
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.Status = resp.Status
	if resp.Status >= 400 {
		result.Error = "origin refused the manifest"
		return result
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		result.Error = "manifest does not parse: " + err.Error()
		return result
	}

	result.Alive = true
	switch listType {
	case m3u8.MASTER:
		result.Playlist = "master"
		if master, ok := playlist.(*m3u8.MasterPlaylist); ok {
			result.Variants = len(master.Variants)
		}
	case m3u8.MEDIA:
		result.Playlist = "media"
		if media, ok := playlist.(*m3u8.MediaPlaylist); ok {
			result.Segments = int(media.Count())
		}
	}
	return result
}
