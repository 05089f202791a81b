package handlers

import (
	"context"
	"net/http"
	"time"

	"streamrelay/services/streamcache"
)

type sessionCounter interface {
	Len() int
}

type cacheStatsSource interface {
	Stats(ctx context.Context) (streamcache.Stats, error)
}

// HealthHandler reports liveness plus a few operational numbers.
type HealthHandler struct {
	startedAt time.Time
	sessions  sessionCounter
	cache     cacheStatsSource
}

func NewHealthHandler(sessions sessionCounter, cache cacheStatsSource) *HealthHandler {
	return &HealthHandler{startedAt: time.Now(), sessions: sessions, cache: cache}
}

// Health handles GET /api/health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
		"sessions":      h.sessions.Len(),
	}
	if stats, err := h.cache.Stats(r.Context()); err == nil {
		body["cache"] = stats
	}
	writeJSON(w, http.StatusOK, body)
}
