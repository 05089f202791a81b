package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"streamrelay/internal/fetch"
	"streamrelay/internal/metrics"
	"streamrelay/internal/netguard"
)

// SegmentHandler proxies media segments, keys and sub-playlists between
// players and origins. Targets come straight out of rewritten manifests,
// so every one is validated before the outbound request.
type SegmentHandler struct {
	guard   netguard.Guard
	fetcher manifestFetcher
}

func NewSegmentHandler(guard netguard.Guard, fetcher manifestFetcher) *SegmentHandler {
	return &SegmentHandler{guard: guard, fetcher: fetcher}
}

// Serve handles GET/HEAD /api/segment?url=&ref=. Range requests pass
// through to the origin and partial responses come back as partial.
func (h *SegmentHandler) Serve(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if err := h.guard.CheckURL(target); err != nil {
		metrics.SSRFRejectsTotal.Inc()
		if errors.Is(err, netguard.ErrEmptyTarget) {
			writeError(w, http.StatusBadRequest, "url is required")
			return
		}
		log.Printf("[segment] refused target %q: %v", target, err)
		writeError(w, http.StatusForbidden, "target not allowed")
		return
	}

	resp, err := h.fetcher.Fetch(r.Context(), target, fetch.Options{
		Method:      r.Method,
		Range:       r.Header.Get("Range"),
		RefererHint: r.URL.Query().Get("ref"),
	})
	if err != nil {
		log.Printf("[segment] origin fetch failed for %s: %v", target, err)
		writeError(w, http.StatusBadGateway, "origin unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.Status >= 400 {
		writeError(w, http.StatusBadGateway, "origin answered "+strconv.Itoa(resp.Status))
		return
	}

	copyHeader(w, resp.Header, "Content-Length")
	copyHeader(w, resp.Header, "Content-Range")
	copyHeader(w, resp.Header, "Accept-Ranges")
	// Players probe for range support before seeking; advertise it even
	// when the origin stays quiet.
	if w.Header().Get("Accept-Ranges") == "" && (resp.Status == http.StatusOK || resp.Status == http.StatusPartialContent) {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	w.Header().Set("Content-Type", resp.ContentType)
	// Segment URLs are content addressed on every origin seen so far;
	// let players and intermediaries cache them hard.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(resp.Status)

	if r.Method == http.MethodHead {
		return
	}

	n, err := io.Copy(w, resp.Body)
	metrics.ProxyBytesTotal.WithLabelValues("segment").Add(float64(n))
	if err != nil {
		// Players abort segment downloads constantly while seeking.
		log.Printf("[segment] copy ended early for %s after %d bytes: %v", target, n, err)
	}
}

func copyHeader(w http.ResponseWriter, from http.Header, name string) {
	if v := from.Get(name); v != "" {
		w.Header().Set(name, v)
	}
}
