package handlers

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"streamrelay/internal/fetch"
	"streamrelay/internal/metrics"
	"streamrelay/internal/playlist"
	"streamrelay/models"
)

// sessionSource looks up live playback sessions.
type sessionSource interface {
	Get(id string) (models.Session, bool)
}

// manifestFetcher retrieves manifests from origins.
type manifestFetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetch.Options) (*fetch.Response, error)
}

// ManifestHandler serves rewritten HLS manifests for live sessions.
type ManifestHandler struct {
	sessions sessionSource
	fetcher  manifestFetcher
	rewriter *playlist.Rewriter
}

func NewManifestHandler(sessions sessionSource, fetcher manifestFetcher, rewriter *playlist.Rewriter) *ManifestHandler {
	return &ManifestHandler{sessions: sessions, fetcher: fetcher, rewriter: rewriter}
}

// Serve handles GET /api/manifest?sid=. The upstream manifest is fetched
// with the session's origin hint and rewritten line by line while it
// streams; a failure before the first byte reaches the client falls back
// to a buffered rewrite of a fresh fetch.
func (h *ManifestHandler) Serve(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "sid is required")
		return
	}
	session, ok := h.sessions.Get(sid)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown or expired session")
		return
	}

	resp, err := h.fetcher.Fetch(r.Context(), session.ManifestURL, fetch.Options{
		IsManifest:  true,
		RefererHint: session.SourcePageURL,
	})
	if err != nil {
		log.Printf("[manifest] origin fetch failed for session %s: %v", sid, err)
		writeError(w, http.StatusBadGateway, "origin unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.Status >= 400 {
		log.Printf("[manifest] origin answered %d for session %s", resp.Status, sid)
		writeError(w, http.StatusBadGateway, "origin refused the manifest")
		return
	}

	base, err := url.Parse(session.ManifestURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bad session manifest url")
		return
	}

	// Manifests change between polls on live content; never cache them.
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")

	counted := &countingWriter{w: w}
	if err := h.rewriter.RewriteStream(base, session.SourcePageURL, resp.Body, counted); err != nil {
		if counted.n > 0 {
			// Headers and bytes are out; nothing to do but drop the
			// connection.
			log.Printf("[manifest] stream rewrite aborted after %d bytes for session %s: %v", counted.n, sid, err)
			return
		}
		log.Printf("[manifest] stream rewrite failed for session %s, retrying buffered: %v", sid, err)
		h.serveBuffered(w, r, session, base)
		return
	}
	metrics.ProxyBytesTotal.WithLabelValues("manifest").Add(float64(counted.n))
}

// serveBuffered refetches the manifest and rewrites it in one piece.
func (h *ManifestHandler) serveBuffered(w http.ResponseWriter, r *http.Request, session models.Session, base *url.URL) {
	resp, err := h.fetcher.Fetch(r.Context(), session.ManifestURL, fetch.Options{
		IsManifest:  true,
		RefererHint: session.SourcePageURL,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "origin unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.Status >= 400 {
		log.Printf("[manifest] origin answered %d on buffered retry for session %s", resp.Status, session.ID)
		writeError(w, http.StatusBadGateway, "origin refused the manifest")
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadGateway, "origin read failed")
		return
	}

	out := h.rewriter.RewriteBuffered(base, session.SourcePageURL, body)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	if _, err := w.Write(out); err == nil {
		metrics.ProxyBytesTotal.WithLabelValues("manifest").Add(float64(len(out)))
	}
}

type countingWriter struct {
	w http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
