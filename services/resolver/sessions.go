package resolver

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"streamrelay/internal/metrics"
	"streamrelay/models"
)

type sessionEntry struct {
	session    models.Session
	lastAccess atomic.Int64 // unix seconds
}

// Registry holds playback sessions in process memory. Sessions bind a
// client-facing ID to an upstream manifest URL; they are never persisted,
// a restart simply forces clients to resolve again.
type Registry struct {
	entries *xsync.MapOf[string, *sessionEntry]
}

func NewRegistry() *Registry {
	return &Registry{entries: xsync.NewMapOf[string, *sessionEntry]()}
}

// Create registers a new session and returns it.
func (r *Registry) Create(key models.MediaKey, provider, manifestURL, sourcePageURL string) models.Session {
	s := models.Session{
		ID:            uuid.NewString(),
		Key:           key,
		Provider:      provider,
		ManifestURL:   manifestURL,
		SourcePageURL: sourcePageURL,
		CreatedAt:     time.Now(),
	}
	e := &sessionEntry{session: s}
	e.lastAccess.Store(s.CreatedAt.Unix())
	r.entries.Store(s.ID, e)
	metrics.ActiveSessions.Set(float64(r.entries.Size()))
	return s
}

// Get looks up a session by ID and marks it as recently used.
func (r *Registry) Get(id string) (models.Session, bool) {
	e, ok := r.entries.Load(id)
	if !ok {
		return models.Session{}, false
	}
	e.lastAccess.Store(time.Now().Unix())
	return e.session, true
}

// Delete removes a session. Removing an unknown ID is a no-op.
func (r *Registry) Delete(id string) {
	r.entries.Delete(id)
	metrics.ActiveSessions.Set(float64(r.entries.Size()))
}

// Len reports the number of live sessions.
func (r *Registry) Len() int { return r.entries.Size() }

// SweepIdle drops sessions not touched within maxIdle and returns the
// count removed.
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle).Unix()
	removed := 0
	r.entries.Range(func(id string, e *sessionEntry) bool {
		if e.lastAccess.Load() < cutoff {
			r.entries.Delete(id)
			removed++
		}
		return true
	})
	if removed > 0 {
		metrics.ActiveSessions.Set(float64(r.entries.Size()))
	}
	return removed
}
