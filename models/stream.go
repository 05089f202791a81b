package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Media types accepted by the resolution pipeline.
const (
	MediaTypeMovie  = "movie"
	MediaTypeSeries = "series"
)

var (
	ErrInvalidMediaType = errors.New("media type must be movie or series")
	ErrMissingID        = errors.New("catalog id is required")
	ErrMissingEpisode   = errors.New("season and episode are required for series")
)

// MediaKey identifies one playable piece of media: a movie, or a single
// episode of a series.
type MediaKey struct {
	Type    string `json:"type"` // movie | series
	ID      string `json:"id"`   // catalog identifier
	Season  int    `json:"season,omitempty"`
	Episode int    `json:"episode,omitempty"`
}

// Validate rejects keys that cannot address a playable item.
func (k MediaKey) Validate() error {
	switch k.Type {
	case MediaTypeMovie:
	case MediaTypeSeries:
		if k.Season <= 0 || k.Episode <= 0 {
			return ErrMissingEpisode
		}
	default:
		return ErrInvalidMediaType
	}
	if strings.TrimSpace(k.ID) == "" {
		return ErrMissingID
	}
	return nil
}

// String returns the canonical cache key form, e.g. "movie:42" or
// "series:7:s1e3".
func (k MediaKey) String() string {
	if k.Type == MediaTypeSeries {
		return fmt.Sprintf("%s:%s:s%de%d", k.Type, k.ID, k.Season, k.Episode)
	}
	return fmt.Sprintf("%s:%s", k.Type, k.ID)
}

// Subtitle is an external subtitle track captured alongside a manifest.
type Subtitle struct {
	URL      string `json:"url"`
	Language string `json:"language"` // BCP 47 tag when parseable
	Label    string `json:"label,omitempty"`
}

// CacheEntry is one persisted manifest capture for a (provider, media) pair.
type CacheEntry struct {
	Provider      string     `json:"provider"`
	Key           MediaKey   `json:"key"`
	ManifestURL   string     `json:"manifestUrl"`
	SourcePageURL string     `json:"sourcePageUrl,omitempty"`
	Subtitles     []Subtitle `json:"subtitles,omitempty"`
	CapturedAt    time.Time  `json:"capturedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
}

// Expired reports whether the entry must be treated as absent.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Attempt outcomes recorded during a resolution pass.
const (
	AttemptHit   = "hit"
	AttemptMiss  = "miss"
	AttemptError = "error"
)

// ProviderAttempt records one step of the provider cascade. It is never
// persisted; it exists for logs, metrics and tests.
type ProviderAttempt struct {
	Provider  string `json:"provider"`
	Outcome   string `json:"outcome"` // hit | miss | error
	LatencyMs int64  `json:"latencyMs"`
}

// Session binds a client to one resolved manifest without exposing the
// upstream URL. Held in process memory only.
type Session struct {
	ID            string    `json:"id"`
	Key           MediaKey  `json:"key"`
	Provider      string    `json:"provider"`
	ManifestURL   string    `json:"-"`
	SourcePageURL string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Resolution is the outcome of a successful resolve call.
type Resolution struct {
	SessionID        string            `json:"sessionId"`
	ManifestProxyURL string            `json:"manifestProxyUrl"`
	Title            string            `json:"title,omitempty"`
	Source           string            `json:"source"`
	Cached           bool              `json:"cached"`
	Subtitles        []Subtitle        `json:"subtitles,omitempty"`
	Attempts         []ProviderAttempt `json:"attempts,omitempty"`

	// Alternate carries a dubbed-track variant resolved alongside the
	// original audio, when one was requested and found.
	Alternate *Resolution `json:"alternate,omitempty"`
}
