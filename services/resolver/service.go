// Package resolver turns a media key into a playable session by walking
// the provider cascade: durable cache first, then live browser extraction
// in priority order, stopping at the first provider that yields a
// manifest.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc"

	"streamrelay/config"
	"streamrelay/internal/metrics"
	"streamrelay/models"
	"streamrelay/services/extractor"
	"streamrelay/services/metadata"
)

// ErrNotAvailable reports that every eligible provider was tried and none
// produced a stream.
var ErrNotAvailable = errors.New("no provider could supply a stream")

// UnavailableError wraps ErrNotAvailable and carries the per-provider
// attempt log so callers can report what was tried.
type UnavailableError struct {
	Attempts []models.ProviderAttempt
}

func (e *UnavailableError) Error() string { return ErrNotAvailable.Error() }
func (e *UnavailableError) Unwrap() error { return ErrNotAvailable }

// cacheStore is the slice of the durable cache the resolver consumes.
type cacheStore interface {
	Get(ctx context.Context, provider string, key models.MediaKey) (*models.CacheEntry, error)
	Put(ctx context.Context, entry models.CacheEntry) error
	Invalidate(ctx context.Context, provider string, key models.MediaKey) error
}

// extractorClient runs one live browser extraction.
type extractorClient interface {
	Extract(ctx context.Context, target extractor.Target) (*extractor.Result, error)
}

// idTranslator converts catalog identifiers between identifier spaces
// and supplies display titles.
type idTranslator interface {
	TranslateID(ctx context.Context, mediaType, fromSpace, toSpace, id string) (string, error)
	Title(ctx context.Context, mediaType, id string) (string, error)
}

// ResolveRequest is one resolution ask.
type ResolveRequest struct {
	Key models.MediaKey

	// SkipCache forces live extraction even when a cached manifest exists.
	SkipCache bool

	// Quick trades completeness for latency: answer from cache or a single
	// fast attempt, and fill the cache in the background.
	Quick bool

	// WithSecondaryAudio also resolves the dubbed-track provider group and
	// attaches the result as an alternate.
	WithSecondaryAudio bool
}

// Service orchestrates the cascade.
type Service struct {
	providers  []Provider
	cache      cacheStore
	extractor  extractorClient
	translator idTranslator
	sessions   *Registry

	basePath       string
	extractTimeout time.Duration
	quickTimeout   time.Duration

	pool     *ants.Pool
	inflight *xsync.MapOf[string, struct{}]
}

// NewService wires the resolver from configuration and its collaborators.
func NewService(cfg config.Settings, cache cacheStore, extr extractorClient, translator idTranslator) (*Service, error) {
	pool, err := ants.NewPool(cfg.Extractor.MaxBackground, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create background pool: %w", err)
	}
	return &Service{
		providers:      ProvidersFromConfig(cfg.Providers),
		cache:          cache,
		extractor:      extr,
		translator:     translator,
		sessions:       NewRegistry(),
		basePath:       strings.TrimRight(cfg.Proxy.PublicBasePath, "/"),
		extractTimeout: time.Duration(cfg.Extractor.TimeoutSec) * time.Second,
		quickTimeout:   time.Duration(cfg.Extractor.QuickTimeoutSec) * time.Second,
		pool:           pool,
		inflight:       xsync.NewMapOf[string, struct{}](),
	}, nil
}

// Sessions exposes the session registry for the manifest proxy and the
// idle sweeper.
func (s *Service) Sessions() *Registry { return s.sessions }

// Close releases the background worker pool.
func (s *Service) Close() { s.pool.Release() }

// Resolve walks the cascade for the request and returns a playable
// session, or an UnavailableError when every eligible provider failed.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (*models.Resolution, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}

	primary, secondary := s.splitByAudio()
	ids := s.translateIdentifiers(ctx, req.Key, s.providers)

	var (
		res *models.Resolution
		err error
	)
	switch {
	case req.Quick:
		res, err = s.resolveQuick(ctx, req, primary, secondary, ids)
	case req.WithSecondaryAudio && len(secondary) > 0:
		res, err = s.resolveBothAudio(ctx, req, primary, secondary, ids)
	default:
		var attempts []models.ProviderAttempt
		res, attempts, err = s.resolveGroup(ctx, req.Key, req.SkipCache, primary, ids, s.extractTimeout)
		if err != nil {
			// A dead client context is not "no provider has it".
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.ResolutionsTotal.WithLabelValues("none", "unavailable").Inc()
			return nil, &UnavailableError{Attempts: attempts}
		}
	}
	if err != nil {
		return nil, err
	}

	// Display title is decoration; a catalog hiccup never fails a resolve.
	if title, terr := s.translator.Title(ctx, req.Key.Type, req.Key.ID); terr == nil {
		res.Title = title
	}
	return res, nil
}

// Invalidate drops cached manifests for a key. An empty provider clears
// every provider's entry.
func (s *Service) Invalidate(ctx context.Context, provider string, key models.MediaKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, provider, key)
}

// splitByAudio separates original-audio providers from dubbed-track ones.
// Order within each group follows the cascade priority.
func (s *Service) splitByAudio() (primary, secondary []Provider) {
	for _, p := range s.providers {
		if p.Language == "" {
			primary = append(primary, p)
		} else {
			secondary = append(secondary, p)
		}
	}
	return primary, secondary
}

// translateIdentifiers maps the catalog identifier into every identifier
// space the cascade needs. Translation failures are logged and the space
// is left unmapped; providers needing it are skipped rather than failing
// the whole resolution.
func (s *Service) translateIdentifiers(ctx context.Context, key models.MediaKey, providers []Provider) map[string]string {
	ids := map[string]string{metadata.SpaceTMDB: key.ID}
	for _, p := range providers {
		if _, done := ids[p.IdentifierSpace]; done {
			continue
		}
		mapped, err := s.translator.TranslateID(ctx, key.Type, metadata.SpaceTMDB, p.IdentifierSpace, key.ID)
		if err != nil {
			log.Printf("[resolver] no %s identifier for %s: %v", p.IdentifierSpace, key, err)
			continue
		}
		ids[p.IdentifierSpace] = mapped
	}
	return ids
}

// resolveGroup runs the cascade over one provider group: a cache pass
// over every provider first, then live extraction in priority order.
func (s *Service) resolveGroup(ctx context.Context, key models.MediaKey, skipCache bool, providers []Provider, ids map[string]string, attemptTimeout time.Duration) (*models.Resolution, []models.ProviderAttempt, error) {
	var attempts []models.ProviderAttempt

	if !skipCache {
		for _, p := range providers {
			if _, ok := ids[p.IdentifierSpace]; !ok {
				continue
			}
			start := time.Now()
			entry, err := s.cache.Get(ctx, p.Name, key)
			if err != nil {
				log.Printf("[resolver] cache read failed for %s/%s: %v", p.Name, key, err)
				continue
			}
			if entry == nil {
				continue
			}
			attempts = append(attempts, models.ProviderAttempt{
				Provider:  p.Name,
				Outcome:   models.AttemptHit,
				LatencyMs: time.Since(start).Milliseconds(),
			})
			metrics.CacheHitsTotal.WithLabelValues(p.Name).Inc()
			metrics.ResolutionsTotal.WithLabelValues(p.Name, "cached").Inc()
			return s.openSession(key, p.Name, entry.ManifestURL, entry.SourcePageURL, entry.Subtitles, true, attempts), attempts, nil
		}
	}

	for _, p := range providers {
		id, ok := ids[p.IdentifierSpace]
		if !ok {
			continue
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		result, err := s.extractor.Extract(attemptCtx, p.BuildTarget(key, id))
		cancel()
		latency := time.Since(start).Milliseconds()

		if err != nil {
			attempts = append(attempts, models.ProviderAttempt{Provider: p.Name, Outcome: models.AttemptError, LatencyMs: latency})
			metrics.ExtractionsTotal.WithLabelValues(p.Name, "error").Inc()
			log.Printf("[resolver] %s failed for %s after %dms: %v", p.Name, key, latency, err)
			if ctx.Err() != nil {
				return nil, attempts, ctx.Err()
			}
			continue
		}

		attempts = append(attempts, models.ProviderAttempt{Provider: p.Name, Outcome: models.AttemptHit, LatencyMs: latency})
		metrics.ExtractionsTotal.WithLabelValues(p.Name, "success").Inc()
		metrics.ResolutionsTotal.WithLabelValues(p.Name, "extracted").Inc()

		subtitles := normalizeSubtitles(result.Subtitles)
		now := time.Now()
		entry := models.CacheEntry{
			Provider:      p.Name,
			Key:           key,
			ManifestURL:   result.ManifestURL,
			SourcePageURL: result.SourcePageURL,
			Subtitles:     subtitles,
			CapturedAt:    now,
			ExpiresAt:     now.Add(p.TTL),
		}
		if err := s.cache.Put(ctx, entry); err != nil {
			log.Printf("[resolver] failed to cache %s/%s: %v", p.Name, key, err)
		}

		return s.openSession(key, p.Name, result.ManifestURL, result.SourcePageURL, subtitles, false, attempts), attempts, nil
	}

	return nil, attempts, ErrNotAvailable
}

// resolveBothAudio resolves the original and dubbed groups concurrently.
// The original-audio result wins the top slot; a dubbed result rides
// along as the alternate, or stands in when the original is unavailable.
func (s *Service) resolveBothAudio(ctx context.Context, req ResolveRequest, primary, secondary []Provider, ids map[string]string) (*models.Resolution, error) {
	var (
		priRes, secRes           *models.Resolution
		priAttempts, secAttempts []models.ProviderAttempt
		priErr, secErr           error
	)

	var wg conc.WaitGroup
	wg.Go(func() {
		priRes, priAttempts, priErr = s.resolveGroup(ctx, req.Key, req.SkipCache, primary, ids, s.extractTimeout)
	})
	wg.Go(func() {
		secRes, secAttempts, secErr = s.resolveGroup(ctx, req.Key, req.SkipCache, secondary, ids, s.extractTimeout)
	})
	wg.Wait()

	switch {
	case priErr == nil:
		if secErr == nil {
			priRes.Alternate = secRes
		}
		return priRes, nil
	case secErr == nil:
		return secRes, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		metrics.ResolutionsTotal.WithLabelValues("none", "unavailable").Inc()
		return nil, &UnavailableError{Attempts: append(priAttempts, secAttempts...)}
	}
}

// resolveQuick answers from any cached entry, original or dubbed, and
// otherwise makes a single short attempt against the universal provider
// while the full cascade fills the cache in the background.
func (s *Service) resolveQuick(ctx context.Context, req ResolveRequest, primary, secondary []Provider, ids map[string]string) (*models.Resolution, error) {
	if !req.SkipCache {
		for _, group := range [][]Provider{primary, secondary} {
			res, _, err := s.cachePassOnly(ctx, req.Key, group, ids)
			if err == nil {
				return res, nil
			}
		}
	}

	s.scheduleBackgroundFill(req.Key, primary, ids)

	for _, p := range primary {
		if !p.Universal {
			continue
		}
		res, attempts, err := s.resolveGroup(ctx, req.Key, true, []Provider{p}, ids, s.quickTimeout)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ResolutionsTotal.WithLabelValues("none", "unavailable").Inc()
		return nil, &UnavailableError{Attempts: attempts}
	}

	metrics.ResolutionsTotal.WithLabelValues("none", "unavailable").Inc()
	return nil, &UnavailableError{}
}

// cachePassOnly is the cache half of resolveGroup, with no extraction.
func (s *Service) cachePassOnly(ctx context.Context, key models.MediaKey, providers []Provider, ids map[string]string) (*models.Resolution, []models.ProviderAttempt, error) {
	for _, p := range providers {
		if _, ok := ids[p.IdentifierSpace]; !ok {
			continue
		}
		entry, err := s.cache.Get(ctx, p.Name, key)
		if err != nil || entry == nil {
			continue
		}
		metrics.CacheHitsTotal.WithLabelValues(p.Name).Inc()
		metrics.ResolutionsTotal.WithLabelValues(p.Name, "cached").Inc()
		attempts := []models.ProviderAttempt{{Provider: p.Name, Outcome: models.AttemptHit}}
		return s.openSession(key, p.Name, entry.ManifestURL, entry.SourcePageURL, entry.Subtitles, true, attempts), attempts, nil
	}
	return nil, nil, ErrNotAvailable
}

// scheduleBackgroundFill runs the full cascade off the request path so a
// later resolve finds the cache warm. At most one fill per key runs at a
// time; a saturated pool drops the job rather than queueing.
func (s *Service) scheduleBackgroundFill(key models.MediaKey, providers []Provider, ids map[string]string) {
	keyStr := key.String()
	if _, loaded := s.inflight.LoadOrStore(keyStr, struct{}{}); loaded {
		return
	}

	budget := s.extractTimeout * time.Duration(len(providers)+1)
	err := s.pool.Submit(func() {
		defer s.inflight.Delete(keyStr)

		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()

		if _, _, err := s.resolveGroup(ctx, key, true, providers, ids, s.extractTimeout); err != nil {
			log.Printf("[resolver] background fill for %s found nothing: %v", keyStr, err)
		} else {
			log.Printf("[resolver] background fill for %s cached a stream", keyStr)
		}
	})
	if err != nil {
		s.inflight.Delete(keyStr)
		log.Printf("[resolver] background fill for %s not scheduled: %v", keyStr, err)
	}
}

func (s *Service) openSession(key models.MediaKey, provider, manifestURL, sourcePageURL string, subtitles []models.Subtitle, cached bool, attempts []models.ProviderAttempt) *models.Resolution {
	session := s.sessions.Create(key, provider, manifestURL, sourcePageURL)
	return &models.Resolution{
		SessionID:        session.ID,
		ManifestProxyURL: s.basePath + "/manifest?sid=" + url.QueryEscape(session.ID),
		Source:           provider,
		Cached:           cached,
		Subtitles:        subtitles,
		Attempts:         attempts,
	}
}
