package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/config"
	"streamrelay/models"
	"streamrelay/services/extractor"
	"streamrelay/services/metadata"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]models.CacheEntry)}
}

func cacheKey(provider string, key models.MediaKey) string {
	return provider + "|" + key.String()
}

func (c *fakeCache) Get(_ context.Context, provider string, key models.MediaKey) (*models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[cacheKey(provider, key)]; ok {
		return &e, nil
	}
	return nil, nil
}

func (c *fakeCache) Put(_ context.Context, entry models.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(entry.Provider, entry.Key)] = entry
	c.puts++
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, provider string, key models.MediaKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if provider == "" {
		for k := range c.entries {
			delete(c.entries, k)
		}
		return nil
	}
	delete(c.entries, cacheKey(provider, key))
	return nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*extractor.Result // nil value = scripted failure
}

func (f *fakeExtractor) Extract(_ context.Context, target extractor.Target) (*extractor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target.Provider+":"+target.ID)
	f.mu.Unlock()
	if r, ok := f.results[target.Provider]; ok && r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s: no manifest captured", extractor.ErrExtractionFailed, target.Provider)
}

func (f *fakeExtractor) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeTranslator struct {
	imdbID string
	title  string
	err    error
}

func (f *fakeTranslator) TranslateID(_ context.Context, _, fromSpace, toSpace, id string) (string, error) {
	if fromSpace == toSpace {
		return id, nil
	}
	if f.err != nil {
		return "", f.err
	}
	return f.imdbID, nil
}

func (f *fakeTranslator) Title(context.Context, string, string) (string, error) {
	if f.title == "" {
		return "", errors.New("no title")
	}
	return f.title, nil
}

func testSettings() config.Settings {
	return config.Settings{
		Providers: config.DefaultProviders(),
		Extractor: config.ExtractorSettings{TimeoutSec: 5, QuickTimeoutSec: 1, MaxBackground: 2},
		Proxy:     config.ProxySettings{PublicBasePath: "/api"},
	}
}

func newTestService(t *testing.T, cache *fakeCache, extr *fakeExtractor, cfg config.Settings) *Service {
	t.Helper()
	svc, err := NewService(cfg, cache, extr, &fakeTranslator{imdbID: "tt0133093", title: "The Matrix"})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func movieKey() models.MediaKey {
	return models.MediaKey{Type: models.MediaTypeMovie, ID: "603"}
}

func TestResolveCascadeStopsAtFirstSuccess(t *testing.T) {
	cache := newFakeCache()
	extr := &fakeExtractor{results: map[string]*extractor.Result{
		"vidlux": {ManifestURL: "https://cdn.vidlux.example/hls.m3u8", SourcePageURL: "https://vidlux.example/w/603"},
	}}
	svc := newTestService(t, cache, extr, testSettings())

	res, err := svc.Resolve(context.Background(), ResolveRequest{Key: movieKey()})
	require.NoError(t, err)

	assert.Equal(t, "vidlux", res.Source)
	assert.Equal(t, "The Matrix", res.Title)
	assert.False(t, res.Cached)
	// First two providers failed, third won, fourth never tried.
	assert.Equal(t, []string{"vidora:tt0133093", "streamhive:tt0133093", "vidlux:603"}, extr.callList())

	require.Len(t, res.Attempts, 3)
	assert.Equal(t, models.AttemptError, res.Attempts[0].Outcome)
	assert.Equal(t, models.AttemptError, res.Attempts[1].Outcome)
	assert.Equal(t, models.AttemptHit, res.Attempts[2].Outcome)

	// The win was persisted for next time.
	entry, err := cache.Get(context.Background(), "vidlux", movieKey())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "https://cdn.vidlux.example/hls.m3u8", entry.ManifestURL)

	// And a live session was opened.
	session, ok := svc.Sessions().Get(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.vidlux.example/hls.m3u8", session.ManifestURL)
	assert.Contains(t, res.ManifestProxyURL, "/api/manifest?sid="+res.SessionID)
}

func TestResolveCacheHitSkipsExtraction(t *testing.T) {
	cache := newFakeCache()
	now := time.Now()
	require.NoError(t, cache.Put(context.Background(), models.CacheEntry{
		Provider:    "streamhive",
		Key:         movieKey(),
		ManifestURL: "https://cdn.streamhive.example/hls.m3u8",
		CapturedAt:  now,
		ExpiresAt:   now.Add(time.Hour),
	}))
	cache.puts = 0
	extr := &fakeExtractor{}
	svc := newTestService(t, cache, extr, testSettings())

	res, err := svc.Resolve(context.Background(), ResolveRequest{Key: movieKey()})
	require.NoError(t, err)

	assert.Equal(t, "streamhive", res.Source)
	assert.True(t, res.Cached)
	assert.Empty(t, extr.callList(), "a cache hit must not trigger extraction")
	assert.Zero(t, cache.puts, "a cache hit must not rewrite the entry")
}

func TestResolveSkipCacheForcesExtraction(t *testing.T) {
	cache := newFakeCache()
	now := time.Now()
	require.NoError(t, cache.Put(context.Background(), models.CacheEntry{
		Provider:    "vidora",
		Key:         movieKey(),
		ManifestURL: "https://stale.example/hls.m3u8",
		CapturedAt:  now,
		ExpiresAt:   now.Add(time.Hour),
	}))
	extr := &fakeExtractor{results: map[string]*extractor.Result{
		"vidora": {ManifestURL: "https://fresh.example/hls.m3u8"},
	}}
	svc := newTestService(t, cache, extr, testSettings())

	res, err := svc.Resolve(context.Background(), ResolveRequest{Key: movieKey(), SkipCache: true})
	require.NoError(t, err)
	assert.False(t, res.Cached)

	entry, err := cache.Get(context.Background(), "vidora", movieKey())
	require.NoError(t, err)
	assert.Equal(t, "https://fresh.example/hls.m3u8", entry.ManifestURL)
}

func TestResolveFallsBackToUniversalProvider(t *testing.T) {
	cache := newFakeCache()
	extr := &fakeExtractor{results: map[string]*extractor.Result{
		"omniplex": {ManifestURL: "https://cdn.omniplex.example/hls.m3u8"},
	}}
	svc := newTestService(t, cache, extr, testSettings())

	key := models.MediaKey{Type: models.MediaTypeSeries, ID: "1396", Season: 2, Episode: 5}
	res, err := svc.Resolve(context.Background(), ResolveRequest{Key: key})
	require.NoError(t, err)

	assert.Equal(t, "omniplex", res.Source)
	require.Len(t, res.Attempts, 4)
	assert.Equal(t, models.AttemptHit, res.Attempts[3].Outcome)
}

func TestResolveAllProvidersFail(t *testing.T) {
	svc := newTestService(t, newFakeCache(), &fakeExtractor{}, testSettings())

	_, err := svc.Resolve(context.Background(), ResolveRequest{Key: movieKey()})
	require.ErrorIs(t, err, ErrNotAvailable)

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Len(t, unavailable.Attempts, 4, "every provider must be on the attempt log")
}

func TestResolveCanceledContextIsNotUnavailable(t *testing.T) {
	// A resolve cut short by the caller must surface the context error,
	// not masquerade as "no provider has this title".
	svc := newTestService(t, newFakeCache(), &fakeExtractor{}, testSettings())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Resolve(ctx, ResolveRequest{Key: movieKey()})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNotAvailable)
}

func TestResolveRejectsInvalidKeys(t *testing.T) {
	svc := newTestService(t, newFakeCache(), &fakeExtractor{}, testSettings())

	_, err := svc.Resolve(context.Background(), ResolveRequest{Key: models.MediaKey{Type: "podcast", ID: "1"}})
	assert.ErrorIs(t, err, models.ErrInvalidMediaType)

	_, err = svc.Resolve(context.Background(), ResolveRequest{Key: models.MediaKey{Type: models.MediaTypeSeries, ID: "1396", Season: 1}})
	assert.ErrorIs(t, err, models.ErrMissingEpisode)

	_, err = svc.Resolve(context.Background(), ResolveRequest{Key: models.MediaKey{Type: models.MediaTypeMovie}})
	assert.ErrorIs(t, err, models.ErrMissingID)
}

func TestResolveSkipsProvidersWithoutIdentifier(t *testing.T) {
	cache := newFakeCache()
	extr := &fakeExtractor{results: map[string]*extractor.Result{
		"vidlux": {ManifestURL: "https://cdn.vidlux.example/hls.m3u8"},
	}}
	cfg := testSettings()
	svc, err := NewService(cfg, cache, extr, &fakeTranslator{err: metadata.ErrNoMapping})
	require.NoError(t, err)
	defer svc.Close()

	res, err := svc.Resolve(context.Background(), ResolveRequest{Key: movieKey()})
	require.NoError(t, err)

	// The imdb-space providers never ran: no identifier for them.
	assert.Equal(t, []string{"vidlux:603"}, extr.callList())
	assert.Equal(t, "vidlux", res.Source)
}

func TestResolveQuickServesAnyCachedEntry(t *testing.T) {
	cache := newFakeCache()
	now := time.Now()
	require.NoError(t, cache.Put(context.Background(), models.CacheEntry{
		Provider:    "vidlux",
		Key:         movieKey(),
		ManifestURL: "https://cdn.vidlux.example/hls.m3u8",
		CapturedAt:  now,
		ExpiresAt:   now.Add(time.Hour),
	}))
	extr := &fakeExtractor{}
	svc := newTestService(t, cache, extr, testSettings())

	res, err := svc.Resolve(context.Background(), ResolveRequest{Key: movieKey(), Quick: true})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Empty(t, extr.callList())
}

func TestResolveQuickFallsBackToUniversalAndFillsInBackground(t *testing.T) {
	cache := newFakeCache()
	extr := &fakeExtractor{results: map[string]*extractor.Result{
		"omniplex": {ManifestURL: "https://cdn.omniplex.example/hls.m3u8"},
	}}
	svc := newTestService(t, cache, extr, testSettings())

	res, err := svc.Resolve(context.Background(), ResolveRequest{Key: movieKey(), Quick: true})
	require.NoError(t, err)
	assert.Equal(t, "omniplex", res.Source)
	assert.False(t, res.Cached)

	// The background fill walks the full cascade and lands on omniplex
	// too, leaving the cache warm for the next resolve.
	assert.Eventually(t, func() bool {
		entry, err := cache.Get(context.Background(), "omniplex", movieKey())
		return err == nil && entry != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestInvalidate(t *testing.T) {
	cache := newFakeCache()
	now := time.Now()
	for _, provider := range []string{"vidora", "vidlux"} {
		require.NoError(t, cache.Put(context.Background(), models.CacheEntry{
			Provider:    provider,
			Key:         movieKey(),
			ManifestURL: "https://cdn.example/hls.m3u8",
			CapturedAt:  now,
			ExpiresAt:   now.Add(time.Hour),
		}))
	}
	svc := newTestService(t, cache, &fakeExtractor{}, testSettings())

	require.NoError(t, svc.Invalidate(context.Background(), "vidora", movieKey()))
	entry, _ := cache.Get(context.Background(), "vidora", movieKey())
	assert.Nil(t, entry)
	entry, _ = cache.Get(context.Background(), "vidlux", movieKey())
	assert.NotNil(t, entry)

	require.NoError(t, svc.Invalidate(context.Background(), "", movieKey()))
	entry, _ = cache.Get(context.Background(), "vidlux", movieKey())
	assert.Nil(t, entry)
}

func TestProvidersFromConfigOrdersAndFilters(t *testing.T) {
	providers := ProvidersFromConfig([]config.ProviderConfig{
		{Name: "c", Priority: 3, Enabled: true, TTLHours: 1},
		{Name: "a", Priority: 1, Enabled: true, TTLHours: 1},
		{Name: "disabled", Priority: 0, Enabled: false, TTLHours: 1},
		{Name: "b", Priority: 2, Enabled: true, TTLHours: 1},
	})

	require.Len(t, providers, 3)
	assert.Equal(t, "a", providers[0].Name)
	assert.Equal(t, "b", providers[1].Name)
	assert.Equal(t, "c", providers[2].Name)
}

func TestSessionRegistry(t *testing.T) {
	reg := NewRegistry()
	s := reg.Create(movieKey(), "vidora", "https://cdn.example/hls.m3u8", "https://vidora.example/w/603")

	got, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ManifestURL, got.ManifestURL)
	assert.Equal(t, 1, reg.Len())

	_, ok = reg.Get("no-such-session")
	assert.False(t, ok)

	reg.Delete(s.ID)
	assert.Equal(t, 0, reg.Len())
}

func TestSessionRegistrySweepIdle(t *testing.T) {
	reg := NewRegistry()
	reg.Create(movieKey(), "vidora", "https://cdn.example/hls.m3u8", "")

	// A generous idle window keeps fresh sessions alive.
	assert.Equal(t, 0, reg.SweepIdle(time.Hour))
	assert.Equal(t, 1, reg.Len())

	// A negative window makes every session stale.
	assert.Equal(t, 1, reg.SweepIdle(-time.Second))
	assert.Equal(t, 0, reg.Len())
}

func TestNormalizeSubtitles(t *testing.T) {
	subs := normalizeSubtitles([]models.Subtitle{
		{URL: "https://cdn.example/en.vtt", Language: "eng"},
		{URL: "https://cdn.example/de.vtt", Language: "de", Label: "Deutsch (Forced)"},
		{URL: "https://cdn.example/x.vtt", Language: "???"},
	})

	assert.Equal(t, "en", subs[0].Language)
	assert.NotEmpty(t, subs[0].Label)
	assert.Equal(t, "Deutsch (Forced)", subs[1].Label, "existing labels are kept")
	assert.Equal(t, "???", subs[2].Language, "unparseable tags pass through")
}

func TestResolveWithSecondaryAudio(t *testing.T) {
	cfg := testSettings()
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{
		Name: "vidora-dub", Priority: 5, IdentifierSpace: "imdb", Language: "de", TTLHours: 24, Enabled: true,
	})
	cache := newFakeCache()
	extr := &fakeExtractor{results: map[string]*extractor.Result{
		"vidora":     {ManifestURL: "https://cdn.vidora.example/orig.m3u8"},
		"vidora-dub": {ManifestURL: "https://cdn.vidora.example/dub.m3u8"},
	}}
	svc := newTestService(t, cache, extr, cfg)

	res, err := svc.Resolve(context.Background(), ResolveRequest{Key: movieKey(), WithSecondaryAudio: true})
	require.NoError(t, err)

	assert.Equal(t, "vidora", res.Source)
	require.NotNil(t, res.Alternate)
	assert.Equal(t, "vidora-dub", res.Alternate.Source)
	assert.NotEqual(t, res.SessionID, res.Alternate.SessionID)
}
