package streamcache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "streamcache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func movieKey(id string) models.MediaKey {
	return models.MediaKey{Type: models.MediaTypeMovie, ID: id}
}

func entry(provider, id string, ttl time.Duration) models.CacheEntry {
	now := time.Now()
	return models.CacheEntry{
		Provider:      provider,
		Key:           movieKey(id),
		ManifestURL:   "https://cdn.example.com/" + id + "/index.m3u8",
		SourcePageURL: "https://" + provider + ".example.com/watch/" + id,
		Subtitles: []models.Subtitle{
			{URL: "https://subs.example.com/" + id + ".vtt", Language: "en", Label: "English"},
		},
		CapturedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

func TestRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	want := entry("vidora", "42", time.Hour)
	require.NoError(t, store.Put(ctx, want))

	got, err := store.Get(ctx, "vidora", movieKey("42"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ManifestURL, got.ManifestURL)
	assert.Equal(t, want.Key, got.Key)
	assert.Equal(t, want.SourcePageURL, got.SourcePageURL)
	require.Len(t, got.Subtitles, 1)
	assert.Equal(t, "en", got.Subtitles[0].Language)
}

func TestGetMissReturnsNil(t *testing.T) {
	store := openTestStore(t)

	got, err := store.Get(context.Background(), "vidora", movieKey("nope"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExpiredEntryNeverReturnedAndPurged(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e := entry("vidora", "42", time.Hour)
	e.CapturedAt = time.Now().Add(-2 * time.Hour)
	e.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, e))

	before, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, before.Total)
	assert.Equal(t, 1, before.Expired)

	got, err := store.Get(ctx, "vidora", movieKey("42"))
	require.NoError(t, err)
	assert.Nil(t, got)

	after, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, after.Total)
}

func TestPutRejectsInvertedExpiry(t *testing.T) {
	store := openTestStore(t)

	e := entry("vidora", "42", time.Hour)
	e.ExpiresAt = e.CapturedAt
	assert.ErrorIs(t, store.Put(context.Background(), e), ErrInvalidEntry)
}

func TestPutLastWriteWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := entry("vidora", "42", time.Hour)
	require.NoError(t, store.Put(ctx, first))

	second := first
	second.ManifestURL = "https://cdn2.example.com/42/index.m3u8"
	require.NoError(t, store.Put(ctx, second))

	got, err := store.Get(ctx, "vidora", movieKey("42"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ManifestURL, got.ManifestURL)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
}

func TestInvalidateSingleProvider(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entry("vidora", "42", time.Hour)))
	require.NoError(t, store.Put(ctx, entry("streamhive", "42", time.Hour)))

	require.NoError(t, store.Invalidate(ctx, "vidora", movieKey("42")))

	got, err := store.Get(ctx, "vidora", movieKey("42"))
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.Get(ctx, "streamhive", movieKey("42"))
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestInvalidateAllProviders(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entry("vidora", "42", time.Hour)))
	require.NoError(t, store.Put(ctx, entry("streamhive", "42", time.Hour)))

	require.NoError(t, store.Invalidate(ctx, "", movieKey("42")))

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
}

func TestSweepExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stale := entry("vidora", "1", time.Hour)
	stale.CapturedAt = time.Now().Add(-48 * time.Hour)
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, stale))
	require.NoError(t, store.Put(ctx, entry("vidora", "2", time.Hour)))

	n, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Valid)
}

func TestSeriesKeysAreDistinct(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e1 := entry("vidora", "7", time.Hour)
	e1.Key = models.MediaKey{Type: models.MediaTypeSeries, ID: "7", Season: 1, Episode: 1}
	e2 := e1
	e2.Key.Episode = 2
	e2.ManifestURL = "https://cdn.example.com/7/e2/index.m3u8"

	require.NoError(t, store.Put(ctx, e1))
	require.NoError(t, store.Put(ctx, e2))

	got, err := store.Get(ctx, "vidora", e2.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e2.ManifestURL, got.ManifestURL)
}

type fakeProber struct {
	err   error
	calls int
}

func (p *fakeProber) Probe(ctx context.Context, rawURL, refererHint string) error {
	p.calls++
	return p.err
}

func TestValidationProbeDropsDeadEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entry("vidora", "42", time.Hour)))

	prober := &fakeProber{err: errors.New("410 gone")}
	store.EnableValidation(prober, time.Second)

	got, err := store.Get(ctx, "vidora", movieKey("42"))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, prober.calls)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
}

func TestValidationProbePassesLiveEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entry("vidora", "42", time.Hour)))

	prober := &fakeProber{}
	store.EnableValidation(prober, time.Second)

	got, err := store.Get(ctx, "vidora", movieKey("42"))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, 1, prober.calls)
}

func TestEntries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, entry("vidora", "42", time.Hour)))
	require.NoError(t, store.Put(ctx, entry("omniplex", "42", time.Hour)))

	entries, err := store.Entries(ctx, movieKey("42"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
