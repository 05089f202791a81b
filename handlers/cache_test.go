package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/models"
	"streamrelay/services/streamcache"
)

type fakeAdminStore struct {
	stats   streamcache.Stats
	swept   int64
	cleared int64
	entries []models.CacheEntry
}

func (f *fakeAdminStore) Stats(context.Context) (streamcache.Stats, error) { return f.stats, nil }
func (f *fakeAdminStore) SweepExpired(context.Context) (int64, error)     { return f.swept, nil }
func (f *fakeAdminStore) Clear(context.Context) (int64, error)            { return f.cleared, nil }
func (f *fakeAdminStore) Entries(context.Context, models.MediaKey) ([]models.CacheEntry, error) {
	return f.entries, nil
}

func TestCacheAdminStats(t *testing.T) {
	h := NewCacheHandler(&fakeAdminStore{stats: streamcache.Stats{Total: 10, Valid: 8, Expired: 2}}, &fakeFetcher{})

	req := httptest.NewRequest(http.MethodGet, "/api/cache?action=stats", nil)
	rec := httptest.NewRecorder()
	h.Admin(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats streamcache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 2, stats.Expired)
}

func TestCacheAdminCleanAndClear(t *testing.T) {
	h := NewCacheHandler(&fakeAdminStore{swept: 3, cleared: 10}, &fakeFetcher{})

	req := httptest.NewRequest(http.MethodPost, "/api/cache?action=clean", nil)
	rec := httptest.NewRecorder()
	h.Admin(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":3}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/cache?action=clear", nil)
	rec = httptest.NewRecorder()
	h.Admin(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":10}`, rec.Body.String())
}

func TestCacheAdminUnknownAction(t *testing.T) {
	h := NewCacheHandler(&fakeAdminStore{}, &fakeFetcher{})

	req := httptest.NewRequest(http.MethodPost, "/api/cache?action=explode", nil)
	rec := httptest.NewRecorder()
	h.Admin(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

const masterManifest = "#EXTM3U\n" +
	"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=2560000,RESOLUTION=1280x720\n" +
	"720p.m3u8\n" +
	"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=5120000,RESOLUTION=1920x1080\n" +
	"1080p.m3u8\n"

func TestCacheAdminProbe(t *testing.T) {
	now := time.Now()
	store := &fakeAdminStore{entries: []models.CacheEntry{{
		Provider:    "vidora",
		ManifestURL: "https://cdn.example.com/hls/index.m3u8",
		ExpiresAt:   now.Add(time.Hour),
	}}}
	fetcher := &fakeFetcher{response: textResponse(http.StatusOK, masterManifest)}
	h := NewCacheHandler(store, fetcher)

	req := httptest.NewRequest(http.MethodGet, "/api/cache?action=probe&type=movie&id=603", nil)
	rec := httptest.NewRecorder()
	h.Admin(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Key     string        `json:"key"`
		Results []probeResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "movie:603", body.Key)
	require.Len(t, body.Results, 1)
	assert.True(t, body.Results[0].Alive)
	assert.Equal(t, "master", body.Results[0].Playlist)
	assert.Equal(t, 2, body.Results[0].Variants)
}

func TestCacheAdminProbeNeedsValidKey(t *testing.T) {
	h := NewCacheHandler(&fakeAdminStore{}, &fakeFetcher{})

	req := httptest.NewRequest(http.MethodGet, "/api/cache?action=probe", nil)
	rec := httptest.NewRecorder()
	h.Admin(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
