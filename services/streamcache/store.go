// Package streamcache persists resolved manifest URLs between restarts.
// Captured manifests stay valid for a long time on most providers, so a
// durable cache avoids repeating expensive browser extractions.
package streamcache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"streamrelay/models"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var ErrInvalidEntry = errors.New("cache entry must expire after capture")

// Prober checks that a cached manifest URL still answers. Wired to the
// origin fetch adapter's HEAD probe.
type Prober interface {
	Probe(ctx context.Context, rawURL, refererHint string) error
}

// Stats summarizes the cache contents for the admin endpoint.
type Stats struct {
	Total     int   `json:"total"`
	Valid     int   `json:"valid"`
	Expired   int   `json:"expired"`
	SizeBytes int64 `json:"sizeBytes"`
}

// Store is the durable, key-addressed manifest cache. Safe for concurrent
// readers and writers; conflicting writes for the same key are
// last-write-wins.
type Store struct {
	db           *sql.DB
	prober       Prober
	validate     bool
	probeTimeout time.Duration
}

// Open creates (or opens) the cache database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache database: %w", err)
	}

	return &Store{db: db, probeTimeout: 4 * time.Second}, nil
}

// EnableValidation turns on the optional HEAD probe before returning a
// hit. Off by default: captured URLs are permanent on most providers and
// probing costs latency plus false negatives on network blips.
func (s *Store) EnableValidation(p Prober, timeout time.Duration) {
	s.prober = p
	s.validate = p != nil
	if timeout > 0 {
		s.probeTimeout = timeout
	}
}

// Get returns the entry for (provider, key), or nil when absent. An entry
// past its expiry is deleted and reported as absent. Storage errors are
// returned so the caller can log them, but callers must treat them as a
// miss, never as fatal.
func (s *Store) Get(ctx context.Context, provider string, key models.MediaKey) (*models.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT manifest_url, source_page_url, subtitles, captured_at, expires_at
		FROM stream_cache WHERE provider = ? AND media_key = ?`,
		provider, key.String())

	var (
		manifestURL, sourcePageURL, subtitlesJSON string
		capturedAt, expiresAt                     int64
	)
	switch err := row.Scan(&manifestURL, &sourcePageURL, &subtitlesJSON, &capturedAt, &expiresAt); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	entry := models.CacheEntry{
		Provider:      provider,
		Key:           key,
		ManifestURL:   manifestURL,
		SourcePageURL: sourcePageURL,
		CapturedAt:    time.Unix(capturedAt, 0),
		ExpiresAt:     time.Unix(expiresAt, 0),
	}
	if err := json.Unmarshal([]byte(subtitlesJSON), &entry.Subtitles); err != nil {
		log.Printf("[streamcache] corrupt subtitles for %s/%s: %v", provider, key, err)
	}

	if entry.Expired(time.Now()) {
		if err := s.Invalidate(ctx, provider, key); err != nil {
			log.Printf("[streamcache] failed to purge expired entry %s/%s: %v", provider, key, err)
		}
		return nil, nil
	}

	if s.validate && s.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		defer cancel()
		if err := s.prober.Probe(probeCtx, entry.ManifestURL, entry.SourcePageURL); err != nil {
			log.Printf("[streamcache] validation probe failed for %s/%s, dropping entry: %v", provider, key, err)
			_ = s.Invalidate(ctx, provider, key)
			return nil, nil
		}
	}

	return &entry, nil
}

// Put upserts the entry; an existing record for the same key is
// overwritten (last-write-wins).
func (s *Store) Put(ctx context.Context, entry models.CacheEntry) error {
	if !entry.ExpiresAt.After(entry.CapturedAt) {
		return ErrInvalidEntry
	}
	subtitlesJSON, err := json.Marshal(entry.Subtitles)
	if err != nil {
		return fmt.Errorf("encode subtitles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stream_cache (provider, media_key, manifest_url, source_page_url, subtitles, captured_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, media_key) DO UPDATE SET
			manifest_url = excluded.manifest_url,
			source_page_url = excluded.source_page_url,
			subtitles = excluded.subtitles,
			captured_at = excluded.captured_at,
			expires_at = excluded.expires_at`,
		entry.Provider, entry.Key.String(), entry.ManifestURL, entry.SourcePageURL,
		string(subtitlesJSON), entry.CapturedAt.Unix(), entry.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Invalidate removes the entry for (provider, key). An empty provider
// removes the entries of every provider for that key.
func (s *Store) Invalidate(ctx context.Context, provider string, key models.MediaKey) error {
	var err error
	if provider == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM stream_cache WHERE media_key = ?`, key.String())
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM stream_cache WHERE provider = ? AND media_key = ?`, provider, key.String())
	}
	if err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

// SweepExpired deletes every entry past its expiry and returns the count.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stream_cache WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", err)
	}
	return res.RowsAffected()
}

// Clear drops every entry and returns the count removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stream_cache`)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	return res.RowsAffected()
}

// Stats reports entry counts and the database size on disk.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	now := time.Now().Unix()
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0)
		FROM stream_cache`, now, now)
	if err := row.Scan(&st.Total, &st.Valid, &st.Expired); err != nil {
		return Stats{}, fmt.Errorf("read cache stats: %w", err)
	}

	// Size is informational only; ignore failures.
	_ = s.db.QueryRowContext(ctx, `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&st.SizeBytes)
	return st, nil
}

// Entries lists every valid entry for a media key in no particular order,
// used by the cache admin probe.
func (s *Store) Entries(ctx context.Context, key models.MediaKey) ([]models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, manifest_url, source_page_url, subtitles, captured_at, expires_at
		FROM stream_cache WHERE media_key = ? AND expires_at > ?`,
		key.String(), time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		var (
			e                 models.CacheEntry
			subtitlesJSON     string
			captured, expires int64
		)
		e.Key = key
		if err := rows.Scan(&e.Provider, &e.ManifestURL, &e.SourcePageURL, &subtitlesJSON, &captured, &expires); err != nil {
			return nil, err
		}
		e.CapturedAt = time.Unix(captured, 0)
		e.ExpiresAt = time.Unix(expires, 0)
		_ = json.Unmarshal([]byte(subtitlesJSON), &e.Subtitles)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
