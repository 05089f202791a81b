// Package metadata consumes the catalog API for what the resolution
// pipeline needs from it: translating identifiers between catalog spaces
// so providers that speak a different identifier space can be addressed,
// and display titles. Mappings rarely change, so they are cached on disk
// with a long TTL.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"streamrelay/models"
)

// Identifier spaces known to the catalog.
const (
	SpaceTMDB = "tmdb"
	SpaceIMDB = "imdb"
)

var (
	ErrNoMapping   = errors.New("no identifier mapping")
	ErrUnsupported = errors.New("unsupported identifier translation")
)

// Service is the catalog metadata collaborator client.
type Service struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	idCache *fileCache
}

// NewService builds the client. cacheDir hosts the on-disk ID mapping
// cache under an "ids" subdirectory to keep it apart from other cached
// data.
func NewService(baseURL, apiKey, cacheDir string, ttlHours int) *Service {
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		idCache: newFileCache(filepath.Join(cacheDir, "ids"), ttlHours),
	}
}

// SetHTTPClient overrides the transport, used by tests.
func (s *Service) SetHTTPClient(c *http.Client) { s.httpc = c }

// TranslateID converts id from one identifier space to another for the
// given media type. Returns ErrNoMapping when the catalog has no
// equivalent, which callers treat as "skip providers needing that space".
func (s *Service) TranslateID(ctx context.Context, mediaType, fromSpace, toSpace, id string) (string, error) {
	if fromSpace == toSpace {
		return id, nil
	}
	if fromSpace != SpaceTMDB || toSpace != SpaceIMDB {
		return "", fmt.Errorf("%w: %s -> %s", ErrUnsupported, fromSpace, toSpace)
	}

	key := cacheKey("id", fromSpace, toSpace, mediaType, id)
	var cached string
	if ok, _ := s.idCache.get(key, &cached); ok {
		if cached == "" {
			return "", ErrNoMapping
		}
		return cached, nil
	}

	mapped, err := s.fetchIMDBID(ctx, mediaType, id)
	if err != nil {
		if errors.Is(err, ErrNoMapping) {
			// Negative results are worth caching too: the catalog is
			// authoritative about missing mappings.
			if cerr := s.idCache.set(key, ""); cerr != nil {
				log.Printf("[metadata] failed to cache negative mapping for %s %s: %v", mediaType, id, cerr)
			}
		}
		return "", err
	}

	if err := s.idCache.set(key, mapped); err != nil {
		log.Printf("[metadata] failed to cache id mapping for %s %s: %v", mediaType, id, err)
	}
	return mapped, nil
}

// ClearCache removes all cached identifier mappings.
func (s *Service) ClearCache() error { return s.idCache.clear() }

// Title returns the catalog display title for a tmdb-space identifier.
func (s *Service) Title(ctx context.Context, mediaType, id string) (string, error) {
	key := cacheKey("title", mediaType, id)
	var cached string
	if ok, _ := s.idCache.get(key, &cached); ok {
		return cached, nil
	}

	kind := "movie"
	if mediaType == models.MediaTypeSeries {
		kind = "tv"
	}
	endpoint := fmt.Sprintf("%s/%s/%s?api_key=%s", s.baseURL, kind, url.PathEscape(id), url.QueryEscape(s.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch title: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("catalog returned status %d for %s %s", resp.StatusCode, kind, id)
	}

	// Movies carry "title", series carry "name".
	var payload struct {
		Title string `json:"title"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode title: %w", err)
	}
	title := payload.Title
	if title == "" {
		title = payload.Name
	}

	if err := s.idCache.set(key, title); err != nil {
		log.Printf("[metadata] failed to cache title for %s %s: %v", mediaType, id, err)
	}
	return title, nil
}

func (s *Service) fetchIMDBID(ctx context.Context, mediaType, id string) (string, error) {
	kind := "movie"
	if mediaType == models.MediaTypeSeries {
		kind = "tv"
	}

	endpoint := fmt.Sprintf("%s/%s/%s/external_ids?api_key=%s", s.baseURL, kind, url.PathEscape(id), url.QueryEscape(s.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch external ids: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNoMapping
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("catalog returned status %d for %s %s", resp.StatusCode, kind, id)
	}

	var payload struct {
		IMDBID string `json:"imdb_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode external ids: %w", err)
	}
	if strings.TrimSpace(payload.IMDBID) == "" {
		return "", ErrNoMapping
	}
	return payload.IMDBID, nil
}
