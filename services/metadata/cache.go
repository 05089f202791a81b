package metadata

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fileCache is a small JSON-per-entry disk cache. Entries expire by TTL
// on read; stale files linger until overwritten, which is fine for the
// volume of identifier mappings involved.
type fileCache struct {
	dir string
	ttl time.Duration
}

type cacheFile struct {
	CachedAt time.Time       `json:"cachedAt"`
	Data     json.RawMessage `json:"data"`
}

func newFileCache(dir string, ttlHours int) *fileCache {
	return &fileCache{dir: dir, ttl: time.Duration(ttlHours) * time.Hour}
}

func cacheKey(parts ...string) string {
	h := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func (c *fileCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// get unmarshals a fresh entry into out and reports whether one existed.
func (c *fileCache) get(key string, out any) (bool, error) {
	data, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		// Corrupt entries are treated as absent and rewritten on set.
		return false, nil
	}
	if c.ttl > 0 && time.Since(f.CachedAt) > c.ttl {
		return false, nil
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *fileCache) set(key string, val any) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(cacheFile{CachedAt: time.Now(), Data: data})
	if err != nil {
		return err
	}
	return os.WriteFile(c.path(key), payload, 0o644)
}

// clear removes every cached entry.
func (c *fileCache) clear() error {
	err := os.RemoveAll(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
