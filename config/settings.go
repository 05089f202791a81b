package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server    ServerSettings    `json:"server"`
	Cache     CacheSettings     `json:"cache"`
	Providers []ProviderConfig  `json:"providers"`
	Extractor ExtractorSettings `json:"extractor"`
	Metadata  MetadataSettings  `json:"metadata"`
	Proxy     ProxySettings     `json:"proxy"`
	Torrent   TorrentSettings   `json:"torrent"`
	Resolver  ResolverSettings  `json:"resolver"`
	Log       LogConfig         `json:"log"`
}

type ServerSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	AdminKey string `json:"adminKey"` // generated on first start when empty
}

// CacheSettings controls the durable manifest cache.
type CacheSettings struct {
	Directory        string `json:"directory"`
	DatabaseFile     string `json:"databaseFile"`
	SweepIntervalMin int    `json:"sweepIntervalMinutes"`
	ValidateOnRead   bool   `json:"validateOnRead"` // HEAD-probe hits before returning them
	ProbeTimeoutSec  int    `json:"probeTimeoutSeconds"`
	SessionIdleHours int    `json:"sessionIdleHours"`
}

// ProviderConfig describes one upstream source in the cascade. Priority is
// ascending: lower values are tried first.
type ProviderConfig struct {
	Name            string `json:"name"`
	Priority        int    `json:"priority"`
	IdentifierSpace string `json:"identifierSpace"`    // tmdb | imdb
	Language        string `json:"language,omitempty"` // "" = original audio
	TTLHours        int    `json:"ttlHours"`
	Universal       bool   `json:"universal"` // last-resort source, widest identifier space
	Enabled         bool   `json:"enabled"`
}

type ExtractorSettings struct {
	URL             string `json:"url"`
	TimeoutSec      int    `json:"timeoutSeconds"`
	QuickTimeoutSec int    `json:"quickTimeoutSeconds"`
	MaxBackground   int    `json:"maxBackgroundJobs"`
}

type MetadataSettings struct {
	URL      string `json:"url"`
	APIKey   string `json:"apiKey"`
	TTLHours int    `json:"ttlHours"`
}

// ProxySettings governs the manifest/segment proxy boundary.
type ProxySettings struct {
	PublicBasePath    string `json:"publicBasePath"` // path prefix clients see, default /api
	AllowPrivateHosts bool   `json:"allowPrivateHosts"`
	FetchTimeoutSec   int    `json:"fetchTimeoutSeconds"`
}

type TorrentSettings struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

type ResolverSettings struct {
	SecondaryLanguage string `json:"secondaryLanguage"` // dubbed-track language, e.g. "de"
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `json:"file"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// DefaultSettings returns the configuration used when no settings file exists.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{
			Host: "0.0.0.0",
			Port: 8480,
		},
		Cache: CacheSettings{
			Directory:        "cache",
			DatabaseFile:     "streamcache.db",
			SweepIntervalMin: 60,
			ValidateOnRead:   false,
			ProbeTimeoutSec:  4,
			SessionIdleHours: 24,
		},
		Providers: DefaultProviders(),
		Extractor: ExtractorSettings{
			URL:             "http://127.0.0.1:8765",
			TimeoutSec:      45,
			QuickTimeoutSec: 12,
			MaxBackground:   4,
		},
		Metadata: MetadataSettings{
			URL:      "https://api.themoviedb.org/3",
			TTLHours: 24 * 7,
		},
		Proxy: ProxySettings{
			PublicBasePath:  "/api",
			FetchTimeoutSec: 30,
		},
		Torrent: TorrentSettings{
			Enabled: false,
			URL:     "http://127.0.0.1:8890",
		},
		Resolver: ResolverSettings{},
		Log: LogConfig{
			File:       filepath.Join("cache", "logs", "streamrelay.log"),
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// DefaultProviders is the fixed priority list used when none is configured.
// Captured manifest URLs for vidora, streamhive and omniplex have been
// observed to stay valid for months; vidlux rotates tokens and gets a
// short TTL.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: "vidora", Priority: 1, IdentifierSpace: "imdb", TTLHours: 24 * 90, Enabled: true},
		{Name: "streamhive", Priority: 2, IdentifierSpace: "imdb", TTLHours: 24 * 90, Enabled: true},
		{Name: "vidlux", Priority: 3, IdentifierSpace: "tmdb", TTLHours: 12, Enabled: true},
		{Name: "omniplex", Priority: 4, IdentifierSpace: "tmdb", TTLHours: 24 * 90, Universal: true, Enabled: true},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads the settings file from disk or creates defaults if missing.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	var s Settings
	dec := json.NewDecoder(f)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, err
	}

	applyDefaults(&s)
	return s, nil
}

// applyDefaults fills gaps left by hand-edited or older settings files.
func applyDefaults(s *Settings) {
	d := DefaultSettings()
	if s.Server.Port == 0 {
		s.Server.Port = d.Server.Port
	}
	if strings.TrimSpace(s.Server.Host) == "" {
		s.Server.Host = d.Server.Host
	}
	if strings.TrimSpace(s.Cache.Directory) == "" {
		s.Cache.Directory = d.Cache.Directory
	}
	if strings.TrimSpace(s.Cache.DatabaseFile) == "" {
		s.Cache.DatabaseFile = d.Cache.DatabaseFile
	}
	if s.Cache.SweepIntervalMin <= 0 {
		s.Cache.SweepIntervalMin = d.Cache.SweepIntervalMin
	}
	if s.Cache.ProbeTimeoutSec <= 0 {
		s.Cache.ProbeTimeoutSec = d.Cache.ProbeTimeoutSec
	}
	if s.Cache.SessionIdleHours <= 0 {
		s.Cache.SessionIdleHours = d.Cache.SessionIdleHours
	}
	if len(s.Providers) == 0 {
		s.Providers = DefaultProviders()
	}
	if strings.TrimSpace(s.Extractor.URL) == "" {
		s.Extractor.URL = d.Extractor.URL
	}
	if s.Extractor.TimeoutSec <= 0 {
		s.Extractor.TimeoutSec = d.Extractor.TimeoutSec
	}
	if s.Extractor.QuickTimeoutSec <= 0 {
		s.Extractor.QuickTimeoutSec = d.Extractor.QuickTimeoutSec
	}
	if s.Extractor.MaxBackground <= 0 {
		s.Extractor.MaxBackground = d.Extractor.MaxBackground
	}
	if strings.TrimSpace(s.Metadata.URL) == "" {
		s.Metadata.URL = d.Metadata.URL
	}
	if s.Metadata.TTLHours <= 0 {
		s.Metadata.TTLHours = d.Metadata.TTLHours
	}
	if strings.TrimSpace(s.Proxy.PublicBasePath) == "" {
		s.Proxy.PublicBasePath = d.Proxy.PublicBasePath
	}
	if s.Proxy.FetchTimeoutSec <= 0 {
		s.Proxy.FetchTimeoutSec = d.Proxy.FetchTimeoutSec
	}
	if strings.TrimSpace(s.Log.File) == "" {
		s.Log = d.Log
	}
}

// Save writes the provided settings to disk atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
