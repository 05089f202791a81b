package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/natefinch/lumberjack.v2"

	"streamrelay/api"
	"streamrelay/config"
	"streamrelay/handlers"
	"streamrelay/internal/fetch"
	"streamrelay/internal/netguard"
	"streamrelay/internal/playlist"
	"streamrelay/services/extractor"
	"streamrelay/services/metadata"
	"streamrelay/services/resolver"
	"streamrelay/services/streamcache"
	"streamrelay/services/torrent"
	"streamrelay/utils/keys"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	configPath := os.Getenv("STREAMRELAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// File logging with rotation, mirrored to stdout.
	if settings.Log.File != "" {
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Printf("warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
	}

	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	// Mint the admin key on first start and persist it.
	settings.Server.AdminKey = strings.TrimSpace(settings.Server.AdminKey)
	if settings.Server.AdminKey == "" {
		key, err := keys.GenerateAdminKey()
		if err != nil {
			log.Fatalf("failed to generate admin key: %v", err)
		}
		settings.Server.AdminKey = key
		if err := cfgManager.Save(settings); err != nil {
			log.Fatalf("failed to persist admin key: %v", err)
		}
		fmt.Printf("Generated admin key: %s\n", key)
	}

	store, err := streamcache.Open(filepath.Join(settings.Cache.Directory, settings.Cache.DatabaseFile))
	if err != nil {
		log.Fatalf("failed to open stream cache: %v", err)
	}
	defer store.Close()

	guard := netguard.Guard{AllowPrivate: settings.Proxy.AllowPrivateHosts}
	fetchClient := fetch.NewClient(time.Duration(settings.Proxy.FetchTimeoutSec)*time.Second, guard)
	if settings.Cache.ValidateOnRead {
		store.EnableValidation(fetchClient, time.Duration(settings.Cache.ProbeTimeoutSec)*time.Second)
	}

	metadataService := metadata.NewService(settings.Metadata.URL, settings.Metadata.APIKey,
		settings.Cache.Directory, settings.Metadata.TTLHours)
	extractorClient := extractor.NewClient(settings.Extractor.URL,
		time.Duration(settings.Extractor.TimeoutSec)*time.Second)

	resolverService, err := resolver.NewService(settings, store, extractorClient, metadataService)
	if err != nil {
		log.Fatalf("failed to initialise resolver: %v", err)
	}
	defer resolverService.Close()

	torrentService, err := torrent.NewService(settings.Torrent)
	if err != nil {
		log.Fatalf("failed to initialise torrent passthrough: %v", err)
	}

	basePath := strings.TrimRight(settings.Proxy.PublicBasePath, "/")
	rewriter := playlist.NewRewriter(basePath + "/segment")

	r := mux.NewRouter()
	api.Register(
		r,
		settings.Server.AdminKey,
		handlers.NewResolveHandler(resolverService),
		handlers.NewManifestHandler(resolverService.Sessions(), fetchClient, rewriter),
		handlers.NewSegmentHandler(guard, fetchClient),
		handlers.NewCacheHandler(store, fetchClient),
		handlers.NewTorrentHandler(torrentService, basePath+"/torrent"),
		handlers.NewHealthHandler(resolverService.Sessions(), store),
	)

	// Background maintenance: expired cache entries and idle sessions.
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go runSweeps(sweepCtx, store, resolverService.Sessions(), settings.Cache)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // segments stream for as long as players read
		IdleTimeout:  120 * time.Second,
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("[main] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownChan
	log.Println("[main] shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] server shutdown error: %v", err)
	}
	log.Println("[main] shutdown complete")
}

// runSweeps periodically purges expired cache entries and idle sessions
// until ctx is cancelled.
func runSweeps(ctx context.Context, store *streamcache.Store, sessions *resolver.Registry, cfg config.CacheSettings) {
	ticker := time.NewTicker(time.Duration(cfg.SweepIntervalMin) * time.Minute)
	defer ticker.Stop()

	idle := time.Duration(cfg.SessionIdleHours) * time.Hour
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := store.SweepExpired(ctx); err != nil {
				log.Printf("[main] cache sweep failed: %v", err)
			} else if removed > 0 {
				log.Printf("[main] cache sweep removed %d expired entries", removed)
			}
			if removed := sessions.SweepIdle(idle); removed > 0 {
				log.Printf("[main] dropped %d idle sessions", removed)
			}
		}
	}
}
