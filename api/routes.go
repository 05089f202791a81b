package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamrelay/handlers"
)

// corsMiddleware handles CORS for API routes; players run from arbitrary
// origins.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminKeyMiddleware gates maintenance endpoints behind the generated
// admin key, accepted as a header or query parameter.
func adminKeyMiddleware(key string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-Admin-Key")
			if presented == "" {
				presented = r.URL.Query().Get("key")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				http.Error(w, "admin key required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Register mounts the relay's endpoints onto the provided router.
func Register(
	r *mux.Router,
	adminKey string,
	resolveHandler *handlers.ResolveHandler,
	manifestHandler *handlers.ManifestHandler,
	segmentHandler *handlers.SegmentHandler,
	cacheHandler *handlers.CacheHandler,
	torrentHandler *handlers.TorrentHandler,
	healthHandler *handlers.HealthHandler,
) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)

	api.HandleFunc("/resolve", resolveHandler.Resolve).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/resolve", resolveHandler.Invalidate).Methods(http.MethodDelete)

	// Playback path: no auth, players cannot send custom headers.
	api.HandleFunc("/manifest", manifestHandler.Serve).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/segment", segmentHandler.Serve).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)

	admin := api.PathPrefix("/cache").Subrouter()
	admin.Use(adminKeyMiddleware(adminKey))
	admin.HandleFunc("", cacheHandler.Admin).Methods(http.MethodGet, http.MethodPost)

	if torrentHandler != nil {
		api.PathPrefix("/torrent/").HandlerFunc(torrentHandler.Forward)
	}

	api.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}
