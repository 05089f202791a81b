// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ResolutionsTotal counts resolve calls by final source provider and
// outcome (hit, extracted, unavailable, error).
var ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrelay_resolutions_total",
	Help: "Stream resolutions by source and outcome",
}, []string{"source", "outcome"})

// CacheHitsTotal counts manifest cache hits per provider.
var CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrelay_cache_hits_total",
	Help: "Manifest cache hits",
}, []string{"provider"})

// ExtractionsTotal counts extraction attempts per provider and outcome.
var ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrelay_extractions_total",
	Help: "Extraction attempts by provider and outcome",
}, []string{"provider", "outcome"})

// ProxyBytesTotal counts bytes streamed through the proxy, split by kind
// (manifest, segment).
var ProxyBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamrelay_proxy_bytes_total",
	Help: "Bytes streamed to clients through the proxy",
}, []string{"kind"})

// ActiveSessions tracks the size of the in-memory session registry.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamrelay_active_sessions",
	Help: "Sessions currently held in memory",
})

// SSRFRejectsTotal counts proxy targets refused by the allowlist guard.
var SSRFRejectsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "streamrelay_ssrf_rejects_total",
	Help: "Proxy requests rejected by the private-address guard",
})
