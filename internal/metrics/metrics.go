package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "search",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	FetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "source_fetches_total",
		Help:      "Source fetches by branch and provenance of the returned records (api, mock, fallback).",
	}, []string{"branch", "source"})

	FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "search",
		Name:      "source_fetch_duration_seconds",
		Help:      "Source fetch duration in seconds by branch.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	}, []string{"branch"})

	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "provider_requests_total",
		Help:      "Total requests to upstream property providers by provider name and result status.",
	}, []string{"provider", "status"})

	ProviderRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "search",
		Name:      "provider_request_duration_seconds",
		Help:      "Upstream property provider request duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"provider"})

	ProviderAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "search",
		Name:      "provider_available",
		Help:      "Whether a provider is available (1) or blocked by circuit breaker (0).",
	}, []string{"provider"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "cache_hits_total",
		Help:      "Total number of search result cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "cache_misses_total",
		Help:      "Total number of search result cache misses.",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "cache_evictions_total",
		Help:      "Total number of result cache entries evicted by capacity.",
	})

	SupersededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "superseded_cycles_total",
		Help:      "Search cycles discarded because a newer search started in the same session.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "search",
		Name:      "active_sessions",
		Help:      "Number of live search sessions.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		FetchesTotal,
		FetchDuration,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		ProviderAvailable,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		SupersededTotal,
		ActiveSessions,
	)
}
