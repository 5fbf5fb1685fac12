package httpcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache status values, reported in the X-Cache header and the "status"
// label.
const (
	StatusHit         = "HIT"
	StatusMiss        = "MISS"
	StatusRevalidated = "REVALIDATED"
	StatusStale       = "STALE"
	StatusBypass      = "BYPASS"

	// HeaderCacheStatus carries the cache status of a response
	HeaderCacheStatus = "X-Cache"
)

var (
	// Requests tracks requests handled by the transport by cache status
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_http_requests_total",
			Help: "Total requests handled by the caching transport",
		},
		[]string{"status"}, // "HIT", "MISS", "REVALIDATED", "STALE", "BYPASS", "ERROR"
	)

	// UpstreamDuration tracks upstream round trips, retries included
	UpstreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apicache_http_upstream_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	// ConditionalRequests tracks revalidation requests sent upstream
	ConditionalRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apicache_http_conditional_requests_total",
			Help: "Total conditional requests sent upstream",
		},
	)

	// NotModified tracks 304 Not Modified responses
	NotModified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apicache_http_304_responses_total",
			Help: "Total 304 Not Modified responses",
		},
	)

	// CollapsedRequests tracks requests that shared another request's fetch
	CollapsedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apicache_http_collapsed_requests_total",
			Help: "Total requests served by a concurrent identical fetch",
		},
	)

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_http_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apicache_http_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_http_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)
