// Package metrics provides the Prometheus registry and HTTP handler for
// the API cache. All metrics are defined in their respective packages
// (cache, storage, serviceworker, httpcache) and registered via promauto.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the API cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the metrics of the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - apicache_hits_total{namespace} (Counter): Cache hits
//   - apicache_misses_total{namespace} (Counter): Cache misses, expired reads included
//   - apicache_evictions_total{namespace, reason} (Counter): Entries removed by capacity, expiry or invalidation
//   - apicache_entries{namespace} (Gauge): Current entries in the namespace
//   - apicache_storage_errors_total{backend, operation} (Counter): Absorbed durable storage failures
//   - apicache_storage_prunes_total{backend} (Counter): Prune passes after failed writes
//
// Service Worker Metrics (pkg/serviceworker):
//   - apicache_sw_messages_total{type, result} (Counter): Control messages posted, dropped or failed
//   - apicache_sw_messages_handled_total{type, result} (Counter): Control messages handled by workers
//   - apicache_sw_worker_transitions_total{state} (Counter): Worker state transitions
//
// HTTP Cache Metrics (pkg/httpcache):
//   - apicache_http_requests_total{status} (Counter): Requests by cache status (HIT, MISS, REVALIDATED, STALE, BYPASS, ERROR)
//   - apicache_http_upstream_duration_seconds (Histogram): Upstream request duration
//   - apicache_http_conditional_requests_total (Counter): Revalidation requests sent
//   - apicache_http_304_responses_total (Counter): 304 Not Modified responses
//   - apicache_http_collapsed_requests_total (Counter): Requests served by a concurrent identical fetch
//   - apicache_http_retries_total{error_class} (Counter): Retry attempts by error class
//   - apicache_http_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - apicache_http_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(apicache_hits_total[5m])) /
//   (sum(rate(apicache_hits_total[5m])) + sum(rate(apicache_misses_total[5m])))
//
//   # Storage running degraded
//   rate(apicache_storage_errors_total[5m]) > 0
//
//   # Upstream served from stale copies
//   rate(apicache_http_requests_total{status="STALE"}[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(apicache_http_upstream_duration_seconds_bucket[5m]))
