package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Eviction reasons used as the "reason" label.
const (
	ReasonCapacity    = "capacity"
	ReasonExpired     = "expired"
	ReasonInvalidated = "invalidated"
)

var (
	// CacheHits tracks cache hits by namespace
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"namespace"},
	)

	// CacheMisses tracks cache misses by namespace, expired reads included
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"namespace"},
	)

	// CacheEvictions tracks removed entries by namespace and reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_evictions_total",
			Help: "Total number of entries removed by policy",
		},
		[]string{"namespace", "reason"}, // "capacity", "expired", "invalidated"
	)

	// CacheEntries tracks the live entry count by namespace
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apicache_entries",
			Help: "Current number of entries in the namespace",
		},
		[]string{"namespace"},
	)

	// StorageErrors tracks durable storage failures that were absorbed
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_storage_errors_total",
			Help: "Total number of storage operation errors",
		},
		[]string{"backend", "operation"}, // "get", "set", "delete", "clear", "load"
	)

	// StoragePrunes tracks prune passes triggered by storage pressure
	StoragePrunes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_storage_prunes_total",
			Help: "Total number of prune passes after failed writes",
		},
		[]string{"backend"},
	)
)
