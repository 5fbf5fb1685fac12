// Package cache provides the API cache policy engine and its storage contract.
//
// The Cache type sits in front of network calls and implements:
//
// - TTL expiration, checked lazily on read (no background timers)
// - Capacity-bounded eviction of the oldest entry per namespace
// - Namespacing, so several caches can share one physical store
// - Prefix and pattern invalidation
// - Hit/miss statistics and Prometheus metrics
//
// Storage is pluggable through the Storage interface. MemoryStorage is the
// default; package storage provides durable backends.
//
// # Basic Usage
//
//	c, err := cache.New[User](cache.Options{
//		TTL:       time.Minute,
//		MaxItems:  500,
//		Namespace: "users",
//	})
//	if err != nil {
//		return err
//	}
//
//	c.Set(ctx, "user:1", user)
//
//	if u, ok := c.Get(ctx, "user:1"); ok {
//		// Cache hit
//	}
//
// # Invalidation
//
//	// Remove every "user:*" entry after a mutation
//	c.InvalidateByPrefix(ctx, "user:")
//
//	// Remove list endpoints by logical key
//	c.InvalidateByPattern(ctx, regexp.MustCompile(`^list-`))
//
// # Key Layout
//
// Physical keys are "namespace:logicalKey". The entry keeps the logical
// key, which is what InvalidateByPattern matches against.
//
// # Durable Storage
//
//	adapter := storage.NewKeyValueAdapter[User](ctx, store, "apicache_", logger)
//	c, err := cache.New[User](cache.Options{Persistent: true},
//		cache.WithStorage[User](adapter))
//
// # Metrics
//
// The cache exports Prometheus metrics:
//
//   - apicache_hits_total{namespace} - Cache hits
//   - apicache_misses_total{namespace} - Cache misses, expired reads included
//   - apicache_evictions_total{namespace,reason} - Entries removed by policy
//   - apicache_entries{namespace} - Live entries
//   - apicache_storage_errors_total{backend,operation} - Absorbed storage errors
//   - apicache_storage_prunes_total{backend} - Prune passes under storage pressure
package cache
