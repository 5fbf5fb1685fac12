// Package storage provides durable backends for the API cache.
//
// Two adapters implement cache.Storage over persistent stores:
//
//   - KeyValueAdapter serializes entries to JSON text in a KeyValueStore
//     (MemoryStore in-process, RedisStore over Redis). It works like a
//     browser cache over localStorage: bounded by a quota, pruned when a
//     write fails.
//   - DatabaseAdapter stores entries as rows of a SQLite object store. It
//     works like a browser cache over IndexedDB: preloaded at start,
//     written behind by a single writer goroutine.
//
// Both keep a cache.MemoryStorage mirror that is updated before any
// durable write and serves reads first. A store that cannot be used at
// construction is logged once and the adapter runs memory-only; later
// durable failures are logged and counted, never returned.
//
// # Example
//
//	store := storage.NewRedisStore(redisClient)
//	adapter := storage.NewKeyValueAdapter[Payload](ctx, store, "apicache_", logger)
//
//	c, err := cache.New[Payload](cache.Options{Persistent: true},
//		cache.WithStorage[Payload](adapter))
//
//	db, err := storage.OpenDatabase[Payload](ctx, storage.DatabaseConfig{
//		Path: "/var/lib/apicache/cache.db",
//	}, logger)
//	defer db.Close()
package storage
