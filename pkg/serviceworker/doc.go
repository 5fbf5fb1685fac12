// Package serviceworker controls the lifecycle of cache workers and the
// control channel used to invalidate their response caches.
//
// A Container hosts registrations the way a browser hosts service
// workers. Runtime is the in-process implementation: each worker runs
// its script's Handler on its own goroutine. A Manager registers one
// script, tracks the lifecycle
//
//	unregistered -> registering -> registered | update-available -> activating -> active
//
// and posts fire-and-forget control messages:
//
//	{"type":"SKIP_WAITING"}
//	{"type":"CLEAR_CACHES"}
//	{"type":"INVALIDATE_API_CACHE","pattern":"^GET /users"}
//
// NewCacheHandler interprets the last two against a worker's response
// cache, typically an httpcache.Transport.
package serviceworker
