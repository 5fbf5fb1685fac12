// Package httpcache is the response cache of a worker: an
// http.RoundTripper that keeps upstream GET responses in a cache.Cache.
//
// Responses are keyed by RequestKey ("GET /users?page=2"). Freshness
// follows the upstream Expires header, 5 minutes when absent. Stale
// responses are revalidated with If-None-Match or If-Modified-Since and
// served when upstream fails. Server errors, 429 and network errors are
// retried with exponential backoff; client errors are returned as is.
//
// Transport satisfies serviceworker.Invalidator, so CLEAR_CACHES and
// INVALIDATE_API_CACHE messages reach it through
// serviceworker.NewCacheHandler.
package httpcache
