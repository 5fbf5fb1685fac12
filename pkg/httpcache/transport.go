package httpcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultStaleTTL is how long a response is kept after it went stale, so
// it can be revalidated or served when upstream fails.
const DefaultStaleTTL = 10 * time.Minute

// Config configures a Transport.
type Config struct {
	// PathPrefix limits caching to GET requests under this path ("" = all)
	PathPrefix string

	// StaleTTL is how long stale responses are kept (default DefaultStaleTTL)
	StaleTTL time.Duration

	// UserAgent is set on upstream requests when not empty
	UserAgent string

	// RetryPolicy picks retry settings per error class
	// (default RetryConfigForErrorClass)
	RetryPolicy RetryPolicy
}

// Transport is an http.RoundTripper that caches GET responses in a
// cache.Cache, the response cache of a worker.
//
// Fresh responses are served from the cache. Stale ones are revalidated
// with a conditional request; a 304 refreshes them. Concurrent misses for
// one key share a single upstream request. When upstream fails, a stale
// response is served if one is kept.
type Transport struct {
	base   http.RoundTripper
	cache  *cache.Cache[Response]
	cfg    Config
	group  singleflight.Group
	now    func() time.Time
	logger zerolog.Logger
}

// NewTransport creates a transport. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, responses *cache.Cache[Response], cfg Config, logger zerolog.Logger) *Transport {
	if responses == nil {
		panic("response cache cannot be nil")
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = DefaultStaleTTL
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = RetryConfigForErrorClass
	}
	return &Transport{
		base:   base,
		cache:  responses,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.cacheable(req) {
		Requests.WithLabelValues(StatusBypass).Inc()
		resp, err := t.fetch(req, nil)
		if err != nil {
			Requests.WithLabelValues("ERROR").Inc()
			return nil, err
		}
		resp.Header.Set(HeaderCacheStatus, StatusBypass)
		return resp, nil
	}

	ctx := req.Context()
	key := RequestKey(req)

	cached, ok := t.cache.Get(ctx, key)
	if ok && cached.Fresh(t.now()) {
		Requests.WithLabelValues(StatusHit).Inc()
		t.logger.Debug().Str("key", key).Bool("cache_hit", true).Msg("Serving cached response")
		return cached.ToHTTP(req, StatusHit), nil
	}

	var stale *Response
	if ok {
		stale = &cached
	}

	v, err, shared := t.group.Do(key, func() (any, error) {
		return t.refresh(req, key, stale)
	})
	if shared {
		CollapsedRequests.Inc()
	}
	if err != nil {
		Requests.WithLabelValues("ERROR").Inc()
		return nil, err
	}

	res := v.(result)
	Requests.WithLabelValues(res.status).Inc()
	return res.response.ToHTTP(req, res.status), nil
}

type result struct {
	response *Response
	status   string
}

// refresh fetches key from upstream, revalidating stale when possible,
// and stores the outcome.
func (t *Transport) refresh(req *http.Request, key string, stale *Response) (result, error) {
	ctx := req.Context()

	resp, err := t.fetch(req, stale)
	if err != nil {
		if stale != nil {
			t.logger.Warn().Err(err).Str("key", key).Msg("Upstream failed, serving stale response")
			return result{response: stale, status: StatusStale}, nil
		}
		return result{}, err
	}
	defer resp.Body.Close()

	now := t.now()
	if resp.StatusCode == http.StatusNotModified && stale != nil {
		NotModified.Inc()
		io.Copy(io.Discard, resp.Body)

		refreshed := stale.withExpires(parseExpires(resp.Header, now))
		t.store(ctx, key, refreshed, now)
		t.logger.Debug().Str("key", key).Msg("304 Not Modified, refreshed cached response")
		return result{response: refreshed, status: StatusRevalidated}, nil
	}

	fetched, err := FromHTTP(resp, now)
	if err != nil {
		return result{}, fmt.Errorf("read upstream response: %w", err)
	}
	if fetched.StatusCode == http.StatusOK {
		if storable(resp.Header) {
			t.store(ctx, key, fetched, now)
		} else if stale != nil {
			t.cache.Delete(ctx, key)
		}
	}
	return result{response: fetched, status: StatusMiss}, nil
}

// store keeps r for its freshness lifetime plus StaleTTL. Responses that
// are already stale and cannot be revalidated are not kept.
func (t *Transport) store(ctx context.Context, key string, r *Response, now time.Time) {
	ttl := r.TTL(now)
	if ttl == 0 && !r.CanRevalidate() {
		return
	}
	t.cache.SetWithTTL(ctx, key, *r, ttl+t.cfg.StaleTTL)
	t.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cached response")
}

// fetch sends req upstream, with retries for safe methods only.
// Conditional headers for stale are added to a clone; req itself is not
// modified.
func (t *Transport) fetch(req *http.Request, stale *Response) (*http.Response, error) {
	ctx := req.Context()
	out := req.Clone(ctx)
	if t.cfg.UserAgent != "" {
		out.Header.Set("User-Agent", t.cfg.UserAgent)
	}
	if stale != nil && stale.CanRevalidate() {
		AddConditionalHeaders(out, stale)
		ConditionalRequests.Inc()
	}

	start := time.Now()
	defer func() {
		UpstreamDuration.Observe(time.Since(start).Seconds())
	}()

	if !retryable(out.Method) {
		resp, err := t.base.RoundTrip(out)
		if err != nil {
			return nil, &UpstreamError{
				Class:   ErrorClassNetwork,
				Message: "request failed",
				Err:     err,
			}
		}
		return resp, nil
	}

	var resp *http.Response
	err := retryWithBackoff(ctx, t.cfg.RetryPolicy, t.logger, func() (ErrorClass, error) {
		r, err := t.base.RoundTrip(out)
		if err != nil {
			return ErrorClassNetwork, &UpstreamError{
				Class:   ErrorClassNetwork,
				Message: "request failed",
				Err:     err,
			}
		}

		class := classifyStatus(r.StatusCode)
		if shouldRetry(class) {
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			t.logger.Warn().
				Str("path", out.URL.Path).
				Int("status", r.StatusCode).
				Str("error_class", string(class)).
				Msg("Upstream request error")
			return class, &UpstreamError{
				StatusCode: r.StatusCode,
				Class:      class,
				Message:    r.Status,
			}
		}

		resp = r
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// cacheable reports whether req may be answered from the shared cache.
// Requests with credentials or no-store are always sent upstream.
func (t *Transport) cacheable(req *http.Request) bool {
	if req.Method != http.MethodGet || !strings.HasPrefix(req.URL.Path, t.cfg.PathPrefix) {
		return false
	}
	if req.Header.Get("Authorization") != "" {
		return false
	}
	_, noStore := cacheControl(req.Header)["no-store"]
	return !noStore
}

// retryable reports whether a request with method can be sent again
// without side effects. Other methods are sent exactly once.
func retryable(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// storable reports whether a response with header may be kept in a cache
// shared by every client. Responses that vary by request header are not
// kept, the key does not include headers.
func storable(header http.Header) bool {
	directives := cacheControl(header)
	if _, ok := directives["no-store"]; ok {
		return false
	}
	if _, ok := directives["private"]; ok {
		return false
	}
	return header.Get("Vary") == ""
}

// cacheControl returns the Cache-Control directive names of header,
// lower-cased.
func cacheControl(header http.Header) map[string]struct{} {
	directives := make(map[string]struct{})
	for _, line := range header.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
			if name != "" {
				directives[strings.ToLower(name)] = struct{}{}
			}
		}
	}
	return directives
}

// Clear drops every cached response.
func (t *Transport) Clear(ctx context.Context) {
	t.cache.Clear(ctx)
}

// Invalidate drops the cached responses whose key matches re and returns
// their number.
func (t *Transport) Invalidate(ctx context.Context, re *regexp.Regexp) int {
	return t.cache.InvalidateByPattern(ctx, re)
}

// Cache returns the response cache.
func (t *Transport) Cache() *cache.Cache[Response] {
	return t.cache
}
