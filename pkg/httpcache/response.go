package httpcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTTL is the freshness lifetime of responses without a usable
// Expires header.
const DefaultTTL = 5 * time.Minute

// Response is a cached upstream response.
type Response struct {
	StatusCode   int         `json:"status"`
	Header       http.Header `json:"header"`
	Body         []byte      `json:"body"`
	ETag         string      `json:"etag,omitempty"`
	LastModified time.Time   `json:"lastModified,omitempty"`

	// Expires is the end of the freshness lifetime
	Expires time.Time `json:"expires"`
}

// FromHTTP reads resp into a Response. The body is restored so the
// caller can still read it.
func FromHTTP(resp *http.Response, now time.Time) (*Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	r := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		ETag:       resp.Header.Get("ETag"),
		Expires:    parseExpires(resp.Header, now),
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		if t, err := http.ParseTime(lastMod); err == nil {
			r.LastModified = t
		}
	}
	return r, nil
}

// parseExpires returns the Expires header, now + DefaultTTL when it is
// missing or malformed, and now when it lies in the past.
func parseExpires(header http.Header, now time.Time) time.Time {
	raw := header.Get("Expires")
	if raw == "" {
		return now.Add(DefaultTTL)
	}
	expires, err := http.ParseTime(raw)
	if err != nil {
		return now.Add(DefaultTTL)
	}
	if expires.Before(now) {
		return now
	}
	return expires
}

// Fresh reports whether r can be served without contacting upstream.
func (r *Response) Fresh(now time.Time) bool {
	return now.Before(r.Expires)
}

// TTL returns the remaining freshness lifetime, 0 when stale.
func (r *Response) TTL(now time.Time) time.Duration {
	if ttl := r.Expires.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}

// CanRevalidate reports whether a conditional request is possible.
func (r *Response) CanRevalidate() bool {
	return r.ETag != "" || !r.LastModified.IsZero()
}

// AddConditionalHeaders sets If-None-Match, or If-Modified-Since when r
// has no ETag.
func AddConditionalHeaders(req *http.Request, r *Response) {
	if req == nil || r == nil {
		return
	}
	if r.ETag != "" {
		req.Header.Set("If-None-Match", r.ETag)
	} else if !r.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", r.LastModified.Format(http.TimeFormat))
	}
}

// withExpires returns a copy of r with a new freshness lifetime.
func (r *Response) withExpires(expires time.Time) *Response {
	out := *r
	out.Expires = expires
	return &out
}

// ToHTTP builds an *http.Response for req. status is reported in the
// X-Cache header.
func (r *Response) ToHTTP(req *http.Request, status string) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if status != "" {
		header.Set(HeaderCacheStatus, status)
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}
