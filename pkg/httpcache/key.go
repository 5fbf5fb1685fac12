package httpcache

import (
	"net/http"
	"strings"
)

// RequestKey returns the logical cache key of req:
//
//	METHOD /path?k1=v1&k2=v2
//
// The query is re-encoded: names sorted, values kept in order, both
// escaped. The host is not part of the key; one cache serves one upstream.
func RequestKey(req *http.Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')

	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)

	if query := req.URL.Query().Encode(); query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String()
}
