package httpcache

import (
	"net/http"
	"testing"
)

func TestRequestKey(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   string
	}{
		{"no query", http.MethodGet, "http://upstream/users", "GET /users"},
		{"root", http.MethodGet, "http://upstream", "GET /"},
		{"sorted query", http.MethodGet, "http://upstream/users?page=2&limit=10", "GET /users?limit=10&page=2"},
		{"repeated values keep order", http.MethodGet, "http://upstream/items?id=3&id=1", "GET /items?id=3&id=1"},
		{"host ignored", http.MethodGet, "http://other-host/users", "GET /users"},
		{"method included", http.MethodHead, "http://upstream/users", "HEAD /users"},
		{"escaped value", http.MethodGet, "http://upstream/items?a=1%26b%3D2", "GET /items?a=1%26b%3D2"},
		{"space normalized", http.MethodGet, "http://upstream/items?q=a%20b", "GET /items?q=a+b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			if err != nil {
				t.Fatalf("NewRequest failed: %v", err)
			}
			if got := RequestKey(req); got != tt.want {
				t.Errorf("RequestKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestKey_Deterministic(t *testing.T) {
	a, _ := http.NewRequest(http.MethodGet, "http://upstream/q?b=2&a=1&c=3", nil)
	b, _ := http.NewRequest(http.MethodGet, "http://upstream/q?c=3&a=1&b=2", nil)

	if RequestKey(a) != RequestKey(b) {
		t.Errorf("RequestKey differs: %q vs %q", RequestKey(a), RequestKey(b))
	}
}

func TestRequestKey_NoCollisions(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"separator inside value", "http://upstream/api/items?a=1&b=2", "http://upstream/api/items?a=1%26b%3D2"},
		{"equals inside name", "http://upstream/api/items?a%3Db=c", "http://upstream/api/items?a=b%3Dc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := http.NewRequest(http.MethodGet, tt.a, nil)
			b, _ := http.NewRequest(http.MethodGet, tt.b, nil)
			if RequestKey(a) == RequestKey(b) {
				t.Errorf("RequestKey collides: %q", RequestKey(a))
			}
		})
	}
}
