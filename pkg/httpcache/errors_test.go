package httpcache

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{http.StatusOK, ""},
		{http.StatusNotModified, ""},
		{http.StatusNotFound, ErrorClassClient},
		{http.StatusTooManyRequests, ErrorClassRateLimit},
		{http.StatusInternalServerError, ErrorClassServer},
		{http.StatusBadGateway, ErrorClassServer},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ErrorClassClient, false},
		{ErrorClassServer, true},
		{ErrorClassRateLimit, true},
		{ErrorClassNetwork, true},
		{"", false},
	}

	for _, tt := range tests {
		if got := shouldRetry(tt.class); got != tt.want {
			t.Errorf("shouldRetry(%q) = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestUpstreamError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &UpstreamError{Class: ErrorClassNetwork, Message: "request failed", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("UpstreamError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() = %q, want cause included", err.Error())
	}

	plain := &UpstreamError{StatusCode: 503, Class: ErrorClassServer, Message: "503 Service Unavailable"}
	if got := plain.Error(); got != "upstream server error (status 503): 503 Service Unavailable" {
		t.Errorf("Error() = %q", got)
	}
}
