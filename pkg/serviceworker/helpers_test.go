package serviceworker

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"
)

const waitTimeout = 2 * time.Second

// testLoader serves one script whose version the test controls.
type testLoader struct {
	mu      sync.Mutex
	version string
	handler Handler
	err     error
	loads   int
}

func newTestLoader(handler Handler) *testLoader {
	if handler == nil {
		handler = HandlerFunc(func(context.Context, Message) error { return nil })
	}
	return &testLoader{version: "v1", handler: handler}
}

func (l *testLoader) Load(ctx context.Context, url string, policy UpdateViaCache) (Script, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.loads++
	if l.err != nil {
		return Script{}, l.err
	}
	return Script{URL: url, Version: l.version, Handler: l.handler}, nil
}

func (l *testLoader) setVersion(v string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.version = v
}

func (l *testLoader) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// recordingInvalidator reports calls on channels.
type recordingInvalidator struct {
	cleared  chan struct{}
	patterns chan string
}

func newRecordingInvalidator() *recordingInvalidator {
	return &recordingInvalidator{
		cleared:  make(chan struct{}, 8),
		patterns: make(chan string, 8),
	}
}

func (r *recordingInvalidator) Clear(ctx context.Context) {
	r.cleared <- struct{}{}
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, re *regexp.Regexp) int {
	r.patterns <- re.String()
	return 1
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive[V any](t *testing.T, what string, ch <-chan V) V {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero V
	return zero
}

var errLoad = errors.New("script fetch failed")
