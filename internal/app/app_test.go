package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/apicache/internal/config"
	"github.com/Sternrassler/apicache/internal/testutil"
	"github.com/Sternrassler/apicache/pkg/httpcache"
	"github.com/Sternrassler/apicache/pkg/serviceworker"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

const waitTimeout = 2 * time.Second

func testConfig(backend config.Backend) config.Config {
	return config.Config{
		Backend:       backend,
		UpstreamURL:   "http://upstream.invalid",
		UserAgent:     "apicache-test/1.0",
		KVPrefix:      "apicache_",
		TTL:           time.Minute,
		MaxItems:      10,
		Namespace:     "api",
		PathPrefix:    "/api/",
		StaleTTL:      time.Minute,
		ScriptURL:     "/service-worker.js",
		ScriptVersion: "1",
		Scope:         "/",
		AutoActivate:  true,
	}
}

func startApp(t *testing.T, cfg config.Config) *App {
	t.Helper()

	a := New(cfg, zerolog.Nop())
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Dispose(context.Background()); err != nil {
			t.Errorf("Dispose failed: %v", err)
		}
	})
	waitForState(t, a, serviceworker.StateActive)
	return a
}

func waitForState(t *testing.T, a *App, want serviceworker.State) {
	t.Helper()
	waitFor(t, "manager state "+string(want), func() bool {
		return a.Manager.State() == want
	})
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

func fetch(t *testing.T, client *http.Client, url string) (string, string) {
	t.Helper()

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body), resp.Header.Get(httpcache.HeaderCacheStatus)
}

func TestInit_Memory(t *testing.T) {
	a := startApp(t, testConfig(config.BackendMemory))

	ctx := context.Background()
	a.Data.Set(ctx, "user:1", json.RawMessage(`{"id":1}`))

	got, ok := a.Data.Get(ctx, "user:1")
	if !ok || string(got) != `{"id":1}` {
		t.Fatalf("Get = %s, %v", got, ok)
	}
	if err := a.Ready(ctx); err != nil {
		t.Errorf("Ready failed: %v", err)
	}
	if a.Runtime.Controller() == nil {
		t.Error("expected an active controller")
	}
}

func TestInit_InvalidPersistentMemory(t *testing.T) {
	cfg := testConfig(config.BackendMemory)
	cfg.Persistent = true

	a := New(cfg, zerolog.Nop())
	if err := a.Init(context.Background()); err == nil {
		t.Fatal("expected error for a persistent memory cache")
	}
}

func TestControlMessagesReachTransport(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetResponse("/api/items", testutil.NewHealthyResponse(`["a"]`, time.Hour))
	upstream.SetResponse("/api/users", testutil.NewHealthyResponse(`["u"]`, time.Hour))

	a := startApp(t, testConfig(config.BackendMemory))
	client := &http.Client{Transport: a.Transport}
	ctx := context.Background()

	if _, status := fetch(t, client, upstream.URL()+"/api/items"); status != httpcache.StatusMiss {
		t.Fatalf("first request status = %q, want MISS", status)
	}
	if body, status := fetch(t, client, upstream.URL()+"/api/items"); status != httpcache.StatusHit || body != `["a"]` {
		t.Fatalf("second request = %q %q, want HIT", body, status)
	}
	fetch(t, client, upstream.URL()+"/api/users")

	responses := a.Transport.Cache()
	if err := a.Manager.InvalidateAPICache(ctx, "/api/items"); err != nil {
		t.Fatalf("InvalidateAPICache failed: %v", err)
	}
	waitFor(t, "items invalidated", func() bool { return responses.Size(ctx) == 1 })

	if err := a.Manager.ClearCaches(ctx); err != nil {
		t.Fatalf("ClearCaches failed: %v", err)
	}
	waitFor(t, "caches cleared", func() bool { return responses.Size(ctx) == 0 })

	if _, status := fetch(t, client, upstream.URL()+"/api/items"); status != httpcache.StatusMiss {
		t.Errorf("request after clear status = %q, want MISS", status)
	}
}

func TestUpdate(t *testing.T) {
	a := startApp(t, testConfig(config.BackendMemory))
	ctx := context.Background()
	first := a.Runtime.Controller().ID()

	t.Run("unchanged version", func(t *testing.T) {
		if err := a.Update(ctx, ""); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if got := a.Runtime.Controller().ID(); got != first {
			t.Errorf("controller changed to %s without a new version", got)
		}
	})

	t.Run("new version activates", func(t *testing.T) {
		if err := a.Update(ctx, "2"); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		waitFor(t, "new controller", func() bool {
			c := a.Runtime.Controller()
			return c != nil && c.ID() != first
		})
		waitForState(t, a, serviceworker.StateActive)
		if a.ScriptVersion() != "2" {
			t.Errorf("ScriptVersion = %q, want 2", a.ScriptVersion())
		}
	})
}

func TestUpdate_NotInitialized(t *testing.T) {
	a := New(testConfig(config.BackendMemory), zerolog.Nop())
	if err := a.Update(context.Background(), "2"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Update error = %v, want ErrNotInitialized", err)
	}
	if err := a.Ready(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Ready error = %v, want ErrNotInitialized", err)
	}
}

func TestSweepExpired(t *testing.T) {
	cfg := testConfig(config.BackendMemory)
	cfg.TTL = 10 * time.Millisecond
	a := startApp(t, cfg)
	ctx := context.Background()

	a.Data.Set(ctx, "a", json.RawMessage(`1`))
	a.Data.Set(ctx, "b", json.RawMessage(`2`))
	a.Data.SetWithTTL(ctx, "c", json.RawMessage(`3`), time.Hour)
	time.Sleep(20 * time.Millisecond)

	if removed := a.SweepExpired(ctx); removed != 2 {
		t.Errorf("SweepExpired removed %d, want 2", removed)
	}
	if !a.Data.Has(ctx, "c") {
		t.Error("unexpired entry was swept")
	}
}

func TestPeriodicSweep(t *testing.T) {
	cfg := testConfig(config.BackendMemory)
	cfg.TTL = 5 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	a := startApp(t, cfg)
	ctx := context.Background()

	a.Data.Set(ctx, "a", json.RawMessage(`1`))
	waitFor(t, "periodic sweep", func() bool { return a.Data.Size(ctx) == 0 })
}

func TestInit_KV(t *testing.T) {
	a := startApp(t, testConfig(config.BackendKV))
	ctx := context.Background()

	a.Data.Set(ctx, "k", json.RawMessage(`"v"`))
	if got, ok := a.Data.Get(ctx, "k"); !ok || string(got) != `"v"` {
		t.Errorf("Get = %s, %v", got, ok)
	}
	if a.Transport.Cache().Size(ctx) != 0 {
		t.Error("response cache should not see data cache entries")
	}
}

func TestInit_SQLitePersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(config.BackendSQLite)
	cfg.SQLiteDSN = filepath.Join(t.TempDir(), "apicache.db")
	cfg.Persistent = true
	ctx := context.Background()

	first := New(cfg, zerolog.Nop())
	if err := first.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	first.Data.Set(ctx, "user:1", json.RawMessage(`{"id":1}`))
	if err := first.Dispose(ctx); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}

	second := startApp(t, cfg)
	got, ok := second.Data.Get(ctx, "user:1")
	if !ok || string(got) != `{"id":1}` {
		t.Fatalf("Get after restart = %s, %v", got, ok)
	}
}

func TestInit_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(config.BackendRedis)
	cfg.RedisAddr = mr.Addr()
	a := startApp(t, cfg)
	ctx := context.Background()

	a.Data.Set(ctx, "k", json.RawMessage(`1`))
	if !mr.Exists("apicache_data_api:k") {
		t.Errorf("expected key apicache_data_api:k in redis, have %v", mr.Keys())
	}

	if err := a.Ready(ctx); err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	mr.Close()
	if err := a.Ready(ctx); err == nil {
		t.Error("expected Ready to fail with redis down")
	}
}

func TestDispose_Idempotent(t *testing.T) {
	a := New(testConfig(config.BackendMemory), zerolog.Nop())
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := a.Dispose(context.Background()); err != nil {
			t.Fatalf("Dispose #%d failed: %v", i+1, err)
		}
	}
}
