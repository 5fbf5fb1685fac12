// Package app wires the caches, their storage backend, the worker
// response cache and the service worker lifecycle into one process.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/apicache/internal/config"
	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/Sternrassler/apicache/pkg/httpcache"
	"github.com/Sternrassler/apicache/pkg/logging"
	"github.com/Sternrassler/apicache/pkg/serviceworker"
	"github.com/Sternrassler/apicache/pkg/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// ResponseNamespace is the namespace of the worker response cache
	ResponseNamespace = "sw"

	responseStore = "sw_responses"

	// KV prefixes of the two caches below Config.KVPrefix; neither is a
	// prefix of the other
	dataKVPrefix     = "data_"
	responseKVPrefix = "sw_"
)

// ErrNotInitialized is returned by operations that need Init first.
var ErrNotInitialized = errors.New("app not initialized")

// App owns every long-lived component. Init builds them, Dispose tears
// them down in reverse order.
type App struct {
	cfg    config.Config
	base   http.RoundTripper
	retry  httpcache.RetryPolicy
	logger zerolog.Logger

	// Data is the application cache for decoded API payloads
	Data *cache.Cache[json.RawMessage]

	// Transport is the response cache of the worker
	Transport *httpcache.Transport

	Runtime *serviceworker.Runtime
	Manager *serviceworker.Manager

	redis         *redis.Client
	closers       []func() error
	scriptVersion atomic.Value
	updates       chan string

	cancel context.CancelFunc
	group  *errgroup.Group

	disposeOnce sync.Once
}

// Option customizes an App.
type Option func(*App)

// WithUpstreamTransport sets the RoundTripper the worker transport sends
// upstream requests through (default http.DefaultTransport).
func WithUpstreamTransport(base http.RoundTripper) Option {
	return func(a *App) {
		a.base = base
	}
}

// WithRetryPolicy overrides the upstream retry settings of the worker
// transport.
func WithRetryPolicy(policy httpcache.RetryPolicy) Option {
	return func(a *App) {
		a.retry = policy
	}
}

// New creates an uninitialized App.
func New(cfg config.Config, logger zerolog.Logger, opts ...Option) *App {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		updates: make(chan string, 1),
	}
	a.scriptVersion.Store(cfg.ScriptVersion)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the configuration the App was created with.
func (a *App) Config() config.Config {
	return a.cfg
}

// Init builds the storage backend and the caches, registers the service
// worker and starts the expiry sweep. The sweep runs until Dispose.
func (a *App) Init(ctx context.Context) error {
	dataStorage, responseStorage, err := a.openStorage(ctx)
	if err != nil {
		return err
	}

	cacheLogger := a.logger.With().Str("component", logging.ComponentCache).Logger()
	a.Data, err = cache.New(cache.Options{
		TTL:        a.cfg.TTL,
		MaxItems:   a.cfg.MaxItems,
		Persistent: a.cfg.Persistent,
		Namespace:  a.cfg.Namespace,
	}, cache.WithStorage(dataStorage), cache.WithLogger[json.RawMessage](cacheLogger))
	if err != nil {
		a.closeAll()
		return fmt.Errorf("create data cache: %w", err)
	}

	responses, err := cache.New(cache.Options{
		TTL:       httpcache.DefaultTTL,
		MaxItems:  a.cfg.MaxItems,
		Namespace: ResponseNamespace,
	}, cache.WithStorage(responseStorage), cache.WithLogger[httpcache.Response](cacheLogger))
	if err != nil {
		a.closeAll()
		return fmt.Errorf("create response cache: %w", err)
	}
	a.Transport = httpcache.NewTransport(a.base, responses, httpcache.Config{
		PathPrefix:  a.cfg.PathPrefix,
		StaleTTL:    a.cfg.StaleTTL,
		UserAgent:   a.cfg.UserAgent,
		RetryPolicy: a.retry,
	}, a.logger.With().Str("component", logging.ComponentHTTPCache).Logger())

	swLogger := a.logger.With().Str("component", logging.ComponentServiceWorker).Logger()
	a.Runtime = serviceworker.NewRuntime(serviceworker.ScriptLoaderFunc(a.loadScript), swLogger)
	a.Manager = serviceworker.NewManager(a.Runtime, swLogger)

	if _, err := a.Manager.Register(ctx, a.cfg.ScriptURL, serviceworker.Config{
		Scope:    a.cfg.Scope,
		OnUpdate: a.onUpdate,
		OnError: func(err error) {
			a.logger.Warn().Err(err).Msg("Service worker error")
		},
	}); err != nil {
		a.closeAll()
		return fmt.Errorf("register service worker: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.group, runCtx = errgroup.WithContext(runCtx)
	a.group.Go(func() error {
		return a.sweep(runCtx)
	})
	a.group.Go(func() error {
		return a.activateUpdates(runCtx)
	})

	a.logger.Info().
		Str("backend", string(a.cfg.Backend)).
		Str("namespace", a.cfg.Namespace).
		Dur("ttl", a.cfg.TTL).
		Int("max_items", a.cfg.MaxItems).
		Msg("App initialized")
	return nil
}

// openStorage builds one storage per cache on the configured backend.
func (a *App) openStorage(ctx context.Context) (cache.Storage[json.RawMessage], cache.Storage[httpcache.Response], error) {
	logger := a.logger.With().Str("component", logging.ComponentStorage).Logger()

	switch a.cfg.Backend {
	case config.BackendMemory:
		return cache.NewMemoryStorage[json.RawMessage](), cache.NewMemoryStorage[httpcache.Response](), nil

	case config.BackendKV:
		store := storage.NewMemoryStore(a.cfg.KVQuota)
		return storage.NewKeyValueAdapter[json.RawMessage](ctx, store, a.cfg.KVPrefix+dataKVPrefix, logger),
			storage.NewKeyValueAdapter[httpcache.Response](ctx, store, a.cfg.KVPrefix+responseKVPrefix, logger),
			nil

	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr: a.cfg.RedisAddr,
			DB:   a.cfg.RedisDB,
		})
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", a.cfg.RedisAddr).Msg("Redis not reachable at startup")
		}
		store := storage.NewRedisStore(a.redis)
		return storage.NewKeyValueAdapter[json.RawMessage](ctx, store, a.cfg.KVPrefix+dataKVPrefix, logger),
			storage.NewKeyValueAdapter[httpcache.Response](ctx, store, a.cfg.KVPrefix+responseKVPrefix, logger),
			nil

	case config.BackendSQLite:
		path := filepath.Clean(a.cfg.SQLiteDSN)
		data, err := storage.OpenDatabase[json.RawMessage](ctx, storage.DatabaseConfig{Path: path}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open data store: %w", err)
		}
		a.closers = append(a.closers, data.Close)
		responses, err := storage.OpenDatabase[httpcache.Response](ctx, storage.DatabaseConfig{Path: path, Store: responseStore}, logger)
		if err != nil {
			a.closeAll()
			return nil, nil, fmt.Errorf("open response store: %w", err)
		}
		a.closers = append(a.closers, responses.Close)
		return data, responses, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", a.cfg.Backend)
	}
}

// loadScript serves the worker script. Its version changes through
// Update; its handler drives the response cache.
func (a *App) loadScript(ctx context.Context, url string, _ serviceworker.UpdateViaCache) (serviceworker.Script, error) {
	if err := ctx.Err(); err != nil {
		return serviceworker.Script{}, err
	}
	logger := a.logger.With().Str("component", logging.ComponentServiceWorker).Str("script", url).Logger()
	return serviceworker.Script{
		URL:     url,
		Version: a.scriptVersion.Load().(string),
		Handler: serviceworker.NewCacheHandler(a.Transport, logger),
	}, nil
}

// onUpdate runs on the event goroutine of the registration; activation
// is handed to activateUpdates.
func (a *App) onUpdate(reg serviceworker.Registration) {
	if !a.cfg.AutoActivate {
		return
	}
	w := reg.Waiting()
	if w == nil {
		return
	}
	select {
	case a.updates <- w.ID():
	default:
	}
}

func (a *App) activateUpdates(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-a.updates:
			if err := a.Manager.SkipWaiting(ctx); err != nil {
				a.logger.Warn().Err(err).Str("worker_id", id).Msg("Activating update failed")
			}
		}
	}
}

// sweep removes expired entries of both caches every SweepInterval.
func (a *App) sweep(ctx context.Context) error {
	if a.cfg.SweepInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.SweepExpired(ctx)
		}
	}
}

// SweepExpired removes expired entries from both caches and returns the
// number removed.
func (a *App) SweepExpired(ctx context.Context) int {
	removed := a.Data.ClearExpired(ctx) + a.Transport.Cache().ClearExpired(ctx)
	if removed > 0 {
		a.logger.Debug().Int("removed", removed).Msg("Swept expired entries")
	}
	return removed
}

// Update publishes a new worker script version and checks for it. With
// AutoActivate the new worker replaces the active one once installed.
func (a *App) Update(ctx context.Context, version string) error {
	if a.Manager == nil {
		return ErrNotInitialized
	}
	if version != "" {
		a.scriptVersion.Store(version)
	}
	return a.Manager.CheckForUpdates(ctx)
}

// ScriptVersion returns the version the next update check will load.
func (a *App) ScriptVersion() string {
	return a.scriptVersion.Load().(string)
}

// Ready reports whether the storage backend can serve requests. Only a
// Redis backend has a remote dependency to check.
func (a *App) Ready(ctx context.Context) error {
	if a.Data == nil {
		return ErrNotInitialized
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	return nil
}

// Dispose stops the sweep, unregisters the worker, flushes pending
// writes and closes the backend. It is safe to call more than once.
func (a *App) Dispose(ctx context.Context) error {
	var err error
	a.disposeOnce.Do(func() {
		err = a.dispose(ctx)
	})
	return err
}

func (a *App) dispose(ctx context.Context) error {
	var errs []error

	if a.cancel != nil {
		a.cancel()
		if err := a.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Runtime != nil {
		if err := a.Runtime.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close runtime: %w", err))
		}
	}
	if a.Data != nil {
		if f, ok := a.Data.Storage().(cache.Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush data cache: %w", err))
			}
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info().Msg("App disposed")
	return errors.Join(errs...)
}

// closeAll closes the backend resources in reverse order of creation.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
