package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/Sternrassler/apicache/internal/app"
	"github.com/Sternrassler/apicache/internal/config"
	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/Sternrassler/apicache/pkg/logging"
	"github.com/Sternrassler/apicache/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Service: logging.ComponentProxy,
	})
	logger := logging.NewLogger(logging.ComponentProxy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("parse upstream url: %w", err)
	}

	application := app.New(cfg, logging.NewLogger(logging.ComponentApp))
	if err := application.Init(ctx); err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Dispose(disposeCtx); err != nil {
			logger.Error().Err(err).Msg("Dispose failed")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(application, upstream, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("upstream", upstream.String()).
			Str("backend", string(cfg.Backend)).
			Msg("Starting API cache proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("Shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newMux(a *app.App, upstream *url.URL, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(a))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("GET /admin/stats", statsHandler(a))
	mux.HandleFunc("POST /admin/invalidate", invalidateHandler(a))
	mux.HandleFunc("POST /admin/clear", clearHandler(a))
	mux.HandleFunc("POST /admin/update", updateHandler(a))
	mux.Handle("/", proxyHandler(a, upstream, logger))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := a.Ready(ctx); err != nil {
			http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

type workerStats struct {
	State         string `json:"state"`
	ScriptVersion string `json:"scriptVersion"`
	Controller    string `json:"controller,omitempty"`
}

type statsResponse struct {
	Backend   string      `json:"backend"`
	Data      cache.Stats `json:"data"`
	Responses cache.Stats `json:"responses"`
	Worker    workerStats `json:"worker"`
}

func statsHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := statsResponse{
			Backend:   string(a.Config().Backend),
			Data:      a.Data.Stats(ctx),
			Responses: a.Transport.Cache().Stats(ctx),
			Worker: workerStats{
				State:         string(a.Manager.State()),
				ScriptVersion: a.ScriptVersion(),
			},
		}
		if c := a.Runtime.Controller(); c != nil {
			resp.Worker.Controller = c.ID()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// invalidateHandler drops data cache entries by ?prefix= synchronously
// and asks the worker to drop responses matching ?pattern=.
func invalidateHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		prefix := r.URL.Query().Get("prefix")
		pattern := r.URL.Query().Get("pattern")
		if prefix == "" && pattern == "" {
			http.Error(w, "prefix or pattern is required", http.StatusBadRequest)
			return
		}
		if pattern != "" {
			if _, err := regexp.Compile(pattern); err != nil {
				http.Error(w, fmt.Sprintf("invalid pattern: %v", err), http.StatusBadRequest)
				return
			}
		}

		result := map[string]any{}
		if prefix != "" {
			result["removed"] = a.Data.InvalidateByPrefix(ctx, prefix)
		}
		if pattern != "" {
			if err := a.Manager.InvalidateAPICache(ctx, pattern); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			result["posted"] = pattern
		}
		writeJSON(w, http.StatusAccepted, result)
	}
}

// clearHandler clears the data cache and posts CLEAR_CACHES to the worker.
// ?target=data or ?target=responses limits it to one of them.
func clearHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		target := r.URL.Query().Get("target")

		switch target {
		case "", "data", "responses":
		default:
			http.Error(w, fmt.Sprintf("unknown target %q", target), http.StatusBadRequest)
			return
		}
		if target != "responses" {
			a.Data.Clear(ctx)
		}
		if target != "data" {
			if err := a.Manager.ClearCaches(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// updateHandler publishes ?version= as the worker script version and
// checks for an update.
func updateHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := r.URL.Query().Get("version")
		if err := a.Update(r.Context(), version); err != nil {
			http.Error(w, fmt.Sprintf("update failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"scriptVersion": a.ScriptVersion()})
	}
}

// proxyHandler forwards every other request upstream through the worker
// transport, so cacheable GETs are served from its response cache.
func proxyHandler(a *app.App, upstream *url.URL, logger zerolog.Logger) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: a.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Upstream request failed")
			http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := logging.NewLogger(logging.ComponentProxy)
		logger.Warn().Err(err).Msg("Failed to write response")
	}
}
