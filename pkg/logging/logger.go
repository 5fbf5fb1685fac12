// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Component names used in the "component" field.
const (
	ComponentCache         = "apicache"
	ComponentStorage       = "storage"
	ComponentServiceWorker = "serviceworker"
	ComponentHTTPCache     = "httpcache"
	ComponentApp           = "app"
	ComponentProxy         = "apicache-proxy"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is added to every line as "service" when not empty.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// parseLevel converts LogLevel to zerolog.Level. Unknown levels are Info.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger from the global one with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, ttl, evictions)
//   - Worker messages posted or dropped
//   - Revalidation requests (etag)
//
// Info: Normal operation events
//   - Worker installed, activated, unregistered
//   - Prune passes after storage pressure
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Storage unavailable, running memory-only (logged once)
//   - Durable writes that failed and were absorbed
//   - Retry attempts, stale responses served on upstream failure
//
// Error: Error conditions requiring attention
//   - Worker registration failures
//   - Upstream requests failed after retries
//   - Configuration errors
//
// Context Fields:
//   - component: apicache, storage, serviceworker, httpcache, app
//   - namespace: Cache namespace
//   - backend: Storage backend (memory, kv, database)
//   - key: Logical or physical cache key
//   - cache_hit: Boolean indicating cache hit
//   - ttl: Cache entry TTL
//   - worker_id, scope: Service worker identity
//   - error_class: Error classification (client, server, rate_limit, network)
