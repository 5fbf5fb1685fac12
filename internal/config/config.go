// Package config loads the apicache-proxy configuration from the
// environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/caarlos0/env/v11"
)

// Backend selects the durable storage behind the caches.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendKV     Backend = "kv"
	BackendRedis  Backend = "redis"
	BackendSQLite Backend = "sqlite"
)

// Config is the process configuration. Every field maps to an
// APICACHE_* environment variable.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	ListenAddr  string `env:"LISTEN_ADDR"  envDefault:":8080"`
	UpstreamURL string `env:"UPSTREAM_URL" envDefault:"http://localhost:9000"`
	UserAgent   string `env:"USER_AGENT"   envDefault:"apicache/0.1.0"`

	Backend   Backend `env:"BACKEND"    envDefault:"memory"`
	RedisAddr string  `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int     `env:"REDIS_DB"   envDefault:"0"`
	SQLiteDSN string  `env:"SQLITE_PATH" envDefault:"apicache.db"`
	KVPrefix  string  `env:"KV_PREFIX"  envDefault:"apicache_"`
	KVQuota   int     `env:"KV_QUOTA"   envDefault:"5242880"`

	TTL           time.Duration `env:"TTL"            envDefault:"5m"`
	MaxItems      int           `env:"MAX_ITEMS"      envDefault:"100"`
	Namespace     string        `env:"NAMESPACE"      envDefault:"api"`
	Persistent    bool          `env:"PERSISTENT"     envDefault:"false"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	PathPrefix string        `env:"PATH_PREFIX" envDefault:"/api/"`
	StaleTTL   time.Duration `env:"STALE_TTL"   envDefault:"10m"`

	ScriptURL     string `env:"SW_SCRIPT_URL"    envDefault:"/service-worker.js"`
	ScriptVersion string `env:"SW_SCRIPT_VERSION" envDefault:"1"`
	Scope         string `env:"SW_SCOPE"         envDefault:"/"`
	AutoActivate  bool   `env:"SW_AUTO_ACTIVATE" envDefault:"true"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "APICACHE_"})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendKV, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("invalid backend %q (want memory, kv, redis or sqlite)", c.Backend)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}
	if c.MaxItems <= 0 {
		return fmt.Errorf("max items must be positive, got %d", c.MaxItems)
	}
	if strings.Contains(c.Namespace, cache.KeySeparator) {
		return fmt.Errorf("namespace %q must not contain %q", c.Namespace, cache.KeySeparator)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative, got %s", c.SweepInterval)
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream url %q", c.UpstreamURL)
	}
	if c.Persistent && c.Backend == BackendMemory {
		return fmt.Errorf("persistent caching needs a durable backend, got %q", c.Backend)
	}
	return nil
}
