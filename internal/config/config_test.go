package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Backend != BackendMemory {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendMemory)
	}
	if cfg.TTL != 5*time.Minute {
		t.Errorf("TTL = %s, want 5m", cfg.TTL)
	}
	if cfg.MaxItems != 100 {
		t.Errorf("MaxItems = %d, want 100", cfg.MaxItems)
	}
	if cfg.Namespace != "api" {
		t.Errorf("Namespace = %q, want api", cfg.Namespace)
	}
	if cfg.KVPrefix != "apicache_" {
		t.Errorf("KVPrefix = %q, want apicache_", cfg.KVPrefix)
	}
	if cfg.StaleTTL != 10*time.Minute {
		t.Errorf("StaleTTL = %s, want 10m", cfg.StaleTTL)
	}
	if !cfg.AutoActivate {
		t.Error("AutoActivate should default to true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APICACHE_BACKEND", "redis")
	t.Setenv("APICACHE_REDIS_ADDR", "redis:6380")
	t.Setenv("APICACHE_TTL", "30s")
	t.Setenv("APICACHE_MAX_ITEMS", "2")
	t.Setenv("APICACHE_NAMESPACE", "t")
	t.Setenv("APICACHE_PERSISTENT", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendRedis || cfg.RedisAddr != "redis:6380" {
		t.Errorf("backend = %q at %q", cfg.Backend, cfg.RedisAddr)
	}
	if cfg.TTL != 30*time.Second || cfg.MaxItems != 2 || cfg.Namespace != "t" {
		t.Errorf("cache options = %s/%d/%q", cfg.TTL, cfg.MaxItems, cfg.Namespace)
	}
	if !cfg.Persistent {
		t.Error("Persistent should be true")
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("APICACHE_MAX_ITEMS", "many")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Backend:       BackendMemory,
			UpstreamURL:   "http://upstream:9000",
			TTL:           time.Minute,
			MaxItems:      10,
			SweepInterval: time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "etcd" }, wantErr: "invalid backend"},
		{name: "zero ttl", mutate: func(c *Config) { c.TTL = 0 }, wantErr: "ttl must be positive"},
		{name: "zero max items", mutate: func(c *Config) { c.MaxItems = 0 }, wantErr: "max items"},
		{name: "namespace with separator", mutate: func(c *Config) { c.Namespace = "a:b" }, wantErr: "must not contain"},
		{name: "negative sweep", mutate: func(c *Config) { c.SweepInterval = -time.Second }, wantErr: "sweep interval"},
		{name: "relative upstream", mutate: func(c *Config) { c.UpstreamURL = "/api" }, wantErr: "invalid upstream url"},
		{name: "persistent memory", mutate: func(c *Config) { c.Persistent = true }, wantErr: "durable backend"},
		{name: "persistent sqlite", mutate: func(c *Config) { c.Persistent = true; c.Backend = BackendSQLite }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
