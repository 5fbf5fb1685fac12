package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// decodeLines parses every JSON log line written to buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var lines []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Pretty should default to false")
	}
	if cfg.Output != os.Stderr {
		t.Error("Output should default to stderr")
	}
	if cfg.Service != "" {
		t.Errorf("Service = %q, want empty", cfg.Service)
	}
}

func TestSetup_Fields(t *testing.T) {
	tests := []struct {
		name        string
		service     string
		wantService bool
	}{
		{name: "with service", service: ComponentProxy, wantService: true},
		{name: "without service", service: "", wantService: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: LevelInfo, Output: buf, Service: tt.service})

			logger.Info().Str("key", "users:1").Msg("cache hit")

			lines := decodeLines(t, buf)
			if len(lines) != 1 {
				t.Fatalf("got %d lines, want 1", len(lines))
			}
			line := lines[0]
			if line["message"] != "cache hit" || line["level"] != "info" || line["key"] != "users:1" {
				t.Errorf("line = %v", line)
			}
			if _, ok := line["time"]; !ok {
				t.Error("line has no timestamp")
			}
			service, ok := line["service"]
			if ok != tt.wantService {
				t.Fatalf("service present = %v, want %v", ok, tt.wantService)
			}
			if ok && service != tt.service {
				t.Errorf("service = %v, want %q", service, tt.service)
			}
		})
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
	}{
		{LevelDebug, []string{"debug", "info", "warn", "error"}},
		{LevelInfo, []string{"info", "warn", "error"}},
		{LevelWarn, []string{"warn", "error"}},
		{LevelError, []string{"error"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			Setup(Config{Level: tt.level, Output: buf})

			logger := NewLogger(ComponentStorage)
			logger.Debug().Msg("debug")
			logger.Info().Msg("info")
			logger.Warn().Msg("warn")
			logger.Error().Msg("error")

			var got []string
			for _, line := range decodeLines(t, buf) {
				got = append(got, line["level"].(string))
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("levels = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"WARNING", zerolog.WarnLevel},
		{"Error", zerolog.ErrorLevel},
		{" debug ", zerolog.DebugLevel},
		{"", zerolog.InfoLevel},
		{"trace", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewLogger_Components(t *testing.T) {
	components := []string{
		ComponentCache,
		ComponentStorage,
		ComponentServiceWorker,
		ComponentHTTPCache,
		ComponentApp,
		ComponentProxy,
	}

	seen := make(map[string]bool)
	for _, component := range components {
		if seen[component] {
			t.Errorf("component %q defined twice", component)
		}
		seen[component] = true

		buf := &bytes.Buffer{}
		Setup(Config{Level: LevelInfo, Output: buf, Service: ComponentProxy})
		logger := NewLogger(component)
		logger.Info().Msg("started")

		lines := decodeLines(t, buf)
		if len(lines) != 1 || lines[0]["component"] != component {
			t.Errorf("NewLogger(%q) lines = %v", component, lines)
		}
		if lines[0]["service"] != ComponentProxy {
			t.Errorf("NewLogger(%q) lost the service field", component)
		}
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})

	logger := NewLogger(ComponentHTTPCache)
	logger.Info().Msg("served stale response")

	output := buf.String()
	if !strings.Contains(output, "served stale response") {
		t.Errorf("output = %q", output)
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Error("pretty output should not be JSON")
	}
}

func TestSetup_NilOutput(t *testing.T) {
	Setup(Config{Level: LevelError})
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("global level = %v, want %v", zerolog.GlobalLevel(), zerolog.ErrorLevel)
	}
	Setup(Config{Level: LevelInfo, Output: &bytes.Buffer{}})
}
