package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_FORMAT", "TEXT")
	t.Setenv("LOG_LEVEL", "warn")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Format != FormatText || cfg.Level != slog.LevelWarn {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("LOG_FORMAT", "xml")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv() expected error for unknown format")
	}
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "loud")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("ConfigFromEnv() expected error for unknown level")
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Format: FormatJSON, Level: slog.LevelInfo})
	logger.Debug("hidden")
	logger.Info("execution admitted", "execution_id", "exec-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["execution_id"] != "exec-1" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Format: FormatText, Level: slog.LevelInfo})
	logger.Info("reconcile finished", "remaining", 0)
	if !strings.Contains(buf.String(), "reconcile finished") {
		t.Fatalf("expected message in output: %q", buf.String())
	}
}
