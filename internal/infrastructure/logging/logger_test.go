package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/openhearth/hearth-core/internal/infrastructure/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewHonoursFormat(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		logger := New(config.LoggingConfig{
			Level:  "info",
			Format: format,
			Output: "stdout",
		}, "1.0.0")
		if logger == nil {
			t.Fatalf("New(format=%q) returned nil", format)
		}
	}
}

func TestWithScopesLogger(t *testing.T) {
	logger := Default()
	child := logger.With("component", "mqtt")
	if child == nil || child == logger {
		t.Fatal("With did not return a distinct logger")
	}
}

func TestEntriesCarryServiceIdentity(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}).
		WithAttrs([]slog.Attr{
			slog.String("service", "hearth"),
			slog.String("version", "test"),
		})
	logger := &Logger{Logger: slog.New(handler)}

	logger.Info("broker connected", "host", "localhost")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v", err)
	}
	if entry["service"] != "hearth" || entry["version"] != "test" {
		t.Errorf("identity fields missing from entry %v", entry)
	}
	if entry["msg"] != "broker connected" || entry["host"] != "localhost" {
		t.Errorf("entry lost message or attributes: %v", entry)
	}
}
