package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "core:\n  name: Test Home\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Core.Name != "Test Home" {
		t.Errorf("Core.Name = %q, want %q", cfg.Core.Name, "Test Home")
	}
	if cfg.Core.UnitSystem != "metric" {
		t.Errorf("Core.UnitSystem = %q, want default metric", cfg.Core.UnitSystem)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("Scheduler.Workers = %d, want default 8", cfg.Scheduler.Workers)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default info", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() with missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "empty name",
			mutate:  func(c *Config) { c.Core.Name = "" },
			wantErr: "core.name",
		},
		{
			name:    "bad unit system",
			mutate:  func(c *Config) { c.Core.UnitSystem = "nautical" },
			wantErr: "unit_system",
		},
		{
			name:    "latitude out of range",
			mutate:  func(c *Config) { c.Core.Location.Latitude = 91 },
			wantErr: "latitude",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Scheduler.Workers = 0 },
			wantErr: "workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetConfig(t *testing.T) {
	path := writeConfig(t, `
core:
  name: Test
components:
  mqtt:
    broker: localhost
    port: 1883
  light:
  sensors:
    - platform: demo
    - platform: other
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	raw, err := cfg.GetConfig("mqtt")
	if err != nil {
		t.Fatalf("GetConfig(mqtt) error = %v", err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		t.Fatalf("GetConfig(mqtt) = %T, want map", raw)
	}
	if m["broker"] != "localhost" {
		t.Errorf("broker = %v, want localhost", m["broker"])
	}

	// Bare domain key decodes to an empty map, not nil.
	raw, err = cfg.GetConfig("light")
	if err != nil {
		t.Fatalf("GetConfig(light) error = %v", err)
	}
	if m, ok := raw.(map[string]any); !ok || len(m) != 0 {
		t.Errorf("GetConfig(light) = %#v, want empty map", raw)
	}

	// List-shaped blocks come back as lists.
	raw, err = cfg.GetConfig("sensors")
	if err != nil {
		t.Fatalf("GetConfig(sensors) error = %v", err)
	}
	if l, ok := raw.([]any); !ok || len(l) != 2 {
		t.Errorf("GetConfig(sensors) = %#v, want list of 2", raw)
	}

	// Unknown domain returns an empty map.
	raw, err = cfg.GetConfig("unknown")
	if err != nil {
		t.Fatalf("GetConfig(unknown) error = %v", err)
	}
	if m, ok := raw.(map[string]any); !ok || len(m) != 0 {
		t.Errorf("GetConfig(unknown) = %#v, want empty map", raw)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HEARTH_CORE_NAME", "Env Home")
	t.Setenv("HEARTH_LOG_LEVEL", "debug")

	path := writeConfig(t, "core:\n  name: File Home\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Core.Name != "Env Home" {
		t.Errorf("Core.Name = %q, want env override", cfg.Core.Name)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}
