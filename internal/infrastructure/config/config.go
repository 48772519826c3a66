package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Hearth Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Core      CoreConfig      `yaml:"core"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Installer InstallerConfig `yaml:"installer"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Components holds the raw per-domain configuration blocks.
	// Each value is decoded on demand by the component that owns it,
	// so the core never needs to know integration-specific schemas.
	Components map[string]yaml.Node `yaml:"components"`
}

// CoreConfig contains site-wide runtime settings.
type CoreConfig struct {
	Name       string         `yaml:"name"`
	Timezone   string         `yaml:"timezone"`
	UnitSystem string         `yaml:"unit_system"`
	Location   LocationConfig `yaml:"location"`
}

// LocationConfig contains geographic coordinates for astronomical calculations.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Elevation float64 `yaml:"elevation"`
}

// StoreConfig contains settings for the SQLite-backed persistent store.
type StoreConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// SchedulerConfig contains settings for the core job scheduler.
type SchedulerConfig struct {
	// Workers is the size of the worker pool for blocking jobs.
	Workers int `yaml:"workers"`

	// MailboxSize is the buffer size of the core loop mailbox.
	MailboxSize int `yaml:"mailbox_size"`
}

// InstallerConfig contains settings for the requirements installer.
type InstallerConfig struct {
	// Command is the installer invocation; the requirement string is
	// appended as the final argument (e.g. ["pip", "install"]).
	Command []string `yaml:"command"`

	// Timeout is the per-requirement install timeout in seconds.
	Timeout int `yaml:"timeout"`

	// Skip disables requirement installation entirely (offline operation).
	Skip bool `yaml:"skip"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file at the given path.
//
// Defaults are applied first, then the file contents, then environment
// variable overrides, and finally the result is validated.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			Name:       "Hearth",
			Timezone:   "UTC",
			UnitSystem: "metric",
		},
		Store: StoreConfig{
			Path:        "./data/hearth.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Scheduler: SchedulerConfig{
			Workers:     8,
			MailboxSize: 256,
		},
		Installer: InstallerConfig{
			Timeout: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HEARTH_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEARTH_CORE_NAME"); v != "" {
		cfg.Core.Name = v
	}
	if v := os.Getenv("HEARTH_CORE_TIMEZONE"); v != "" {
		cfg.Core.Timezone = v
	}
	if v := os.Getenv("HEARTH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HEARTH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Core.Name == "" {
		errs = append(errs, "core.name is required")
	}
	if c.Core.UnitSystem != "metric" && c.Core.UnitSystem != "imperial" {
		errs = append(errs, "core.unit_system must be metric or imperial")
	}
	if c.Core.Location.Latitude < -90 || c.Core.Location.Latitude > 90 {
		errs = append(errs, "core.location.latitude must be between -90 and 90")
	}
	if c.Core.Location.Longitude < -180 || c.Core.Location.Longitude > 180 {
		errs = append(errs, "core.location.longitude must be between -180 and 180")
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler.workers must be at least 1")
	}
	if c.Scheduler.MailboxSize < 1 {
		errs = append(errs, "scheduler.mailbox_size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConfig returns the decoded configuration block for a domain.
//
// The result is either a map or a list depending on how the block is
// written in YAML. A domain with no block returns an empty map, so an
// integration enabled with a bare "domain:" key still sets up.
func (c *Config) GetConfig(domain string) (any, error) {
	node, ok := c.Components[domain]
	if !ok {
		return map[string]any{}, nil
	}

	var out any
	if err := node.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding config for %s: %w", domain, err)
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return out, nil
}

// Domains returns the domains that have a configuration block, in no
// particular order.
func (c *Config) Domains() []string {
	domains := make([]string, 0, len(c.Components))
	for domain := range c.Components {
		domains = append(domains, domain)
	}
	return domains
}

// GetInstallTimeout returns the per-requirement install timeout as a Duration.
func (c *Config) GetInstallTimeout() time.Duration {
	return time.Duration(c.Installer.Timeout) * time.Second
}
