// Hearth Core - home automation runtime
//
// This is the main entry point for the Hearth Core daemon. It wires
// the runtime together: configuration, persistent store, controller,
// built-in integrations, and the component setup pass, then runs
// until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openhearth/hearth-core/internal/core"
	"github.com/openhearth/hearth-core/internal/infrastructure/config"
	"github.com/openhearth/hearth-core/internal/infrastructure/logging"
	"github.com/openhearth/hearth-core/internal/infrastructure/store"
	"github.com/openhearth/hearth-core/internal/integrations/history"
	"github.com/openhearth/hearth-core/internal/integrations/mqtt"
	"github.com/openhearth/hearth-core/internal/loader"
	"github.com/openhearth/hearth-core/internal/requirements"
	"github.com/openhearth/hearth-core/internal/setup"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code, err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// run is the actual application logic, separated from main for
// testability. The returned code is the process exit code; the
// supervisor treats core.RestartExitCode as a restart request.
func run(ctx context.Context) (int, error) {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Hearth Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return 1, fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open persistent store
	st, err := store.Open(ctx, store.Config{
		Path:        cfg.Store.Path,
		WALMode:     cfg.Store.WALMode,
		BusyTimeout: cfg.Store.BusyTimeout,
	})
	if err != nil {
		return 1, fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		log.Info("closing store")
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing store", "error", closeErr)
		}
	}()
	log.Info("store opened", "path", cfg.Store.Path)

	ctrl, err := core.New(core.Options{
		Logger:      log,
		Workers:     cfg.Scheduler.Workers,
		MailboxSize: cfg.Scheduler.MailboxSize,
		Storage:     st,
	})
	if err != nil {
		return 1, fmt.Errorf("creating controller: %w", err)
	}

	applyCoreConfig(ctrl, cfg)
	if err := ctrl.Config().Load(ctx); err != nil {
		log.Warn("could not restore persisted core config", "error", err)
	}

	registry, err := buildRegistry()
	if err != nil {
		return 1, fmt.Errorf("registering integrations: %w", err)
	}

	orch := setup.New(setup.Options{
		Controller: ctrl,
		Loader:     loader.New(registry, log),
		Installer:  buildInstaller(cfg, log),
		Provider:   cfg,
		Logger:     log,
	})

	// Set up every configured domain before the controller starts, so
	// their start/stop listeners are in place for the lifecycle events.
	for _, domain := range cfg.Domains() {
		if !orch.SetupComponent(ctx, domain) {
			log.Error("component failed to set up, continuing without it",
				"domain", domain)
		}
	}

	code, err := ctrl.Run(ctx)
	if err != nil {
		return 1, fmt.Errorf("running controller: %w", err)
	}

	if saveErr := ctrl.Config().Save(context.Background()); saveErr != nil {
		log.Error("could not persist core config", "error", saveErr)
	}
	log.Info("Hearth Core stopped", "exit_code", code)
	return code, nil
}

// applyCoreConfig copies the static YAML settings onto the runtime
// configuration before any persisted overrides load on top.
func applyCoreConfig(ctrl *core.Controller, cfg *config.Config) {
	rc := ctrl.Config()
	rc.SetName(cfg.Core.Name)
	rc.SetTimeZone(cfg.Core.Timezone)
	rc.SetUnitSystem(cfg.Core.UnitSystem)
	rc.SetLocation(cfg.Core.Location.Latitude,
		cfg.Core.Location.Longitude, cfg.Core.Location.Elevation)
}

// buildRegistry wires the compiled-in integrations.
func buildRegistry() (*loader.Registry, error) {
	registry := loader.NewRegistry()
	if err := mqtt.Register(registry); err != nil {
		return nil, err
	}
	if err := history.Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// buildInstaller creates the requirements installer, or nil when
// installation is disabled for offline deployments.
func buildInstaller(cfg *config.Config, log *logging.Logger) *requirements.Installer {
	if cfg.Installer.Skip || len(cfg.Installer.Command) == 0 {
		return nil
	}
	base := requirements.NewExecInstaller(cfg.Installer.Command)
	timeout := cfg.GetInstallTimeout()
	return requirements.New(requirements.Options{
		Logger: log,
		Install: func(ctx context.Context, req string) error {
			ictx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return base(ictx, req)
		},
	})
}

// getConfigPath returns the configuration file path, preferring the
// first CLI argument, then HEARTH_CONFIG, then the default.
func getConfigPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if path := os.Getenv("HEARTH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
