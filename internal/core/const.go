package core

import "time"

// Event types fired by the core.
const (
	EventStateChanged      = "state_changed"
	EventComponentLoaded   = "component_loaded"
	EventServiceRegistered = "service_registered"
	EventServiceRemoved    = "service_removed"
	EventCallService       = "call_service"
	EventCoreConfigUpdate  = "core_config_update"
	EventHearthStart       = "hearth_start"
	EventHearthStarted     = "hearth_started"
	EventHearthStop        = "hearth_stop"
	EventHearthFinalWrite  = "hearth_final_write"
	EventHearthClose       = "hearth_close"
)

// MatchAll subscribes a listener to every event type. The close event
// is the one exception: it is delivered only to its exact-type
// listeners so shutdown observers are never crowded out during
// teardown.
const MatchAll = "*"

// Well-known event data keys.
const (
	AttrEntityID    = "entity_id"
	AttrOldState    = "old_state"
	AttrNewState    = "new_state"
	AttrDomain      = "domain"
	AttrService     = "service"
	AttrServiceData = "service_data"
	AttrComponent   = "component"
)

// Field length limits.
const (
	MaxLengthEventType = 64
	MaxLengthState     = 255
)

// ServiceCallTimeout is the default wait for a blocking service call.
const ServiceCallTimeout = 10 * time.Second

// Startup/shutdown stage timeouts.
const (
	startEventTimeout     = 15 * time.Second
	stage1ShutdownTimeout = 100 * time.Second
	stage2ShutdownTimeout = 60 * time.Second
	stage3ShutdownTimeout = 30 * time.Second
)

// blockLogTimeout is the watchdog interval after which tasks still
// blocking a drain are logged.
const blockLogTimeout = 60 * time.Second

// Process exit codes.
const (
	ExitCodeOK = 0

	// RestartExitCode tells the supervising process to start a fresh
	// instance instead of treating the exit as terminal.
	RestartExitCode = 100
)

// CoreState represents the lifecycle state of the controller.
type CoreState string

const (
	CoreStateNotRunning CoreState = "NOT_RUNNING"
	CoreStateStarting   CoreState = "STARTING"
	CoreStateRunning    CoreState = "RUNNING"
	CoreStateStopping   CoreState = "STOPPING"
	CoreStateFinalWrite CoreState = "FINAL_WRITE"
	CoreStateStopped    CoreState = "STOPPED"
)

func (s CoreState) String() string { return string(s) }

// Logger is the minimal logging interface the core depends on.
// It matches both logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
