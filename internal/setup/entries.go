package setup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openhearth/hearth-core/internal/core"
)

// EntryState is a config entry's position in its lifecycle.
type EntryState string

const (
	EntryNotLoaded       EntryState = "NOT_LOADED"
	EntrySetupInProgress EntryState = "SETUP_IN_PROGRESS"
	EntryLoaded          EntryState = "LOADED"
	EntrySetupError      EntryState = "SETUP_ERROR"
	EntrySetupRetry      EntryState = "SETUP_RETRY"
	EntryUnloaded        EntryState = "UNLOADED"
)

// ConfigEntry is one configured instance of an integration, for
// example a single broker connection.
type ConfigEntry struct {
	id     string
	domain string
	title  string
	data   map[string]any

	mu    sync.Mutex
	state EntryState
}

// NewConfigEntry creates an entry in NOT_LOADED.
func NewConfigEntry(domain, title string, data map[string]any) *ConfigEntry {
	return &ConfigEntry{
		id:     uuid.NewString(),
		domain: domain,
		title:  title,
		data:   data,
		state:  EntryNotLoaded,
	}
}

// ID returns the entry's unique id.
func (e *ConfigEntry) ID() string { return e.id }

// Domain returns the integration domain the entry belongs to.
func (e *ConfigEntry) Domain() string { return e.domain }

// Title returns the entry's display title.
func (e *ConfigEntry) Title() string { return e.title }

// Data returns the entry's configuration payload.
func (e *ConfigEntry) Data() map[string]any { return e.data }

// State returns the entry's lifecycle state.
func (e *ConfigEntry) State() EntryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *ConfigEntry) setState(s EntryState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// beginSetup moves the entry into SETUP_IN_PROGRESS. Only NOT_LOADED
// and SETUP_RETRY entries may start setup.
func (e *ConfigEntry) beginSetup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case EntryNotLoaded, EntrySetupRetry:
		e.state = EntrySetupInProgress
		return nil
	default:
		return fmt.Errorf("%w: setup from %s", ErrEntryState, e.state)
	}
}

// EntryComponent is implemented by components that support config
// entries in addition to YAML setup.
type EntryComponent interface {
	SetupEntry(ctx context.Context, ctrl *core.Controller, entry *ConfigEntry) error
}

// SetupEntry drives one config entry through setup: the owning domain
// is set up first, then the component's SetupEntry runs. A component
// returning ErrSetupRetry parks the entry in SETUP_RETRY for a later
// attempt; any other error marks it SETUP_ERROR.
func (o *Orchestrator) SetupEntry(ctx context.Context, entry *ConfigEntry) error {
	if !o.SetupComponent(ctx, entry.Domain()) {
		entry.setState(EntrySetupError)
		return fmt.Errorf("setup: domain %s failed, entry %s not set up",
			entry.Domain(), entry.ID())
	}

	itg, err := o.loader.Get(ctx, entry.Domain())
	if err != nil {
		entry.setState(EntrySetupError)
		return err
	}
	ec, ok := itg.Component().(EntryComponent)
	if !ok {
		entry.setState(EntrySetupError)
		return fmt.Errorf("%w: %s", ErrNotEntryComponent, entry.Domain())
	}

	if err := entry.beginSetup(); err != nil {
		return err
	}

	err = o.invokeSetupEntry(ctx, ec, entry)
	switch {
	case err == nil:
		entry.setState(EntryLoaded)
		o.log.Info("config entry set up",
			"domain", entry.Domain(), "entry_id", entry.ID())
		return nil
	case errors.Is(err, ErrSetupRetry):
		entry.setState(EntrySetupRetry)
		o.log.Warn("config entry setup deferred",
			"domain", entry.Domain(), "entry_id", entry.ID())
		return err
	default:
		entry.setState(EntrySetupError)
		o.log.Error("config entry setup failed",
			"domain", entry.Domain(), "entry_id", entry.ID(), "error", err)
		return err
	}
}

func (o *Orchestrator) invokeSetupEntry(ctx context.Context, ec EntryComponent, entry *ConfigEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setup: panic in %s entry setup: %v", entry.Domain(), r)
		}
	}()
	return ec.SetupEntry(ctx, o.ctrl, entry)
}

// UnloadEntry moves a LOADED entry to UNLOADED.
func (o *Orchestrator) UnloadEntry(entry *ConfigEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state != EntryLoaded {
		return fmt.Errorf("%w: unload from %s", ErrEntryState, entry.state)
	}
	entry.state = EntryUnloaded
	return nil
}
