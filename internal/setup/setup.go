package setup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/openhearth/hearth-core/internal/core"
	"github.com/openhearth/hearth-core/internal/loader"
	"github.com/openhearth/hearth-core/internal/requirements"
	"github.com/openhearth/hearth-core/internal/timeout"
)

const (
	// SlowSetupWarning is how long a component's Setup may run before
	// a warning is logged.
	SlowSetupWarning = 60 * time.Second

	// SetupMaxWait bounds a component's Setup. Dependency and
	// requirement waits do not count against it.
	SetupMaxWait = 300 * time.Second
)

// DomainState is a domain's position in the setup lifecycle.
type DomainState string

const (
	StateUnsetup         DomainState = "UNSETUP"
	StateSetupInProgress DomainState = "SETUP_IN_PROGRESS"
	StateSetupDone       DomainState = "SETUP_DONE"
	StateSetupFailed     DomainState = "SETUP_FAILED"
)

// Validator checks and normalizes a domain's configuration before its
// component sees it.
type Validator interface {
	Validate(domain string, config map[string]any) (map[string]any, error)
}

// Notifier receives setup failures for user-facing surfaces.
type Notifier interface {
	NotifySetupError(domain, message, docLink string)
}

// ConfigProvider supplies per-domain raw configuration.
type ConfigProvider interface {
	GetConfig(domain string) (any, error)
}

// Logger is the minimal logging interface the orchestrator depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options wires an orchestrator. Controller, Loader and Provider are
// required; the rest are optional collaborators.
type Options struct {
	Controller *core.Controller
	Loader     *loader.Loader
	Installer  *requirements.Installer
	Validator  Validator
	Notifier   Notifier
	Provider   ConfigProvider
	Logger     Logger
}

// Orchestrator runs component setups.
type Orchestrator struct {
	ctrl      *core.Controller
	loader    *loader.Loader
	installer *requirements.Installer
	validator Validator
	notifier  Notifier
	provider  ConfigProvider
	timeouts  *timeout.Manager
	log       Logger

	group singleflight.Group

	mu         sync.Mutex
	states     map[string]DomainState
	inProgress map[string]chan struct{}
	whenSetup  map[string][]func(domain string)
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &Orchestrator{
		ctrl:       opts.Controller,
		loader:     opts.Loader,
		installer:  opts.Installer,
		validator:  opts.Validator,
		notifier:   opts.Notifier,
		provider:   opts.Provider,
		timeouts:   opts.Controller.Timeout(),
		log:        log,
		states:     make(map[string]DomainState),
		inProgress: make(map[string]chan struct{}),
		whenSetup:  make(map[string][]func(string)),
	}
}

// State returns the lifecycle state of a domain.
func (o *Orchestrator) State(domain string) DomainState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[domain]; ok {
		return s
	}
	return StateUnsetup
}

// WhenSetup registers fn to run once the domain finishes setup. If the
// domain is already set up, fn runs right away on its own goroutine.
func (o *Orchestrator) WhenSetup(domain string, fn func(domain string)) {
	o.mu.Lock()
	if o.states[domain] == StateSetupDone {
		o.mu.Unlock()
		go fn(domain)
		return
	}
	o.whenSetup[domain] = append(o.whenSetup[domain], fn)
	o.mu.Unlock()
}

// SetupComponent sets up a domain and everything it depends on,
// reporting success. Concurrent calls for the same domain collapse
// into one setup whose outcome every caller shares, and a finished
// setup is never re-run: later calls get the recorded outcome, so a
// failed domain stays failed for the life of the process.
func (o *Orchestrator) SetupComponent(ctx context.Context, domain string) bool {
	if o.ctrl.Config().IsComponentLoaded(domain) {
		return true
	}

	o.mu.Lock()
	switch o.states[domain] {
	case StateSetupDone:
		o.mu.Unlock()
		return true
	case StateSetupFailed:
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()

	v, _, _ := o.group.Do(domain, func() (any, error) {
		return o.doSetup(ctx, domain), nil
	})
	ok, _ := v.(bool)
	return ok
}

func (o *Orchestrator) doSetup(ctx context.Context, domain string) bool {
	if o.ctrl.Config().IsComponentLoaded(domain) {
		return true
	}

	o.mu.Lock()
	o.states[domain] = StateSetupInProgress
	latch := make(chan struct{})
	o.inProgress[domain] = latch
	o.mu.Unlock()

	ok := o.runSetup(ctx, domain)

	o.mu.Lock()
	if ok {
		o.states[domain] = StateSetupDone
	} else {
		o.states[domain] = StateSetupFailed
	}
	delete(o.inProgress, domain)
	callbacks := o.whenSetup[domain]
	delete(o.whenSetup, domain)
	o.mu.Unlock()
	close(latch)

	if ok {
		for _, fn := range callbacks {
			go fn(domain)
		}
	}
	return ok
}

func (o *Orchestrator) runSetup(ctx context.Context, domain string) bool {
	started := time.Now()
	o.log.Info("setting up component", "domain", domain)

	itg, err := o.loader.Get(ctx, domain)
	if err != nil {
		o.fail(domain, "", fmt.Sprintf("integration not found: %v", err))
		return false
	}
	docLink := itg.Manifest().Documentation

	if _, err := o.loader.ResolveDependencies(ctx, itg); err != nil {
		o.fail(domain, docLink, fmt.Sprintf("unable to resolve dependencies: %v", err))
		return false
	}

	zone := "setup:" + domain
	sctx, cancel := o.timeouts.Timeout(ctx, SetupMaxWait, zone)
	defer cancel()

	// Dependency setup does not count against this domain's clock.
	release := o.timeouts.Freeze(zone)
	depsOK := o.processDependencies(sctx, itg)
	release()
	if !depsOK {
		o.fail(domain, docLink, "could not set up all dependencies")
		return false
	}

	if o.installer != nil {
		release = o.timeouts.Freeze(zone)
		err = o.installer.Process(sctx, domain, itg.Requirements())
		release()
		if err != nil {
			o.fail(domain, docLink, fmt.Sprintf("requirements not found: %v", err))
			return false
		}
	}

	conf, err := o.domainConfig(domain)
	if err != nil {
		o.fail(domain, docLink, fmt.Sprintf("invalid configuration: %v", err))
		return false
	}

	warn := time.AfterFunc(SlowSetupWarning, func() {
		o.log.Warn("component setup is taking a while",
			"domain", domain, "warning_after", SlowSetupWarning.String())
	})
	err = o.invokeSetup(sctx, itg, conf)
	warn.Stop()

	if timeout.Expired(sctx) {
		o.fail(domain, docLink, fmt.Sprintf("setup exceeded %s", SetupMaxWait))
		return false
	}
	if err != nil {
		o.fail(domain, docLink, fmt.Sprintf("setup failed: %v", err))
		return false
	}

	o.ctrl.Config().AddComponent(domain)
	if _, err := o.ctrl.Bus().Fire(core.EventComponentLoaded,
		map[string]any{core.AttrComponent: domain}); err != nil {
		o.log.Error("failed to fire component_loaded",
			"domain", domain, "error", err)
	}
	o.log.Info("component set up",
		"domain", domain, "took", time.Since(started).Round(time.Millisecond).String())
	return true
}

// processDependencies sets up hard dependencies concurrently and then
// waits for any after-dependency that is currently mid-setup, without
// triggering ones that are not.
func (o *Orchestrator) processDependencies(ctx context.Context, itg *loader.Integration) bool {
	deps := itg.Dependencies()
	if len(deps) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, dep := range deps {
			dep := dep
			g.Go(func() error {
				if !o.SetupComponent(gctx, dep) {
					return fmt.Errorf("setup: dependency %s failed", dep)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			o.log.Error("dependency setup failed",
				"domain", itg.Domain(), "error", err)
			return false
		}
	}

	for _, after := range itg.AfterDependencies() {
		o.mu.Lock()
		latch := o.inProgress[after]
		o.mu.Unlock()
		if latch == nil {
			continue
		}
		o.log.Debug("waiting for after-dependency",
			"domain", itg.Domain(), "after_dependency", after)
		select {
		case <-latch:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// domainConfig pulls and validates the domain's raw configuration.
func (o *Orchestrator) domainConfig(domain string) (map[string]any, error) {
	var raw any
	if o.provider != nil {
		var err error
		raw, err = o.provider.GetConfig(domain)
		if err != nil {
			return nil, err
		}
	}

	var conf map[string]any
	switch v := raw.(type) {
	case nil:
		conf = map[string]any{}
	case map[string]any:
		conf = v
	default:
		// List-form config keeps its shape under a single key.
		conf = map[string]any{"config": v}
	}

	if o.validator != nil {
		return o.validator.Validate(domain, conf)
	}
	return conf, nil
}

// invokeSetup runs the component's Setup, converting panics to errors.
func (o *Orchestrator) invokeSetup(ctx context.Context, itg *loader.Integration, conf map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setup: panic in %s setup: %v", itg.Domain(), r)
		}
	}()
	return itg.Component().Setup(ctx, o.ctrl, conf)
}

func (o *Orchestrator) fail(domain, docLink, message string) {
	o.log.Error("component setup failed", "domain", domain, "reason", message)
	if o.notifier != nil {
		o.notifier.NotifySetupError(domain, message, docLink)
	}
}
