package core

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openhearth/hearth-core/internal/timeout"
)

// instantiated guards against two live controllers in one process.
// A second one would race on process-wide concerns like exit codes.
var instantiated atomic.Bool

// Options configures a controller.
type Options struct {
	// Logger receives controller and subsystem diagnostics. Defaults
	// to a noop logger.
	Logger Logger

	// Workers is the blocking-job worker pool size.
	Workers int

	// MailboxSize is the scheduler mailbox buffer.
	MailboxSize int

	// Storage persists the runtime configuration. Optional.
	Storage Storage
}

// Controller owns the core subsystems and drives the lifecycle from
// start through the three shutdown stages.
type Controller struct {
	log Logger

	loop     *Loop
	bus      *EventBus
	states   *StateMachine
	services *ServiceRegistry
	timeout  *timeout.Manager
	config   *Config

	dataMu sync.RWMutex
	data   map[string]any

	stateMu  sync.RWMutex
	state    CoreState
	exitCode int

	stopOnce sync.Once
	stopping bool // staged shutdown in progress, guarded by stateMu
	stopped  chan struct{}
}

// New creates a controller and its subsystems. Only one controller may
// exist per process; a second New fails with ErrAlreadyInstantiated
// until the first has fully stopped.
func New(opts Options) (*Controller, error) {
	if !instantiated.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInstantiated
	}

	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}

	loop := NewLoop(LoopConfig{
		Workers:     opts.Workers,
		MailboxSize: opts.MailboxSize,
		Logger:      log,
	})
	bus := NewEventBus(loop, log)

	c := &Controller{
		log:      log,
		loop:     loop,
		bus:      bus,
		states:   NewStateMachine(loop, bus, log),
		services: NewServiceRegistry(loop, bus, log),
		timeout:  timeout.New(),
		config:   NewConfig(opts.Storage),
		data:     make(map[string]any),
		state:    CoreStateNotRunning,
		stopped:  make(chan struct{}),
	}
	return c, nil
}

// Loop returns the scheduler.
func (c *Controller) Loop() *Loop { return c.loop }

// Bus returns the event bus.
func (c *Controller) Bus() *EventBus { return c.bus }

// States returns the state machine.
func (c *Controller) States() *StateMachine { return c.states }

// Services returns the service registry.
func (c *Controller) Services() *ServiceRegistry { return c.services }

// Timeout returns the freezable timeout manager.
func (c *Controller) Timeout() *timeout.Manager { return c.timeout }

// Config returns the runtime configuration.
func (c *Controller) Config() *Config { return c.config }

// State returns the current lifecycle state.
func (c *Controller) State() CoreState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Controller) setState(s CoreState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	c.log.Info("core state changed", "state", s.String())
}

// IsRunning reports whether the controller is starting or running.
func (c *Controller) IsRunning() bool {
	s := c.State()
	return s == CoreStateStarting || s == CoreStateRunning
}

// IsStopping reports whether shutdown has begun.
func (c *Controller) IsStopping() bool {
	s := c.State()
	return s == CoreStateStopping || s == CoreStateFinalWrite
}

// SetData stores a cross-component value under key. Components use
// this for shared handles such as client connections.
func (c *Controller) SetData(key string, value any) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	c.data[key] = value
}

// Data returns the value stored under key, if any.
func (c *Controller) Data(key string) (any, bool) {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// DeleteData removes the value stored under key.
func (c *Controller) DeleteData(key string) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	delete(c.data, key)
}

// Start brings the controller to RUNNING: the start events fire, then
// startup tasks get a bounded drain before the started event fires.
// Components still setting up when the drain window closes are logged
// and startup proceeds without them.
func (c *Controller) Start(ctx context.Context) error {
	c.stateMu.Lock()
	if c.state != CoreStateNotRunning {
		c.stateMu.Unlock()
		return ErrAlreadyRunning
	}
	c.state = CoreStateStarting
	c.stateMu.Unlock()
	c.log.Info("core starting")

	if _, err := c.bus.Fire(EventCoreConfigUpdate, c.config.AsMap()); err != nil {
		return err
	}
	if _, err := c.bus.Fire(EventHearthStart, nil); err != nil {
		return err
	}

	drainCtx, cancel := context.WithTimeout(ctx, startEventTimeout)
	err := c.loop.BlockTillDone(drainCtx)
	cancel()
	if err != nil {
		pending := c.loop.PendingTaskNames()
		c.log.Warn("startup tasks still running, proceeding anyway",
			"timeout", startEventTimeout.String(),
			"pending", strings.Join(pending, ", "))
	}

	// Startup tracking served its purpose; disable it so long-lived
	// listeners started from here on never pile up in the pending set.
	c.loop.StopTrackTasks()

	c.setState(CoreStateRunning)
	if _, err := c.bus.Fire(EventCoreConfigUpdate, c.config.AsMap()); err != nil {
		return err
	}
	if _, err := c.bus.Fire(EventHearthStarted, nil); err != nil {
		return err
	}
	return nil
}

// ExitCode returns the exit code recorded at shutdown.
func (c *Controller) ExitCode() int {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.exitCode
}

// Stopped returns a channel closed once shutdown has finished.
func (c *Controller) Stopped() <-chan struct{} { return c.stopped }

// Stop runs the three-stage shutdown: stop event and task drain, then
// final_write, then close, after which deferred scheduling is off and
// the loop goes down. Each stage is bounded; an expired stage is
// logged and the next stage runs regardless, so shutdown always
// reaches the end.
func (c *Controller) Stop(ctx context.Context, exitCode int) {
	c.stateMu.Lock()
	switch c.state {
	case CoreStateStopped:
		c.stateMu.Unlock()
		return
	case CoreStateNotRunning:
		if c.stopping {
			// Stage 3 of a staged shutdown passes through NOT_RUNNING.
			c.stateMu.Unlock()
			return
		}
		// Never started: no stage events to fire, just release the
		// loop and the instance guard.
		c.state = CoreStateStopped
		c.exitCode = exitCode
		c.stateMu.Unlock()
		c.stopOnce.Do(func() {
			c.loop.Close()
			instantiated.Store(false)
			close(c.stopped)
		})
		return
	case CoreStateStopping, CoreStateFinalWrite:
		c.stateMu.Unlock()
		c.log.Debug("stop requested while already stopping")
		return
	case CoreStateStarting:
		c.log.Warn("stopping before startup finished")
	}
	c.state = CoreStateStopping
	c.stopping = true
	c.exitCode = exitCode
	c.stateMu.Unlock()

	c.stopOnce.Do(func() {
		c.log.Info("core stopping", "exit_code", exitCode)

		// Stage 1: announce shutdown and drain component stop work.
		c.loop.TrackTasks()
		c.fireAndDrain(ctx, EventHearthStop, stage1ShutdownTimeout, "stop")

		// Stage 2: persistence flushes.
		c.setState(CoreStateFinalWrite)
		c.fireAndDrain(ctx, EventHearthFinalWrite, stage2ShutdownTimeout, "final_write")

		// Stage 3: close. After the close event, deferred scheduling
		// fails fast so no listener can block on a loop that is gone.
		c.setState(CoreStateNotRunning)
		c.fireAndDrain(ctx, EventHearthClose, stage3ShutdownTimeout, "close")
		c.loop.Shutdown()
		c.drain(ctx, stage3ShutdownTimeout, "post-close")

		c.setState(CoreStateStopped)
		// Release the loop and the instance guard before signalling
		// Stopped, so a caller waiting on it can construct a new core
		// right away.
		c.loop.Close()
		instantiated.Store(false)
		close(c.stopped)
		c.log.Info("core stopped", "exit_code", exitCode)
	})
}

func (c *Controller) fireAndDrain(ctx context.Context, eventType string, limit time.Duration, stage string) {
	if _, err := c.bus.Fire(eventType, nil); err != nil {
		c.log.Error("failed to fire shutdown event",
			"event_type", eventType, "error", err)
	}
	c.drain(ctx, limit, stage)
}

func (c *Controller) drain(ctx context.Context, limit time.Duration, stage string) {
	drainCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	if err := c.loop.BlockTillDone(drainCtx); err != nil {
		pending := c.loop.PendingTaskNames()
		c.log.Warn("shutdown stage timed out with tasks pending",
			"stage", stage,
			"timeout", limit.String(),
			"pending", strings.Join(pending, ", "))
	}
}

// Run starts the controller and blocks until ctx is cancelled or Stop
// is called from elsewhere, then returns the recorded exit code.
func (c *Controller) Run(ctx context.Context) (int, error) {
	if err := c.Start(ctx); err != nil {
		return 1, err
	}

	go func() {
		select {
		case <-ctx.Done():
			// Shutdown must finish even though ctx is done.
			c.Stop(context.Background(), ExitCodeOK)
		case <-c.stopped:
		}
	}()

	<-c.stopped
	return c.ExitCode(), nil
}
