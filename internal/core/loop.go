package core

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// defaultWorkers is the worker pool size when none is configured.
const defaultWorkers = 8

// defaultMailboxSize is the mailbox buffer when none is configured.
const defaultMailboxSize = 256

// Loop is the single goroutine that owns all shared mutable core
// structures. Work reaches it through the mailbox; callback jobs run
// inline on it, task jobs run as tracked goroutines, blocking jobs run
// on the worker pool.
type Loop struct {
	log Logger

	mailbox chan func()
	micro   []func() // loop-owned queue for Submit calls made from the loop itself
	quit    chan struct{}
	exited  chan struct{}
	closed  atomic.Bool
	gid     atomic.Uint64

	pool *workerPool

	pendingMu  sync.Mutex
	pending    map[uint64]*Task
	tracking   atomic.Bool
	nextTaskID atomic.Uint64
}

// LoopConfig configures the scheduler.
type LoopConfig struct {
	// Workers is the worker pool size for blocking jobs.
	Workers int

	// MailboxSize is the mailbox channel buffer.
	MailboxSize int

	// Logger receives scheduler diagnostics. Defaults to a noop logger.
	Logger Logger
}

// NewLoop creates and starts the loop goroutine and its worker pool.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MailboxSize < 1 {
		cfg.MailboxSize = defaultMailboxSize
	}
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}

	l := &Loop{
		log:     log,
		mailbox: make(chan func(), cfg.MailboxSize),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
		pool:    newWorkerPool(cfg.Workers),
		pending: make(map[uint64]*Task),
	}
	l.tracking.Store(true)

	ready := make(chan struct{})
	go l.run(ready)
	<-ready
	return l
}

func (l *Loop) run(ready chan struct{}) {
	defer close(l.exited)
	l.gid.Store(curGoroutineID())
	close(ready)

	for {
		select {
		case <-l.quit:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case fn := <-l.mailbox:
					l.exec(fn)
				default:
					return
				}
			}
		case fn := <-l.mailbox:
			l.exec(fn)
		}
	}
}

// exec runs fn and then any microtasks it queued.
func (l *Loop) exec(fn func()) {
	l.safeCall(fn)
	for len(l.micro) > 0 {
		next := l.micro[0]
		l.micro = l.micro[1:]
		l.safeCall(next)
	}
}

func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic on core loop", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) OnLoop() bool {
	return curGoroutineID() == l.gid.Load()
}

// Submit schedules fn to run on the loop. Safe from any goroutine;
// fails fast with ErrLoopClosed once deferred scheduling is disabled.
func (l *Loop) Submit(fn func()) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if l.OnLoop() {
		l.micro = append(l.micro, fn)
		return nil
	}
	select {
	case l.mailbox <- fn:
		return nil
	case <-l.exited:
		return ErrLoopClosed
	}
}

// Call runs fn on the loop and waits for it to finish. Calling it from
// the loop goroutine would wait on ourselves, so that fails fast.
func (l *Loop) Call(fn func()) error {
	if l.OnLoop() {
		return ErrCalledFromLoop
	}
	done := make(chan struct{})
	if err := l.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-l.exited:
		return ErrLoopClosed
	}
}

// Run executes fn on the loop, inline when the caller already is the loop.
func (l *Loop) Run(fn func()) error {
	if l.OnLoop() {
		fn()
		return nil
	}
	return l.Call(fn)
}

// RunJob dispatches a job according to its kind and returns the task
// handle. Callback jobs invoked from the loop run inline and return an
// already-settled task.
func (l *Loop) RunJob(ctx context.Context, job *Job, args ...any) (*Task, error) {
	switch job.kind {
	case JobCallback:
		if l.OnLoop() {
			return completedTask(job.name, l.invoke(ctx, job, args)), nil
		}
		t := newTask(l.nextTaskID.Add(1), job.name)
		if err := l.Submit(func() {
			t.complete(l.invoke(ctx, job, args))
		}); err != nil {
			return nil, err
		}
		return t, nil

	case JobTask:
		t := newTask(l.nextTaskID.Add(1), job.name)
		l.track(t)
		go func() {
			t.complete(l.invoke(ctx, job, args))
		}()
		return t, nil

	case JobBlocking:
		t := newTask(l.nextTaskID.Add(1), job.name)
		l.track(t)
		l.pool.submit(func() {
			t.complete(l.invoke(ctx, job, args))
		})
		return t, nil

	default:
		return nil, fmt.Errorf("core: unknown job kind %d", job.kind)
	}
}

// invoke runs the job target, converting panics into errors.
func (l *Loop) invoke(ctx context.Context, job *Job, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("core: panic in job %s: %v", job.name, r)
			l.log.Error("panic in job", "job", job.name, "panic", fmt.Sprint(r))
		}
	}()
	return job.target(ctx, args...)
}

// track registers the task in the pending set when tracking is enabled.
func (l *Loop) track(t *Task) {
	if !l.tracking.Load() {
		return
	}
	l.pendingMu.Lock()
	l.pending[t.id] = t
	l.pendingMu.Unlock()
}

// TrackTasks enables pending-task tracking so BlockTillDone can wait
// for everything in flight.
func (l *Loop) TrackTasks() { l.tracking.Store(true) }

// StopTrackTasks disables pending-task tracking. Used briefly around
// the startup event so a slow listener cannot stall boot.
func (l *Loop) StopTrackTasks() { l.tracking.Store(false) }

// activeTasks prunes settled tasks and returns those still in flight.
func (l *Loop) activeTasks() []*Task {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	var active []*Task
	for id, t := range l.pending {
		if t.Completed() {
			delete(l.pending, id)
			continue
		}
		active = append(active, t)
	}
	return active
}

// PendingTaskNames returns the names of tasks currently in flight,
// for startup/shutdown diagnostics.
func (l *Loop) PendingTaskNames() []string {
	tasks := l.activeTasks()
	names := make([]string, 0, len(tasks))
	for _, t := range tasks {
		names = append(names, t.name)
	}
	return names
}

// BlockTillDone repeatedly drains the pending task set until nothing is
// left in flight or ctx expires. Tasks still outstanding after each
// watchdog interval are logged, with detail escalating the longer the
// drain stays blocked.
func (l *Loop) BlockTillDone(ctx context.Context) error {
	if l.OnLoop() {
		return ErrCalledFromLoop
	}

	// Flush anything already queued on the mailbox first.
	if err := l.Call(func() {}); err != nil && err != ErrLoopClosed {
		return err
	}

	var waited time.Duration
	for {
		pending := l.activeTasks()
		if len(pending) == 0 {
			return nil
		}
		if err := l.awaitPending(ctx, pending, &waited); err != nil {
			return err
		}
	}
}

func (l *Loop) awaitPending(ctx context.Context, pending []*Task, waited *time.Duration) error {
	ticker := time.NewTicker(blockLogTimeout)
	defer ticker.Stop()

	remaining := pending
	for len(remaining) > 0 {
		select {
		case <-remaining[0].Done():
			remaining = remaining[1:]
		case <-ticker.C:
			*waited += blockLogTimeout
			if *waited <= blockLogTimeout {
				l.log.Warn("tasks are blocking the drain", "count", len(remaining))
				continue
			}
			for _, t := range remaining {
				if !t.Completed() {
					l.log.Warn("still waiting for task",
						"task", t.name,
						"age", t.Age().Round(time.Second).String(),
					)
				}
			}
		case <-ctx.Done():
			for _, t := range remaining {
				if !t.Completed() {
					l.log.Warn("giving up waiting for task", "task", t.name)
				}
			}
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown disables any further deferred scheduling onto the loop.
// Work already queued still runs; new Submit/Call attempts fail fast
// with ErrLoopClosed. This runs after the close event so a thread can
// never end up waiting on a future that will no longer complete.
func (l *Loop) Shutdown() {
	l.closed.Store(true)
}

// Close stops the loop goroutine and the worker pool. Call after
// Shutdown and a final drain.
func (l *Loop) Close() {
	l.Shutdown()
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	<-l.exited
	l.pool.close()
}

// workerPool runs blocking jobs on a fixed set of goroutines.
type workerPool struct {
	work   chan func()
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newWorkerPool(n int) *workerPool {
	p := &workerPool{work: make(chan func(), defaultMailboxSize)}
	p.wg.Add(n)
	for range n {
		go func() {
			defer p.wg.Done()
			for fn := range p.work {
				fn()
			}
		}()
	}
	return p
}

// submit hands fn to the pool. When the queue is saturated or the pool
// is closing, a transient goroutine runs it instead so callers (often
// the loop) are never stalled.
func (p *workerPool) submit(fn func()) {
	if p.closed.Load() {
		go fn()
		return
	}
	select {
	case p.work <- fn:
	default:
		go fn()
	}
}

func (p *workerPool) close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.work)
	}
	p.wg.Wait()
}

// curGoroutineID extracts the running goroutine's id from the stack
// header. That header is the only place the runtime exposes it, and
// the loop needs it to detect hand-off calls made from itself.
func curGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header shape: "goroutine 123 [running]:"
	s := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	i := bytes.IndexByte(s, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(s[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
