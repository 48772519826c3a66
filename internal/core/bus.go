package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventFilter decides, on the loop, whether a listener's job should be
// dispatched for an event. Filters must be fast and side-effect free.
type EventFilter func(Event) bool

// EventCallback receives a fired event.
type EventCallback func(ctx context.Context, ev Event) error

type eventListener struct {
	job            *Job
	filter         EventFilter
	runImmediately bool
}

// EventBus routes fired events to registered listeners. The listener
// table is owned by the loop goroutine; all mutation and matching runs
// there.
type EventBus struct {
	loop *Loop
	log  Logger

	// listeners is keyed by event type, with MatchAll holding the
	// wildcard listeners. Loop-owned, never touched off-loop.
	listeners map[string][]*eventListener
}

// NewEventBus creates a bus bound to the loop.
func NewEventBus(loop *Loop, log Logger) *EventBus {
	if log == nil {
		log = noopLogger{}
	}
	return &EventBus{
		loop:      loop,
		log:       log,
		listeners: make(map[string][]*eventListener),
	}
}

// FireOption adjusts a fired event's metadata.
type FireOption func(*Event)

// WithOrigin marks the event as originating locally or remotely.
func WithOrigin(o Origin) FireOption {
	return func(ev *Event) { ev.Origin = o }
}

// WithFireContext attaches an existing context chain to the event.
func WithFireContext(c Context) FireOption {
	return func(ev *Event) { ev.Context = c }
}

// WithTimeFired overrides the event timestamp.
func WithTimeFired(t time.Time) FireOption {
	return func(ev *Event) { ev.TimeFired = t }
}

// Fire publishes an event to all matching listeners. The event type is
// capped at MaxLengthEventType. Dispatch happens on the loop; the call
// returns once every matching listener's job has been scheduled.
func (b *EventBus) Fire(eventType string, data map[string]any, opts ...FireOption) (Event, error) {
	if len(eventType) > MaxLengthEventType {
		return Event{}, &MaxLengthExceededError{
			Value:     eventType,
			Field:     "event_type",
			MaxLength: MaxLengthEventType,
		}
	}

	ev := newEvent(eventType, data)
	for _, opt := range opts {
		opt(&ev)
	}
	ev.fillDefaults()

	err := b.loop.Run(func() { b.fire(ev) })
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// fire runs on the loop.
func (b *EventBus) fire(ev Event) {
	var matched []*eventListener
	// Wildcard listeners never see the close event; at that point the
	// loop is about to stop accepting work and a generic listener
	// could schedule onto a dead loop.
	if ev.Type != EventHearthClose {
		matched = append(matched, b.listeners[MatchAll]...)
	}
	matched = append(matched, b.listeners[ev.Type]...)

	if len(matched) == 0 {
		return
	}
	b.log.Debug("event fired", "event_type", ev.Type, "listeners", len(matched))

	for _, lst := range matched {
		if lst.filter != nil && !b.runFilter(lst, ev) {
			continue
		}
		if lst.runImmediately {
			b.runInline(lst, ev)
			continue
		}
		if _, err := b.loop.RunJob(context.Background(), lst.job, ev); err != nil {
			b.log.Error("failed to dispatch event listener",
				"event_type", ev.Type, "error", err)
		}
	}
}

func (b *EventBus) runFilter(lst *eventListener, ev Event) (pass bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in event filter",
				"event_type", ev.Type, "panic", fmt.Sprint(r))
			pass = false
		}
	}()
	return lst.filter(ev)
}

func (b *EventBus) runInline(lst *eventListener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in event listener",
				"event_type", ev.Type, "panic", fmt.Sprint(r))
		}
	}()
	if err := lst.job.target(context.Background(), ev); err != nil {
		b.log.Error("event listener failed",
			"event_type", ev.Type, "error", err)
	}
}

// ListenOption adjusts listener registration.
type ListenOption func(*eventListener)

// WithFilter installs a loop-side predicate that must pass before the
// listener's job is dispatched.
func WithFilter(f EventFilter) ListenOption {
	return func(l *eventListener) { l.filter = f }
}

// WithRunImmediately runs the callback inline on the loop instead of
// as a tracked task. Only for callbacks that cannot block.
func WithRunImmediately() ListenOption {
	return func(l *eventListener) { l.runImmediately = true }
}

// Listen registers fn for events of the given type (MatchAll for every
// event). The returned function removes the listener; it is idempotent
// and safe from any goroutine.
func (b *EventBus) Listen(eventType string, fn EventCallback, opts ...ListenOption) (func(), error) {
	lst := &eventListener{}
	for _, opt := range opts {
		opt(lst)
	}

	target := func(ctx context.Context, args ...any) error {
		ev, _ := args[0].(Event)
		return fn(ctx, ev)
	}
	name := "listen " + eventType
	if lst.runImmediately {
		lst.job = NewCallbackJob(name, target)
	} else {
		lst.job = NewTaskJob(name, target)
	}

	err := b.loop.Run(func() {
		b.listeners[eventType] = append(b.listeners[eventType], lst)
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	remove := func() {
		once.Do(func() { b.removeListener(eventType, lst) })
	}
	return remove, nil
}

// ListenOnce registers fn to run for at most one matching event. The
// one-shot latch flips on the loop at dispatch time, so two events
// matching back to back still dispatch the callback exactly once. The
// returned function cancels the registration early.
func (b *EventBus) ListenOnce(eventType string, fn EventCallback, opts ...ListenOption) (func(), error) {
	fired := false // loop-owned
	latch := func(Event) bool {
		if fired {
			return false
		}
		fired = true
		return true
	}

	lstOpts := make([]ListenOption, 0, len(opts)+1)
	lstOpts = append(lstOpts, opts...)
	if base := filterOf(opts); base != nil {
		lstOpts = append(lstOpts, WithFilter(func(ev Event) bool {
			return base(ev) && latch(ev)
		}))
	} else {
		lstOpts = append(lstOpts, WithFilter(latch))
	}

	var (
		mu     sync.Mutex
		remove func()
	)
	wrapped := func(ctx context.Context, ev Event) error {
		mu.Lock()
		r := remove
		mu.Unlock()
		if r != nil {
			r()
		}
		return fn(ctx, ev)
	}

	mu.Lock()
	r, err := b.Listen(eventType, wrapped, lstOpts...)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	remove = r
	mu.Unlock()
	return r, nil
}

// filterOf returns the last filter set by opts, if any.
func filterOf(opts []ListenOption) EventFilter {
	var probe eventListener
	for _, opt := range opts {
		opt(&probe)
	}
	return probe.filter
}

func (b *EventBus) removeListener(eventType string, lst *eventListener) {
	err := b.loop.Run(func() {
		current := b.listeners[eventType]
		for i, c := range current {
			if c == lst {
				b.listeners[eventType] = append(current[:i], current[i+1:]...)
				break
			}
		}
		if len(b.listeners[eventType]) == 0 {
			delete(b.listeners, eventType)
		}
	})
	if err != nil {
		b.log.Debug("listener removal after loop close", "event_type", eventType)
	}
}

// Listeners reports the number of registered listeners per event type.
func (b *EventBus) Listeners() map[string]int {
	counts := make(map[string]int)
	err := b.loop.Run(func() {
		for evType, list := range b.listeners {
			counts[evType] = len(list)
		}
	})
	if err != nil {
		return nil
	}
	return counts
}
