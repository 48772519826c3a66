package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBus(t *testing.T) (*Loop, *EventBus) {
	t.Helper()
	l := newTestLoop(t)
	return l, NewEventBus(l, nil)
}

func waitEvents(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestFireRejectsOversizedEventType(t *testing.T) {
	_, bus := newTestBus(t)

	long := make([]byte, MaxLengthEventType+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := bus.Fire(string(long), nil)
	var maxErr *MaxLengthExceededError
	if !errors.As(err, &maxErr) {
		t.Fatalf("Fire returned %v, want MaxLengthExceededError", err)
	}
	if maxErr.Field != "event_type" {
		t.Errorf("error field %q, want event_type", maxErr.Field)
	}
}

func TestListenersReceiveInRegistrationOrder(t *testing.T) {
	_, bus := newTestBus(t)

	got := make(chan int, 3)
	for i := range 3 {
		i := i
		remove, err := bus.Listen("test_event", func(context.Context, Event) error {
			got <- i
			return nil
		}, WithRunImmediately())
		if err != nil {
			t.Fatalf("Listen returned %v", err)
		}
		defer remove()
	}

	if _, err := bus.Fire("test_event", nil); err != nil {
		t.Fatalf("Fire returned %v", err)
	}
	for want := range 3 {
		select {
		case i := <-got:
			if i != want {
				t.Errorf("listener %d fired, want %d", i, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for listener")
		}
	}
}

func TestMatchAllBeforeExactListeners(t *testing.T) {
	_, bus := newTestBus(t)

	got := make(chan string, 2)
	removeAll, err := bus.Listen(MatchAll, func(_ context.Context, ev Event) error {
		got <- "wildcard"
		return nil
	}, WithRunImmediately())
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}
	defer removeAll()

	removeExact, err := bus.Listen("test_event", func(context.Context, Event) error {
		got <- "exact"
		return nil
	}, WithRunImmediately())
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}
	defer removeExact()

	if _, err := bus.Fire("test_event", nil); err != nil {
		t.Fatalf("Fire returned %v", err)
	}
	if first := <-got; first != "wildcard" {
		t.Errorf("first delivery went to %q, want wildcard", first)
	}
	if second := <-got; second != "exact" {
		t.Errorf("second delivery went to %q, want exact", second)
	}
}

func TestCloseEventBypassesMatchAll(t *testing.T) {
	_, bus := newTestBus(t)

	var wildcard atomic.Int32
	removeAll, err := bus.Listen(MatchAll, func(context.Context, Event) error {
		wildcard.Add(1)
		return nil
	}, WithRunImmediately())
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}
	defer removeAll()

	exact := make(chan Event, 1)
	removeExact, err := bus.Listen(EventHearthClose, func(_ context.Context, ev Event) error {
		exact <- ev
		return nil
	}, WithRunImmediately())
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}
	defer removeExact()

	if _, err := bus.Fire(EventHearthClose, nil); err != nil {
		t.Fatalf("Fire returned %v", err)
	}
	waitEvents(t, exact, 1)
	if n := wildcard.Load(); n != 0 {
		t.Errorf("wildcard listener saw the close event %d times, want 0", n)
	}
}

func TestListenOnceDeliversExactlyOnce(t *testing.T) {
	_, bus := newTestBus(t)

	var calls atomic.Int32
	cancel, err := bus.ListenOnce("test_event", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	}, WithRunImmediately())
	if err != nil {
		t.Fatalf("ListenOnce returned %v", err)
	}
	defer cancel()

	// Two back-to-back fires: the latch must dedup at dispatch time.
	if _, err := bus.Fire("test_event", nil); err != nil {
		t.Fatalf("Fire returned %v", err)
	}
	if _, err := bus.Fire("test_event", nil); err != nil {
		t.Fatalf("Fire returned %v", err)
	}

	deadline := time.After(time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("listener never fired")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("listener fired %d times, want 1", n)
	}
}

func TestFilterSkipsListener(t *testing.T) {
	_, bus := newTestBus(t)

	got := make(chan Event, 2)
	remove, err := bus.Listen("test_event", func(_ context.Context, ev Event) error {
		got <- ev
		return nil
	}, WithRunImmediately(), WithFilter(func(ev Event) bool {
		pass, _ := ev.Data["pass"].(bool)
		return pass
	}))
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}
	defer remove()

	if _, err := bus.Fire("test_event", map[string]any{"pass": false}); err != nil {
		t.Fatalf("Fire returned %v", err)
	}
	if _, err := bus.Fire("test_event", map[string]any{"pass": true}); err != nil {
		t.Fatalf("Fire returned %v", err)
	}

	evs := waitEvents(t, got, 1)
	if pass, _ := evs[0].Data["pass"].(bool); !pass {
		t.Error("filtered-out event was delivered")
	}
}

func TestFilterPanicIsolatedPerListener(t *testing.T) {
	_, bus := newTestBus(t)

	removeBad, err := bus.Listen("test_event", func(context.Context, Event) error {
		return nil
	}, WithRunImmediately(), WithFilter(func(Event) bool {
		panic("bad filter")
	}))
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}
	defer removeBad()

	got := make(chan Event, 1)
	removeGood, err := bus.Listen("test_event", func(_ context.Context, ev Event) error {
		got <- ev
		return nil
	}, WithRunImmediately())
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}
	defer removeGood()

	if _, err := bus.Fire("test_event", nil); err != nil {
		t.Fatalf("Fire returned %v", err)
	}
	waitEvents(t, got, 1)
}

func TestRemoveListenerIsIdempotent(t *testing.T) {
	_, bus := newTestBus(t)

	var calls atomic.Int32
	remove, err := bus.Listen("test_event", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	}, WithRunImmediately())
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}

	remove()
	remove()
	if _, err := bus.Fire("test_event", nil); err != nil {
		t.Fatalf("Fire returned %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("removed listener fired %d times", n)
	}

	if counts := bus.Listeners(); len(counts) != 0 {
		t.Errorf("listener table not empty after removal: %v", counts)
	}
}

func TestFireCarriesContextAndOrigin(t *testing.T) {
	_, bus := newTestBus(t)

	got := make(chan Event, 1)
	remove, err := bus.Listen("test_event", func(_ context.Context, ev Event) error {
		got <- ev
		return nil
	}, WithRunImmediately())
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}
	defer remove()

	parent := NewContext()
	fired, err := bus.Fire("test_event", nil,
		WithOrigin(OriginRemote), WithFireContext(parent))
	if err != nil {
		t.Fatalf("Fire returned %v", err)
	}
	if fired.Origin != OriginRemote {
		t.Errorf("fired origin %v, want remote", fired.Origin)
	}

	ev := waitEvents(t, got, 1)[0]
	if ev.Context.ID != parent.ID {
		t.Errorf("delivered context %q, want %q", ev.Context.ID, parent.ID)
	}
}
