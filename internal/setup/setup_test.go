package setup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openhearth/hearth-core/internal/core"
	"github.com/openhearth/hearth-core/internal/loader"
	"github.com/openhearth/hearth-core/internal/requirements"
)

type mockComponent struct {
	setup      func(ctx context.Context, ctrl *core.Controller, conf map[string]any) error
	setupCalls atomic.Int32
}

func (m *mockComponent) Setup(ctx context.Context, ctrl *core.Controller, conf map[string]any) error {
	m.setupCalls.Add(1)
	if m.setup != nil {
		return m.setup(ctx, ctrl, conf)
	}
	return nil
}

type mockEntryComponent struct {
	mockComponent
	setupEntry func(ctx context.Context, ctrl *core.Controller, entry *ConfigEntry) error
}

func (m *mockEntryComponent) SetupEntry(ctx context.Context, ctrl *core.Controller, entry *ConfigEntry) error {
	if m.setupEntry != nil {
		return m.setupEntry(ctx, ctrl, entry)
	}
	return nil
}

type mockProvider struct {
	configs map[string]any
}

func (m *mockProvider) GetConfig(domain string) (any, error) {
	return m.configs[domain], nil
}

type mockNotifier struct {
	mu       sync.Mutex
	failures []string
}

func (m *mockNotifier) NotifySetupError(domain, message, docLink string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, domain+": "+message)
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures)
}

func newTestController(t *testing.T) *core.Controller {
	t.Helper()
	c, err := core.New(core.Options{Workers: 2, MailboxSize: 16})
	if err != nil {
		t.Fatalf("core.New returned %v", err)
	}
	t.Cleanup(func() {
		c.Stop(context.Background(), core.ExitCodeOK)
	})
	return c
}

type fixture struct {
	ctrl     *core.Controller
	registry *loader.Registry
	notifier *mockNotifier
	provider *mockProvider
	orch     *Orchestrator
}

func newFixture(t *testing.T, install requirements.InstallFunc) *fixture {
	t.Helper()
	f := &fixture{
		ctrl:     newTestController(t),
		registry: loader.NewRegistry(),
		notifier: &mockNotifier{},
		provider: &mockProvider{configs: map[string]any{}},
	}
	var inst *requirements.Installer
	if install != nil {
		inst = requirements.New(requirements.Options{Install: install})
	}
	f.orch = New(Options{
		Controller: f.ctrl,
		Loader:     loader.New(f.registry, nil),
		Installer:  inst,
		Notifier:   f.notifier,
		Provider:   f.provider,
	})
	return f
}

func (f *fixture) register(t *testing.T, m loader.Manifest, c loader.Component) {
	t.Helper()
	if err := f.registry.Register(m, c); err != nil {
		t.Fatalf("Register(%s) returned %v", m.Domain, err)
	}
}

func TestSetupComponentSuccess(t *testing.T) {
	f := newFixture(t, nil)
	comp := &mockComponent{}
	f.register(t, loader.Manifest{Domain: "light"}, comp)
	f.provider.configs["light"] = map[string]any{"default_brightness": 128}

	loaded := make(chan core.Event, 1)
	remove, err := f.ctrl.Bus().Listen(core.EventComponentLoaded,
		func(_ context.Context, ev core.Event) error {
			loaded <- ev
			return nil
		}, core.WithRunImmediately())
	if err != nil {
		t.Fatalf("Listen returned %v", err)
	}
	defer remove()

	if !f.orch.SetupComponent(context.Background(), "light") {
		t.Fatal("SetupComponent returned false")
	}
	if !f.ctrl.Config().IsComponentLoaded("light") {
		t.Error("domain not marked loaded")
	}
	if f.orch.State("light") != StateSetupDone {
		t.Errorf("state %v, want SETUP_DONE", f.orch.State("light"))
	}

	select {
	case ev := <-loaded:
		if ev.Data[core.AttrComponent] != "light" {
			t.Errorf("component_loaded data %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("component_loaded never fired")
	}

	// Second setup is a no-op.
	if !f.orch.SetupComponent(context.Background(), "light") {
		t.Error("repeat SetupComponent returned false")
	}
	if n := comp.setupCalls.Load(); n != 1 {
		t.Errorf("Setup ran %d times, want 1", n)
	}
}

func TestSetupComponentUnknownDomain(t *testing.T) {
	f := newFixture(t, nil)

	if f.orch.SetupComponent(context.Background(), "ghost") {
		t.Fatal("SetupComponent succeeded for an unknown domain")
	}
	if f.orch.State("ghost") != StateSetupFailed {
		t.Errorf("state %v, want SETUP_FAILED", f.orch.State("ghost"))
	}
	if f.notifier.count() != 1 {
		t.Errorf("notifier saw %d failures, want 1", f.notifier.count())
	}
}

func TestFailedSetupNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	comp := &mockComponent{
		setup: func(context.Context, *core.Controller, map[string]any) error {
			return errors.New("broker unreachable")
		},
	}
	f.register(t, loader.Manifest{Domain: "light"}, comp)

	if f.orch.SetupComponent(context.Background(), "light") {
		t.Fatal("SetupComponent succeeded despite failing component")
	}
	if f.orch.SetupComponent(context.Background(), "light") {
		t.Fatal("repeat SetupComponent succeeded for a failed domain")
	}
	if n := comp.setupCalls.Load(); n != 1 {
		t.Errorf("Setup ran %d times, want 1", n)
	}
	if f.orch.State("light") != StateSetupFailed {
		t.Errorf("state %v, want SETUP_FAILED", f.orch.State("light"))
	}
}

func TestConcurrentSetupRunsOnce(t *testing.T) {
	f := newFixture(t, nil)
	comp := &mockComponent{
		setup: func(context.Context, *core.Controller, map[string]any) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		},
	}
	f.register(t, loader.Manifest{Domain: "light"}, comp)

	const n = 8
	results := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			results[i] = f.orch.SetupComponent(context.Background(), "light")
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d saw failure", i)
		}
	}
	if calls := comp.setupCalls.Load(); calls != 1 {
		t.Errorf("Setup ran %d times, want 1", calls)
	}
}

func TestDependenciesSetUpFirst(t *testing.T) {
	f := newFixture(t, nil)

	var order []string
	var mu sync.Mutex
	record := func(domain string) *mockComponent {
		return &mockComponent{
			setup: func(context.Context, *core.Controller, map[string]any) error {
				mu.Lock()
				order = append(order, domain)
				mu.Unlock()
				return nil
			},
		}
	}
	f.register(t, loader.Manifest{Domain: "mqtt"}, record("mqtt"))
	f.register(t, loader.Manifest{Domain: "light", Dependencies: []string{"mqtt"}}, record("light"))

	if !f.orch.SetupComponent(context.Background(), "light") {
		t.Fatal("SetupComponent returned false")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "mqtt" || order[1] != "light" {
		t.Errorf("setup order %v, want [mqtt light]", order)
	}
	if !f.ctrl.Config().IsComponentLoaded("mqtt") {
		t.Error("dependency not marked loaded")
	}
}

func TestFailedDependencyFailsDependent(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, loader.Manifest{Domain: "mqtt"}, &mockComponent{
		setup: func(context.Context, *core.Controller, map[string]any) error {
			return errors.New("broker unreachable")
		},
	})
	light := &mockComponent{}
	f.register(t, loader.Manifest{Domain: "light", Dependencies: []string{"mqtt"}}, light)

	if f.orch.SetupComponent(context.Background(), "light") {
		t.Fatal("SetupComponent succeeded with a failed dependency")
	}
	if light.setupCalls.Load() != 0 {
		t.Error("dependent Setup ran despite failed dependency")
	}
	if f.ctrl.Config().IsComponentLoaded("light") {
		t.Error("failed domain marked loaded")
	}
}

func TestCircularDependencyFailsWithoutHanging(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, loader.Manifest{Domain: "alpha", Dependencies: []string{"beta"}}, &mockComponent{})
	f.register(t, loader.Manifest{Domain: "beta", Dependencies: []string{"alpha"}}, &mockComponent{})

	done := make(chan bool, 1)
	go func() {
		done <- f.orch.SetupComponent(context.Background(), "alpha")
	}()
	select {
	case ok := <-done:
		if ok {
			t.Error("circular dependency setup succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("circular dependency setup hung")
	}
}

func TestRequirementsFailureBlocksSetup(t *testing.T) {
	attempts := atomic.Int32{}
	f := newFixture(t, func(context.Context, string) error {
		attempts.Add(1)
		return errors.New("mirror down")
	})

	mqtt := &mockComponent{}
	f.register(t, loader.Manifest{
		Domain:       "mqtt",
		Requirements: []string{"mosquitto"},
	}, mqtt)
	light := &mockComponent{}
	f.register(t, loader.Manifest{Domain: "light", Dependencies: []string{"mqtt"}}, light)

	if f.orch.SetupComponent(context.Background(), "light") {
		t.Fatal("SetupComponent succeeded with failing requirements")
	}
	if attempts.Load() != 3 {
		t.Errorf("install attempts %d, want 3", attempts.Load())
	}
	if mqtt.setupCalls.Load() != 0 || light.setupCalls.Load() != 0 {
		t.Error("Setup ran despite missing requirements")
	}
	if f.ctrl.Config().IsComponentLoaded("light") || f.ctrl.Config().IsComponentLoaded("mqtt") {
		t.Error("domain marked loaded despite missing requirements")
	}
}

func TestValidatorRejectsConfig(t *testing.T) {
	f := newFixture(t, nil)
	light := &mockComponent{}
	f.register(t, loader.Manifest{Domain: "light"}, light)
	f.orch.validator = validatorFunc(func(domain string, conf map[string]any) (map[string]any, error) {
		return nil, errors.New("unexpected key")
	})

	if f.orch.SetupComponent(context.Background(), "light") {
		t.Fatal("SetupComponent succeeded with invalid config")
	}
	if light.setupCalls.Load() != 0 {
		t.Error("Setup ran despite invalid config")
	}
}

type validatorFunc func(domain string, conf map[string]any) (map[string]any, error)

func (f validatorFunc) Validate(domain string, conf map[string]any) (map[string]any, error) {
	return f(domain, conf)
}

func TestSetupPanicIsContained(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, loader.Manifest{Domain: "light"}, &mockComponent{
		setup: func(context.Context, *core.Controller, map[string]any) error {
			panic("bad component")
		},
	})

	if f.orch.SetupComponent(context.Background(), "light") {
		t.Fatal("panicking setup reported success")
	}
	if f.orch.State("light") != StateSetupFailed {
		t.Errorf("state %v, want SETUP_FAILED", f.orch.State("light"))
	}
}

func TestWhenSetupCallbacks(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, loader.Manifest{Domain: "light"}, &mockComponent{})

	before := make(chan string, 1)
	f.orch.WhenSetup("light", func(domain string) { before <- domain })

	if !f.orch.SetupComponent(context.Background(), "light") {
		t.Fatal("SetupComponent returned false")
	}
	select {
	case d := <-before:
		if d != "light" {
			t.Errorf("callback domain %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pre-registered callback never ran")
	}

	after := make(chan string, 1)
	f.orch.WhenSetup("light", func(domain string) { after <- domain })
	select {
	case <-after:
	case <-time.After(2 * time.Second):
		t.Fatal("post-setup callback never ran")
	}
}

func TestAfterDependencyAwaitedNotTriggered(t *testing.T) {
	f := newFixture(t, nil)

	mqttStarted := make(chan struct{})
	mqttRelease := make(chan struct{})
	f.register(t, loader.Manifest{Domain: "mqtt"}, &mockComponent{
		setup: func(context.Context, *core.Controller, map[string]any) error {
			close(mqttStarted)
			<-mqttRelease
			return nil
		},
	})

	var mqttLoadedFirst atomic.Bool
	f.register(t, loader.Manifest{Domain: "history", AfterDependencies: []string{"mqtt"}},
		&mockComponent{
			setup: func(_ context.Context, ctrl *core.Controller, _ map[string]any) error {
				mqttLoadedFirst.Store(ctrl.Config().IsComponentLoaded("mqtt"))
				return nil
			},
		})

	// mqtt mid-setup; history must wait for it.
	go f.orch.SetupComponent(context.Background(), "mqtt")
	<-mqttStarted

	done := make(chan bool, 1)
	go func() {
		done <- f.orch.SetupComponent(context.Background(), "history")
	}()
	select {
	case <-done:
		t.Fatal("history finished before its after-dependency")
	case <-time.After(50 * time.Millisecond):
	}

	close(mqttRelease)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("history setup failed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("history setup hung")
	}
	if !mqttLoadedFirst.Load() {
		t.Error("history ran before mqtt finished")
	}
}

func TestAfterDependencyNotConfiguredIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, loader.Manifest{Domain: "history", AfterDependencies: []string{"mqtt"}},
		&mockComponent{})

	// mqtt is not mid-setup; history must not trigger or wait for it.
	if !f.orch.SetupComponent(context.Background(), "history") {
		t.Fatal("SetupComponent returned false")
	}
	if f.ctrl.Config().IsComponentLoaded("mqtt") {
		t.Error("after-dependency was triggered")
	}
}

func TestSetupEntryLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	comp := &mockEntryComponent{}
	f.register(t, loader.Manifest{Domain: "mqtt"}, comp)

	entry := NewConfigEntry("mqtt", "Broker at home", map[string]any{"host": "localhost"})
	if entry.State() != EntryNotLoaded {
		t.Fatalf("new entry state %v", entry.State())
	}
	if entry.ID() == "" {
		t.Fatal("entry has no id")
	}

	if err := f.orch.SetupEntry(context.Background(), entry); err != nil {
		t.Fatalf("SetupEntry returned %v", err)
	}
	if entry.State() != EntryLoaded {
		t.Errorf("entry state %v, want LOADED", entry.State())
	}

	// A loaded entry cannot start setup again.
	if err := f.orch.SetupEntry(context.Background(), entry); !errors.Is(err, ErrEntryState) {
		t.Errorf("repeat SetupEntry returned %v, want ErrEntryState", err)
	}

	if err := f.orch.UnloadEntry(entry); err != nil {
		t.Fatalf("UnloadEntry returned %v", err)
	}
	if entry.State() != EntryUnloaded {
		t.Errorf("entry state %v, want UNLOADED", entry.State())
	}
}

func TestSetupEntryRetry(t *testing.T) {
	f := newFixture(t, nil)
	var attempts atomic.Int32
	comp := &mockEntryComponent{
		setupEntry: func(context.Context, *core.Controller, *ConfigEntry) error {
			if attempts.Add(1) == 1 {
				return ErrSetupRetry
			}
			return nil
		},
	}
	f.register(t, loader.Manifest{Domain: "mqtt"}, comp)

	entry := NewConfigEntry("mqtt", "Broker", nil)
	if err := f.orch.SetupEntry(context.Background(), entry); !errors.Is(err, ErrSetupRetry) {
		t.Fatalf("first SetupEntry returned %v, want ErrSetupRetry", err)
	}
	if entry.State() != EntrySetupRetry {
		t.Errorf("entry state %v, want SETUP_RETRY", entry.State())
	}

	if err := f.orch.SetupEntry(context.Background(), entry); err != nil {
		t.Fatalf("retry SetupEntry returned %v", err)
	}
	if entry.State() != EntryLoaded {
		t.Errorf("entry state %v, want LOADED", entry.State())
	}
}

func TestSetupEntryRequiresEntryComponent(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, loader.Manifest{Domain: "light"}, &mockComponent{})

	entry := NewConfigEntry("light", "Desk lamp", nil)
	err := f.orch.SetupEntry(context.Background(), entry)
	if !errors.Is(err, ErrNotEntryComponent) {
		t.Fatalf("SetupEntry returned %v, want ErrNotEntryComponent", err)
	}
	if entry.State() != EntrySetupError {
		t.Errorf("entry state %v, want SETUP_ERROR", entry.State())
	}
}
