package timeout

import (
	"context"
	"sync"
	"time"
)

// Manager provides named, freezable deadline scopes.
//
// A scope is a derived context that is cancelled with ErrScopeTimeout
// when its duration elapses. Scopes belong to a zone (identified by
// name); while a zone is frozen its scopes stop counting down, which
// lets a long-running phase (installing requirements, waiting on
// dependencies) pause the clock of the setup that triggered it.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	zones map[string]*zone
}

// zone groups the active scopes sharing a name.
type zone struct {
	frozen int
	scopes map[*scope]struct{}
}

type scope struct {
	remaining time.Duration
	deadline  time.Time
	timer     *time.Timer
	cancel    context.CancelCauseFunc
	running   bool
}

// New creates a timeout manager.
func New() *Manager {
	return &Manager{zones: make(map[string]*zone)}
}

// Timeout returns a context that is cancelled with ErrScopeTimeout after d,
// not counting time during which the zone is frozen. The returned cancel
// function releases the scope and must always be called.
func (m *Manager) Timeout(ctx context.Context, d time.Duration, zoneName string) (context.Context, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(ctx)

	m.mu.Lock()
	z := m.zone(zoneName)
	sc := &scope{remaining: d, cancel: cancelCause}
	z.scopes[sc] = struct{}{}
	if z.frozen == 0 {
		m.startScope(sc)
	}
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if sc.timer != nil {
			sc.timer.Stop()
		}
		delete(z.scopes, sc)
		if len(z.scopes) == 0 && z.frozen == 0 {
			delete(m.zones, zoneName)
		}
		m.mu.Unlock()
		cancelCause(context.Canceled)
	}
	return ctx, release
}

// Freeze pauses the countdown of every active scope in the zone. The
// returned release function resumes them; freezes nest.
func (m *Manager) Freeze(zoneName string) (release func()) {
	m.mu.Lock()
	z := m.zone(zoneName)
	z.frozen++
	if z.frozen == 1 {
		now := time.Now()
		for sc := range z.scopes {
			if sc.running {
				sc.timer.Stop()
				sc.remaining = sc.deadline.Sub(now)
				sc.running = false
			}
		}
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			z.frozen--
			if z.frozen > 0 {
				return
			}
			for sc := range z.scopes {
				m.startScope(sc)
			}
			if len(z.scopes) == 0 {
				delete(m.zones, zoneName)
			}
		})
	}
}

// zone returns the named zone, creating it if needed. Caller holds m.mu.
func (m *Manager) zone(name string) *zone {
	z, ok := m.zones[name]
	if !ok {
		z = &zone{scopes: make(map[*scope]struct{})}
		m.zones[name] = z
	}
	return z
}

// startScope arms the scope timer from its remaining time. Caller holds m.mu.
func (m *Manager) startScope(sc *scope) {
	if sc.remaining <= 0 {
		sc.cancel(ErrScopeTimeout)
		return
	}
	sc.deadline = time.Now().Add(sc.remaining)
	sc.timer = time.AfterFunc(sc.remaining, func() {
		sc.cancel(ErrScopeTimeout)
	})
	sc.running = true
}

// Expired reports whether ctx was cancelled by a scope timeout rather
// than by its parent or an explicit cancel.
func Expired(ctx context.Context) bool {
	return context.Cause(ctx) == ErrScopeTimeout
}
