package loader

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Logger is the minimal logging interface the loader depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Loader resolves domains to integrations with per-domain memoization.
type Loader struct {
	registry *Registry
	log      Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Integration
}

// New creates a loader over the registry.
func New(registry *Registry, log Logger) *Loader {
	if log == nil {
		log = noopLogger{}
	}
	return &Loader{
		registry: registry,
		log:      log,
		cache:    make(map[string]*Integration),
	}
}

// Get returns the integration for domain. The first lookup resolves
// and caches; concurrent lookups of an uncached domain collapse into
// one resolution. Unknown domains fail with IntegrationNotFoundError.
func (l *Loader) Get(ctx context.Context, domain string) (*Integration, error) {
	domain = strings.ToLower(domain)

	l.mu.RLock()
	cached := l.cache[domain]
	l.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := l.group.Do(domain, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		itg := l.registry.lookup(domain)
		if itg == nil {
			return nil, &IntegrationNotFoundError{Domain: domain}
		}
		l.log.Debug("integration resolved", "domain", domain)

		l.mu.Lock()
		l.cache[domain] = itg
		l.mu.Unlock()
		return itg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Integration), nil
}

// ResolveDependencies walks the integration's Dependencies depth-first
// and returns every transitive dependency domain, sorted. A domain
// reached while still on the walk stack, or a dependency whose
// AfterDependencies name the resolution root, fails with
// CircularDependencyError. The result is memoized on the integration.
func (l *Loader) ResolveDependencies(ctx context.Context, itg *Integration) ([]string, error) {
	itg.mu.Lock()
	if itg.resolved {
		deps := append([]string(nil), itg.allDeps...)
		itg.mu.Unlock()
		return deps, nil
	}
	itg.mu.Unlock()

	loaded := make(map[string]struct{})
	loading := make(map[string]struct{})
	if err := l.walkDependencies(ctx, itg.Domain(), itg, loaded, loading); err != nil {
		return nil, err
	}
	delete(loaded, itg.Domain())

	deps := make([]string, 0, len(loaded))
	for domain := range loaded {
		deps = append(deps, domain)
	}
	sort.Strings(deps)

	itg.mu.Lock()
	itg.resolved = true
	itg.allDeps = append([]string(nil), deps...)
	itg.mu.Unlock()
	return deps, nil
}

func (l *Loader) walkDependencies(ctx context.Context, root string, itg *Integration, loaded, loading map[string]struct{}) error {
	domain := itg.Domain()
	loading[domain] = struct{}{}
	defer delete(loading, domain)

	for _, dep := range itg.Dependencies() {
		if _, done := loaded[dep]; done {
			continue
		}
		if _, onStack := loading[dep]; onStack {
			return &CircularDependencyError{Domain: domain, Dependency: dep}
		}

		depItg, err := l.Get(ctx, dep)
		if err != nil {
			return err
		}
		// An after-dependency pointing back at the root closes a cycle
		// the Dependencies walk alone cannot see.
		for _, after := range depItg.AfterDependencies() {
			if after == root {
				return &CircularDependencyError{Domain: dep, Dependency: root}
			}
		}
		if err := l.walkDependencies(ctx, root, depItg, loaded, loading); err != nil {
			return err
		}
	}

	loaded[domain] = struct{}{}
	return nil
}
