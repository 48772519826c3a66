package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/openhearth/hearth-core/internal/core"
)

// Manifest describes an integration: its identity, what must load
// before it, and what it needs installed.
type Manifest struct {
	Domain            string   `yaml:"domain"`
	Name              string   `yaml:"name"`
	Dependencies      []string `yaml:"dependencies"`
	AfterDependencies []string `yaml:"after_dependencies"`
	Requirements      []string `yaml:"requirements"`
	Version           string   `yaml:"version"`
	Documentation     string   `yaml:"documentation"`
}

// Component is the setup contract an integration implements.
type Component interface {
	Setup(ctx context.Context, ctrl *core.Controller, config map[string]any) error
}

// Integration pairs a manifest with its component. Dependency
// resolution results are memoized after the first walk.
type Integration struct {
	manifest  Manifest
	component Component

	mu       sync.Mutex
	resolved bool
	allDeps  []string
}

// Domain returns the integration's domain.
func (i *Integration) Domain() string { return i.manifest.Domain }

// Name returns the integration's display name.
func (i *Integration) Name() string { return i.manifest.Name }

// Manifest returns a copy of the integration's manifest.
func (i *Integration) Manifest() Manifest { return i.manifest }

// Component returns the integration's component.
func (i *Integration) Component() Component { return i.component }

// Dependencies returns the domains that must be fully set up first.
func (i *Integration) Dependencies() []string {
	return append([]string(nil), i.manifest.Dependencies...)
}

// AfterDependencies returns the domains that should load first when
// they are configured, without being required.
func (i *Integration) AfterDependencies() []string {
	return append([]string(nil), i.manifest.AfterDependencies...)
}

// Requirements returns what the installer must provide before setup.
func (i *Integration) Requirements() []string {
	return append([]string(nil), i.manifest.Requirements...)
}

// Registry maps domains to compiled-in integrations.
type Registry struct {
	mu           sync.RWMutex
	integrations map[string]*Integration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{integrations: make(map[string]*Integration)}
}

// Register adds a component under its manifest domain. Registering a
// domain twice is a wiring bug and fails.
func (r *Registry) Register(manifest Manifest, component Component) error {
	if manifest.Domain == "" {
		return ErrEmptyDomain
	}
	if component == nil {
		return ErrNilComponent
	}
	domain := strings.ToLower(manifest.Domain)
	manifest.Domain = domain

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.integrations[domain]; dup {
		return fmt.Errorf("%w: %s", ErrDomainRegistered, domain)
	}
	r.integrations[domain] = &Integration{manifest: manifest, component: component}
	return nil
}

// lookup returns the integration for domain, or nil.
func (r *Registry) lookup(domain string) *Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.integrations[domain]
}

// Domains returns every registered domain.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.integrations))
	for domain := range r.integrations {
		out = append(out, domain)
	}
	return out
}

// LoadManifests overlays manifest metadata from dir, where each
// integration may carry dir/<domain>/manifest.yaml. Only registered
// domains are touched; the compiled-in component stays as is.
func (r *Registry) LoadManifests(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for domain, itg := range r.integrations {
		path := filepath.Join(dir, domain, "manifest.yaml")
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("loader: read manifest for %s: %w", domain, err)
		}
		var m Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("loader: parse manifest for %s: %w", domain, err)
		}
		if m.Domain != "" && m.Domain != domain {
			return fmt.Errorf("loader: manifest at %s names domain %q", path, m.Domain)
		}
		m.Domain = domain
		itg.manifest = m
	}
	return nil
}
