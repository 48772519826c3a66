package core

import (
	"context"
	"sort"
	"sync"
)

// Storage persists the runtime configuration between restarts. Load
// returns a nil map with no error when nothing has been saved yet.
type Storage interface {
	Load(ctx context.Context) (map[string]any, error)
	Save(ctx context.Context, data map[string]any) error
}

// Config is the controller's runtime configuration: instance identity,
// location and the set of loaded components. Safe for concurrent use.
type Config struct {
	mu sync.RWMutex

	name       string
	latitude   float64
	longitude  float64
	elevation  float64
	unitSystem string
	timeZone   string

	components map[string]struct{}
	store      Storage
}

// NewConfig creates a runtime configuration with optional persistence.
// A nil store disables Load and Save.
func NewConfig(store Storage) *Config {
	return &Config{
		name:       "Hearth",
		unitSystem: "metric",
		timeZone:   "UTC",
		components: make(map[string]struct{}),
		store:      store,
	}
}

// Name returns the instance name.
func (c *Config) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// SetName updates the instance name.
func (c *Config) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// Location returns latitude, longitude and elevation.
func (c *Config) Location() (lat, long, elevation float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latitude, c.longitude, c.elevation
}

// SetLocation updates the instance location.
func (c *Config) SetLocation(lat, long, elevation float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latitude = lat
	c.longitude = long
	c.elevation = elevation
}

// TimeZone returns the configured time zone name.
func (c *Config) TimeZone() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeZone
}

// SetTimeZone updates the time zone name.
func (c *Config) SetTimeZone(tz string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeZone = tz
}

// UnitSystem returns the configured unit system name.
func (c *Config) UnitSystem() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unitSystem
}

// SetUnitSystem updates the unit system name.
func (c *Config) SetUnitSystem(us string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unitSystem = us
}

// AddComponent records a component domain as loaded.
func (c *Config) AddComponent(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[domain] = struct{}{}
}

// IsComponentLoaded reports whether a component domain has been set up.
func (c *Config) IsComponentLoaded(domain string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.components[domain]
	return ok
}

// Components returns the loaded component domains, sorted.
func (c *Config) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.components))
	for domain := range c.components {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// AsMap renders the configuration for the core_config_update event.
func (c *Config) AsMap() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	components := make([]string, 0, len(c.components))
	for domain := range c.components {
		components = append(components, domain)
	}
	sort.Strings(components)
	return map[string]any{
		"name":        c.name,
		"latitude":    c.latitude,
		"longitude":   c.longitude,
		"elevation":   c.elevation,
		"unit_system": c.unitSystem,
		"time_zone":   c.timeZone,
		"components":  components,
	}
}

// Load restores persisted fields. Missing persisted state is not an
// error: defaults stay in place.
func (c *Config) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	data, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := data["name"].(string); ok {
		c.name = v
	}
	if v, ok := asFloat(data["latitude"]); ok {
		c.latitude = v
	}
	if v, ok := asFloat(data["longitude"]); ok {
		c.longitude = v
	}
	if v, ok := asFloat(data["elevation"]); ok {
		c.elevation = v
	}
	if v, ok := data["unit_system"].(string); ok {
		c.unitSystem = v
	}
	if v, ok := data["time_zone"].(string); ok {
		c.timeZone = v
	}
	return nil
}

// Save persists the current configuration.
func (c *Config) Save(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.RLock()
	data := map[string]any{
		"name":        c.name,
		"latitude":    c.latitude,
		"longitude":   c.longitude,
		"elevation":   c.elevation,
		"unit_system": c.unitSystem,
		"time_zone":   c.timeZone,
	}
	c.mu.RUnlock()
	return c.store.Save(ctx, data)
}

// asFloat widens the numeric types JSON decoding can produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
