// Package config provides configuration loading for Hearth Core.
//
// Configuration is read from a single YAML file. The core sections
// (core, store, scheduler, installer, logging) are decoded into typed
// structs; everything under "components" is kept as raw YAML nodes and
// handed to the owning integration unparsed.
//
// Load order: defaults, file contents, HEARTH_* environment overrides,
// validation.
package config
