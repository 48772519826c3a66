// Package loader resolves integration domains to their compiled-in
// components and manifests, and computes dependency order between
// them.
//
// Components register at process start, database/sql driver style.
// Lookups are memoized: concurrent Get calls for an uncached domain
// collapse into one resolution whose result every caller shares.
// Dependency resolution walks Dependencies depth-first and rejects
// cycles, including the indirect kind where a dependency names the
// resolution root in its AfterDependencies.
package loader
