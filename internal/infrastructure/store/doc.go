// Package store provides the SQLite-backed persistent store for core
// configuration.
//
// The contract is deliberately narrow: Load returns the last saved JSON
// document as a map, Save replaces it. The controller uses it to persist
// location and unit-system settings; nothing else in the core touches
// the storage format.
package store
