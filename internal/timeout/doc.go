// Package timeout provides nested, named, freezable deadline scopes.
//
// The controller uses scopes to bound each startup/shutdown stage, and
// the component orchestrator uses them to bound integration setup.
// Freezing a zone pauses its countdown, so time spent installing a
// dependency's requirements is not billed to the integration that is
// waiting for it.
package timeout
