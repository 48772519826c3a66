// Package core implements the runtime orchestration layer of Hearth:
// the event bus, the entity state machine, the service registry, the
// job scheduler, and the controller that drives staged startup and
// shutdown.
//
// # Concurrency model
//
// A single loop goroutine owns every shared mutable structure (listener
// lists, the state table, the service table). Mutations arrive as
// functions posted to the loop's mailbox; blocking work runs on a
// bounded worker pool and results come back as tasks. Public methods on
// the bus, state machine, and service registry are safe from any
// goroutine because they route through the loop. Calling a blocking
// hand-off from the loop goroutine itself is a programming error and
// fails fast with ErrCalledFromLoop.
package core
