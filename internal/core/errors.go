package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core package.
var (
	// ErrLoopClosed is returned when work is scheduled onto the loop
	// after shutdown has disabled deferred scheduling.
	ErrLoopClosed = errors.New("core: loop closed")

	// ErrCalledFromLoop is returned when a blocking hand-off is invoked
	// from the loop goroutine itself, which would self-deadlock.
	ErrCalledFromLoop = errors.New("core: blocking call from the loop goroutine")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("core: controller already running")

	// ErrAlreadyInstantiated is returned when a second controller is
	// constructed in the same process.
	ErrAlreadyInstantiated = errors.New("core: controller already instantiated")

	// ErrEntityReserved is returned when reserving an entity id that is
	// already present in the state table or already reserved.
	ErrEntityReserved = errors.New("core: entity id already registered or reserved")
)

// MaxLengthExceededError is returned when a bounded field exceeds its limit.
type MaxLengthExceededError struct {
	Value     string
	Field     string
	MaxLength int
}

func (e *MaxLengthExceededError) Error() string {
	return fmt.Sprintf("value %q for field %s is longer than %d characters", e.Value, e.Field, e.MaxLength)
}

// InvalidEntityIDError is returned for entity ids that do not match
// <domain>.<object_id> with both halves being valid slugs.
type InvalidEntityIDError struct {
	EntityID string
}

func (e *InvalidEntityIDError) Error() string {
	return fmt.Sprintf("invalid entity id %q: format should be <domain>.<object_id>", e.EntityID)
}

// InvalidStateError is returned when a state string exceeds the length limit.
type InvalidStateError struct {
	EntityID string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for entity %q: state max length is %d characters", e.EntityID, MaxLengthState)
}

// ServiceNotFoundError is returned when calling an unregistered service.
type ServiceNotFoundError struct {
	Domain  string
	Service string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service %s.%s not found", e.Domain, e.Service)
}

// ServiceValidationError wraps a schema validation failure for a
// service call; it always propagates to the caller.
type ServiceValidationError struct {
	Domain  string
	Service string
	Err     error
}

func (e *ServiceValidationError) Error() string {
	return fmt.Sprintf("invalid data for service call %s.%s: %v", e.Domain, e.Service, e.Err)
}

func (e *ServiceValidationError) Unwrap() error { return e.Err }

// UnauthorizedError marks an operation rejected for lack of permission.
// Background task logging distinguishes it from generic failures so
// authorization problems stay diagnosable.
type UnauthorizedError struct {
	Action string
}

func (e *UnauthorizedError) Error() string {
	if e.Action == "" {
		return "unauthorized"
	}
	return fmt.Sprintf("unauthorized: %s", e.Action)
}
