package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrDomainRegistered indicates a duplicate component registration.
	ErrDomainRegistered = errors.New("loader: domain already registered")

	// ErrNilComponent indicates a registration without a component.
	ErrNilComponent = errors.New("loader: component must not be nil")

	// ErrEmptyDomain indicates a manifest without a domain.
	ErrEmptyDomain = errors.New("loader: manifest domain must not be empty")
)

// IntegrationNotFoundError indicates a lookup for a domain no
// component was registered under.
type IntegrationNotFoundError struct {
	Domain string
}

func (e *IntegrationNotFoundError) Error() string {
	return fmt.Sprintf("loader: integration %q not found", e.Domain)
}

// CircularDependencyError indicates a dependency cycle between two
// integration domains.
type CircularDependencyError struct {
	Domain     string
	Dependency string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("loader: circular dependency between %q and %q", e.Domain, e.Dependency)
}
