package setup

import "errors"

var (
	// ErrSetupRetry signals from SetupEntry that the entry should be
	// retried later rather than marked failed.
	ErrSetupRetry = errors.New("setup: retry later")

	// ErrNotEntryComponent indicates a config entry for a component
	// that does not implement the entry contract.
	ErrNotEntryComponent = errors.New("setup: component does not support config entries")

	// ErrEntryState indicates an entry transition that is not allowed
	// from its current state.
	ErrEntryState = errors.New("setup: invalid entry state transition")
)
