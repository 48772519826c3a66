package store

import "errors"

// ErrCorrupt is returned when a stored document fails to decode.
var ErrCorrupt = errors.New("store: corrupt document")
