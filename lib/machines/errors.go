package machines

import "errors"

var (
	// ErrNotFound is returned when no configuration exists for a machine name
	ErrNotFound = errors.New("machine not found")

	// ErrAlreadyLoaded is returned when Load is called twice on a machine
	ErrAlreadyLoaded = errors.New("machine is already loaded")

	// ErrNotLoaded is returned when Init or Run is called before Load
	ErrNotLoaded = errors.New("machine is not loaded")

	// ErrMalformedConfig is returned when a configuration file cannot be parsed
	// or does not have the kind.name table layout
	ErrMalformedConfig = errors.New("malformed machine configuration")
)
