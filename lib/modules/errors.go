package modules

import "errors"

var (
	// ErrUnknownKind is returned for a section kind with no module constructor
	ErrUnknownKind = errors.New("unknown module kind")

	// ErrDeprecatedKind is returned for a section kind that is no longer supported
	ErrDeprecatedKind = errors.New("deprecated module kind")

	// ErrMissingKey is returned when a required configuration key is absent
	ErrMissingKey = errors.New("missing configuration key")

	// ErrInvalidValue is returned when a configuration value has the wrong type or format
	ErrInvalidValue = errors.New("invalid configuration value")

	// ErrNotMacvtap is returned when the kernel did not produce a macvtap device
	ErrNotMacvtap = errors.New("interface is not a macvtap device")

	// ErrNotBridge is returned when a tap's master is not a bridge
	ErrNotBridge = errors.New("interface is not a bridge")
)
