package network

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidLinkName is returned for empty names or names over IFNAMSIZ
	ErrInvalidLinkName = errors.New("invalid link name")

	// ErrDeviceNodeTimeout is returned when a device node does not appear in time
	ErrDeviceNodeTimeout = errors.New("timed out waiting for device node")
)

// CommandError is returned when an external link-management command exits
// unsuccessfully. Stderr carries what the command printed.
type CommandError struct {
	Command string
	Args    []string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Command, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
