// Package hypervisor defines how a machine's assembled argument vector is
// turned into a running hypervisor process.
package hypervisor

import (
	"context"
	"os"
)

// Type identifies the hypervisor implementation
type Type string

const (
	// TypeQEMU is QEMU with KVM acceleration
	TypeQEMU Type = "qemu"
)

// Launcher starts a hypervisor process.
type Launcher interface {
	// Type returns the hypervisor implementation.
	Type() Type

	// Launch starts the hypervisor with args. files are inherited by the
	// child as descriptors 3, 4, ... in order. Returns the child's pid.
	Launch(ctx context.Context, args []string, files []*os.File) (pid int, err error)
}
