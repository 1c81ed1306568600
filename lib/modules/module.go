// Package modules implements the device modules a machine is assembled from.
//
// Each module contributes to two phases. Init runs with privilege and is the
// only place host state is changed: links are created, drivers rebound and
// device files handed to the machine's owner. LaunchArgs then produces the
// hypervisor arguments for the module, opening any descriptor the child has
// to inherit. PostLaunch releases those descriptors once the child runs.
package modules

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Kind identifies a module type. It is the top-level table name in a
// machine configuration.
type Kind string

const (
	KindBase           Kind = "base"
	KindMacvtap        Kind = "macvtap"
	KindTap            Kind = "tap"
	KindPCIPassthrough Kind = "pcie-passthrough"
	KindAppleSMC       Kind = "apple-smc"
	KindStorage        Kind = "storage"
)

// kindDeprecatedBridge was replaced by KindMacvtap and KindTap.
const kindDeprecatedBridge Kind = "bridge"

// Owner is the unprivileged identity a machine's device files are handed to.
type Owner struct {
	UID uint32
	GID uint32
}

func (o Owner) String() string {
	return fmt.Sprintf("%d:%d", o.UID, o.GID)
}

// Module is one device or option group of a machine.
type Module interface {
	// Kind returns the module type.
	Kind() Kind
	// Name returns the instance name, unique within its kind.
	Name() string
	// Init prepares host state and transfers device files to owner.
	Init(ctx context.Context, owner Owner) error
	// LaunchArgs returns the hypervisor arguments for this module.
	// Descriptors the child needs are registered with l.
	LaunchArgs(ctx context.Context, l *Launch) ([]string, error)
	// PostLaunch releases resources kept open for the child.
	PostLaunch(ctx context.Context)
}

// firstChildFD is the descriptor number of the first inherited file in the
// child: 0-2 are stdio.
const firstChildFD = 3

// Launch collects the files a hypervisor process inherits.
type Launch struct {
	files []*os.File
}

// NewLaunch returns an empty Launch.
func NewLaunch() *Launch {
	return &Launch{}
}

// AddFile registers f for inheritance and returns the descriptor number the
// child will see it under.
func (l *Launch) AddFile(f *os.File) int {
	l.files = append(l.files, f)
	return firstChildFD + len(l.files) - 1
}

// Files returns the registered files in descriptor order.
func (l *Launch) Files() []*os.File {
	return l.files
}

// Close closes every registered file. Files already closed by their module
// are ignored.
func (l *Launch) Close() error {
	var errs []error
	for _, f := range l.files {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	l.files = nil
	return errors.Join(errs...)
}

// info is embedded by every module for identity and the default no-op phases.
type info struct {
	kind Kind
	name string
}

func (i info) Kind() Kind   { return i.kind }
func (i info) Name() string { return i.name }

func (i info) Init(ctx context.Context, owner Owner) error { return nil }

func (i info) PostLaunch(ctx context.Context) {}

func (i info) String() string {
	return fmt.Sprintf("%s.%s", i.kind, i.name)
}
