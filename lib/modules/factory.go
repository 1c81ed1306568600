package modules

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/onkernel/vmman/lib/devices"
	"github.com/onkernel/vmman/lib/network"
	"github.com/onkernel/vmman/lib/paths"
	"github.com/samber/lo"
)

// OwnershipTransferrer hands a file over to uid:gid, reporting whether
// anything changed.
type OwnershipTransferrer interface {
	TransferOwnership(ctx context.Context, path string, uid, gid uint32) (bool, error)
}

// NodeWaiter blocks until a device node exists.
type NodeWaiter interface {
	Wait(ctx context.Context, path string) error
}

// TapOpener attaches to a persistent tap interface through the tun device.
type TapOpener func(devPath, ifname string) (*os.File, error)

// Host bundles the host facilities modules act on.
type Host struct {
	Paths     *paths.Paths
	Links     network.LinkManager
	VFIO      *devices.VFIOBinder
	Ownership OwnershipTransferrer
	Waiter    NodeWaiter
	OpenTap   TapOpener
}

type constructor func(s Section, h *Host) (Module, error)

var constructors = map[Kind]constructor{
	KindBase:           newBase,
	KindMacvtap:        newMacvtap,
	KindTap:            newTap,
	KindPCIPassthrough: newPCIPassthrough,
	KindAppleSMC:       newAppleSMC,
	KindStorage:        newStorage,
}

// Kinds returns the supported module kinds, sorted.
func Kinds() []Kind {
	kinds := lo.Keys(constructors)
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// New builds the module for one configuration section.
func New(s Section, h *Host) (Module, error) {
	if s.Kind == kindDeprecatedBridge {
		return nil, fmt.Errorf("%w: %q was split, use %q for a macvtap on a host interface or %q for a tap on a bridge",
			ErrDeprecatedKind, s.Kind, KindMacvtap, KindTap)
	}
	ctor, ok := constructors[s.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(s.Kind))
	}
	return ctor(s, h)
}
