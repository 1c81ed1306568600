// Package network manages the host links vmman creates for virtual machines:
// macvtap sub-interfaces and bridge-attached tap devices. All link mutations
// go through LinkManager so the backend (the ip command or netlink) can be
// swapped without touching module logic.
package network

import (
	"context"
	"fmt"
	"net"
)

// LinkKind identifies the kind of link to create.
type LinkKind string

const (
	// LinkKindMacvtap is a macvtap sub-interface of a host interface
	LinkKindMacvtap LinkKind = "macvtap"
	// LinkKindTap is a persistent tap device, optionally attached to a bridge
	LinkKindTap LinkKind = "tap"
)

// maxLinkNameLen is IFNAMSIZ minus the terminating NUL.
const maxLinkNameLen = 15

// LinkOwner is the identity a tap device is handed to.
type LinkOwner struct {
	UID uint32
	GID uint32
}

// LinkSpec describes a link to create.
type LinkSpec struct {
	Name string
	Kind LinkKind

	// Parent is the host interface a macvtap is stacked on.
	Parent string
	// HardwareAddr is assigned to the new link when set (macvtap).
	HardwareAddr string
	// Master is the bridge a tap is attached to when set.
	Master string
	// Owner of a tap device; nil leaves it root owned.
	Owner *LinkOwner
}

// Validate checks the spec before anything is sent to the kernel.
func (s LinkSpec) Validate() error {
	if s.Name == "" || len(s.Name) > maxLinkNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidLinkName, s.Name)
	}
	switch s.Kind {
	case LinkKindMacvtap:
		if s.Parent == "" {
			return fmt.Errorf("macvtap %s: parent interface is required", s.Name)
		}
	case LinkKindTap:
	default:
		return fmt.Errorf("link %s: unsupported kind %q", s.Name, s.Kind)
	}
	if s.HardwareAddr != "" {
		if _, err := net.ParseMAC(s.HardwareAddr); err != nil {
			return fmt.Errorf("link %s: invalid hardware address %q: %w", s.Name, s.HardwareAddr, err)
		}
	}
	return nil
}

// LinkManager creates, deletes and raises links.
type LinkManager interface {
	// CreateLink creates the link described by spec, including its hardware
	// address, owner and bridge master. The link is left down.
	CreateLink(ctx context.Context, spec LinkSpec) error

	// DeleteLink removes a link by name.
	DeleteLink(ctx context.Context, name string) error

	// SetLinkUp brings a link administratively up.
	SetLinkUp(ctx context.Context, name string) error
}

// Backend names accepted by NewLinkManager.
const (
	BackendIP      = "ip"
	BackendNetlink = "netlink"
)

// NewLinkManager returns the LinkManager for a backend name.
func NewLinkManager(backend string) (LinkManager, error) {
	switch backend {
	case "", BackendIP:
		return NewIPCommand(), nil
	case BackendNetlink:
		return NewNetlinkManager(), nil
	}
	return nil, fmt.Errorf("unknown link backend %q (want %q or %q)", backend, BackendIP, BackendNetlink)
}
