package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/onkernel/vmman/lib/logger"
	"github.com/vishvananda/netlink"
)

// NetlinkManager implements LinkManager with rtnetlink requests.
type NetlinkManager struct{}

var _ LinkManager = (*NetlinkManager)(nil)

// NewNetlinkManager creates a new NetlinkManager
func NewNetlinkManager() *NetlinkManager {
	return &NetlinkManager{}
}

// CreateLink creates a macvtap or tap link.
func (m *NetlinkManager) CreateLink(ctx context.Context, spec LinkSpec) error {
	log := logger.FromContext(ctx)

	if err := spec.Validate(); err != nil {
		return err
	}

	attrs := netlink.LinkAttrs{Name: spec.Name}
	if spec.HardwareAddr != "" {
		hw, err := net.ParseMAC(spec.HardwareAddr)
		if err != nil {
			return fmt.Errorf("parse hardware address: %w", err)
		}
		attrs.HardwareAddr = hw
	}

	var link netlink.Link
	switch spec.Kind {
	case LinkKindMacvtap:
		parent, err := netlink.LinkByName(spec.Parent)
		if err != nil {
			return fmt.Errorf("get parent link %s: %w", spec.Parent, err)
		}
		attrs.ParentIndex = parent.Attrs().Index
		link = &netlink.Macvtap{
			Macvlan: netlink.Macvlan{
				LinkAttrs: attrs,
				Mode:      netlink.MACVLAN_MODE_BRIDGE,
			},
		}
	case LinkKindTap:
		tap := &netlink.Tuntap{
			LinkAttrs: attrs,
			Mode:      netlink.TUNTAP_MODE_TAP,
			Flags:     netlink.TUNTAP_NO_PI | netlink.TUNTAP_VNET_HDR,
		}
		if spec.Owner != nil {
			tap.Owner = spec.Owner.UID
			tap.Group = spec.Owner.GID
		}
		link = tap
	}

	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("create %s link %s: %w", spec.Kind, spec.Name, err)
	}
	log.DebugContext(ctx, "link created", "interface", spec.Name, "kind", spec.Kind)

	if spec.Master != "" {
		created, err := netlink.LinkByName(spec.Name)
		if err != nil {
			return fmt.Errorf("get link %s: %w", spec.Name, err)
		}
		master, err := netlink.LinkByName(spec.Master)
		if err != nil {
			return fmt.Errorf("get bridge %s: %w", spec.Master, err)
		}
		if err := netlink.LinkSetMaster(created, master); err != nil {
			return fmt.Errorf("attach %s to bridge %s: %w", spec.Name, spec.Master, err)
		}
	}
	return nil
}

// DeleteLink removes a link by name.
func (m *NetlinkManager) DeleteLink(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("get link %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete link %s: %w", name, err)
	}
	return nil
}

// SetLinkUp brings a link administratively up.
func (m *NetlinkManager) SetLinkUp(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("get link %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	return nil
}
