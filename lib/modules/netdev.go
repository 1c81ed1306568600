package modules

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/onkernel/vmman/lib/logger"
	"github.com/onkernel/vmman/lib/network"
	"github.com/onkernel/vmman/lib/sysfs"
)

// netdev holds what the macvtap and tap modules share: the host link and
// the descriptor the hypervisor reads frames from.
type netdev struct {
	info
	host   *Host
	iface  string
	mac    string
	driver string

	file *os.File
}

func newNetdev(s Section, h *Host) (netdev, error) {
	n := netdev{info: info{kind: s.Kind, name: s.Name}, host: h}

	var err error
	if n.iface, err = s.String("interface"); err != nil {
		return n, err
	}
	if n.mac, err = s.String("mac"); err != nil {
		return n, err
	}
	if n.driver, err = s.String("driver"); err != nil {
		return n, err
	}
	return n, nil
}

// recreate deletes any link already named iface, then creates spec.
// An existing link is never reused: stale mode or master settings cannot
// be told apart from fresh ones.
func (n *netdev) recreate(ctx context.Context, spec network.LinkSpec) error {
	log := logger.FromContext(ctx)

	if sysfs.Exists(n.host.Paths.NetClass(n.iface)) {
		log.WarnContext(ctx, "interface already exists, deleting it", "interface", n.iface)
		if err := n.host.Links.DeleteLink(ctx, n.iface); err != nil {
			return fmt.Errorf("%s: delete existing interface %s: %w", n, n.iface, err)
		}
	}

	log.InfoContext(ctx, "creating interface", "interface", n.iface, "kind", spec.Kind, "mac", n.mac)
	if err := n.host.Links.CreateLink(ctx, spec); err != nil {
		return fmt.Errorf("%s: create interface %s: %w", n, n.iface, err)
	}
	return nil
}

func (n *netdev) up(ctx context.Context) error {
	if err := n.host.Links.SetLinkUp(ctx, n.iface); err != nil {
		return fmt.Errorf("%s: set %s up: %w", n, n.iface, err)
	}
	return nil
}

// args registers f with the launch and returns the netdev/device pair.
func (n *netdev) args(l *Launch, f *os.File) []string {
	n.file = f
	fd := l.AddFile(f)
	return []string{
		"-netdev", fmt.Sprintf("tap,id=%s,fd=%d,vhost=on", n.iface, fd),
		"-device", fmt.Sprintf("%s,netdev=%s,mac=%s", n.driver, n.iface, n.mac),
	}
}

func (n *netdev) PostLaunch(ctx context.Context) {
	if n.file == nil {
		return
	}
	if err := n.file.Close(); err != nil {
		logger.FromContext(ctx).DebugContext(ctx, "close tap descriptor", "interface", n.iface, "error", err)
	}
	n.file = nil
}

// macvtap is a macvtap sub-interface of a host interface in bridge mode.
// The hypervisor talks to it through /dev/tap<ifindex>.
type macvtap struct {
	netdev
	hostIface string
}

func newMacvtap(s Section, h *Host) (Module, error) {
	n, err := newNetdev(s, h)
	if err != nil {
		return nil, err
	}
	hostIface, err := s.String("host-interface")
	if err != nil {
		return nil, err
	}
	return &macvtap{netdev: n, hostIface: hostIface}, nil
}

func (m *macvtap) Init(ctx context.Context, owner Owner) error {
	spec := network.LinkSpec{
		Name:         m.iface,
		Kind:         network.LinkKindMacvtap,
		Parent:       m.hostIface,
		HardwareAddr: m.mac,
	}
	if err := m.recreate(ctx, spec); err != nil {
		return err
	}

	if !sysfs.Exists(m.host.Paths.NetClass(m.iface, "macvtap")) {
		return fmt.Errorf("%w: %s on %s", ErrNotMacvtap, m.iface, m.hostIface)
	}
	if err := m.up(ctx); err != nil {
		return err
	}

	tapPath, err := m.tapPath()
	if err != nil {
		return err
	}
	if err := m.host.Waiter.Wait(ctx, tapPath); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	if _, err := m.host.Ownership.TransferOwnership(ctx, tapPath, owner.UID, owner.GID); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	return nil
}

// tapPath resolves the character device of the interface from its ifindex.
func (m *macvtap) tapPath() (string, error) {
	raw, err := sysfs.ReadAttr(m.host.Paths.NetClass(m.iface, "ifindex"))
	if err != nil {
		return "", fmt.Errorf("%s: %w", m, err)
	}
	ifindex, err := strconv.Atoi(raw)
	if err != nil {
		return "", fmt.Errorf("%s: parse ifindex %q: %w", m, raw, err)
	}
	return m.host.Paths.TapDevice(ifindex), nil
}

func (m *macvtap) LaunchArgs(ctx context.Context, l *Launch) ([]string, error) {
	tapPath, err := m.tapPath()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(tapPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: open tap device: %w", m, err)
	}
	return m.args(l, f), nil
}

// tap is a persistent tap device owned by the machine owner and enslaved
// to an existing bridge.
type tap struct {
	netdev
	bridge string
}

func newTap(s Section, h *Host) (Module, error) {
	n, err := newNetdev(s, h)
	if err != nil {
		return nil, err
	}
	bridge, err := s.String("bridge")
	if err != nil {
		return nil, err
	}
	return &tap{netdev: n, bridge: bridge}, nil
}

func (m *tap) Init(ctx context.Context, owner Owner) error {
	if !sysfs.Exists(m.host.Paths.NetClass(m.bridge, "bridge")) {
		return fmt.Errorf("%w: %s", ErrNotBridge, m.bridge)
	}

	spec := network.LinkSpec{
		Name:   m.iface,
		Kind:   network.LinkKindTap,
		Master: m.bridge,
		Owner:  &network.LinkOwner{UID: owner.UID, GID: owner.GID},
	}
	if err := m.recreate(ctx, spec); err != nil {
		return err
	}
	return m.up(ctx)
}

func (m *tap) LaunchArgs(ctx context.Context, l *Launch) ([]string, error) {
	f, err := m.host.OpenTap(m.host.Paths.TunDevice(), m.iface)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m, err)
	}
	return m.args(l, f), nil
}
