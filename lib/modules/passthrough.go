package modules

import (
	"context"
	"fmt"

	"github.com/onkernel/vmman/lib/devices"
	"github.com/onkernel/vmman/lib/logger"
)

// pciPassthrough hands a host PCI device to the guest through VFIO.
type pciPassthrough struct {
	info
	host    *Host
	addr    string
	romFile string
}

func newPCIPassthrough(s Section, h *Host) (Module, error) {
	m := &pciPassthrough{info: info{kind: s.Kind, name: s.Name}, host: h}

	var err error
	if m.addr, err = s.String("dev"); err != nil {
		return nil, err
	}
	if err := devices.ValidatePCIAddress(m.addr); err != nil {
		return nil, fmt.Errorf("%s: %w", m, err)
	}
	if m.romFile, _, err = s.OptionalString("romfile"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *pciPassthrough) Init(ctx context.Context, owner Owner) error {
	log := logger.FromContext(ctx)
	vfio := m.host.VFIO

	if _, err := vfio.BindToVFIO(ctx, m.addr); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}

	group, err := vfio.IOMMUGroup(m.addr)
	if err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	log.InfoContext(ctx, "PCI device IOMMU group", "pci_address", m.addr, "iommu_group", group)

	if err := vfio.CheckIOMMUGroupSafe(m.addr, group); err != nil {
		log.WarnContext(ctx, "IOMMU group is not fully assigned", "pci_address", m.addr, "error", err)
	}

	groupPath := vfio.GroupDevicePath(group)
	if err := m.host.Waiter.Wait(ctx, groupPath); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	if _, err := m.host.Ownership.TransferOwnership(ctx, groupPath, owner.UID, owner.GID); err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	return nil
}

func (m *pciPassthrough) LaunchArgs(ctx context.Context, l *Launch) ([]string, error) {
	device := "vfio-pci,host=" + m.addr
	if m.romFile != "" {
		device += ",romfile=" + m.romFile + ",multifunction=on"
	}
	return []string{"-device", device}, nil
}
