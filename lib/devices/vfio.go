// Package devices binds host PCI devices to vfio-pci for passthrough.
package devices

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/onkernel/vmman/lib/logger"
	"github.com/onkernel/vmman/lib/paths"
	"github.com/onkernel/vmman/lib/sysfs"
	"github.com/samber/lo"
)

// VFIODriver is the kernel driver that exposes devices to userspace.
const VFIODriver = "vfio-pci"

// pciAddressPattern matches a full PCI address: domain:bus:device.function
var pciAddressPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// ValidatePCIAddress checks the address is of the form 0000:01:00.0.
func ValidatePCIAddress(addr string) error {
	if !pciAddressPattern.MatchString(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidPCIAddress, addr)
	}
	return nil
}

// VFIOBinder handles binding devices to vfio-pci and inspecting their IOMMU group.
type VFIOBinder struct {
	paths *paths.Paths
}

// NewVFIOBinder creates a new VFIOBinder
func NewVFIOBinder(p *paths.Paths) *VFIOBinder {
	return &VFIOBinder{paths: p}
}

// CheckDevice verifies the address is well formed and present on the host.
func (v *VFIOBinder) CheckDevice(addr string) error {
	if err := ValidatePCIAddress(addr); err != nil {
		return err
	}
	if !sysfs.Exists(v.paths.PCIDevice(addr)) {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, addr)
	}
	return nil
}

// CurrentDriver returns the driver bound to the device, or "" when unbound.
func (v *VFIOBinder) CurrentDriver(addr string) (string, error) {
	driver, err := sysfs.ReadLinkBase(v.paths.PCIDevice(addr, "driver"))
	if errors.Is(err, sysfs.ErrNoLink) {
		return "", nil
	}
	return driver, err
}

// IsBoundToVFIO reports whether the device is currently bound to vfio-pci.
func (v *VFIOBinder) IsBoundToVFIO(addr string) bool {
	driver, err := v.CurrentDriver(addr)
	return err == nil && driver == VFIODriver
}

// BindToVFIO rebinds the device to vfio-pci. It unbinds the current driver
// if there is one, overrides the driver selection for this address and asks
// the bus to re-probe it. A device already bound to vfio-pci is left alone
// and changed is false.
func (v *VFIOBinder) BindToVFIO(ctx context.Context, addr string) (changed bool, err error) {
	log := logger.FromContext(ctx)

	if err := v.CheckDevice(addr); err != nil {
		return false, err
	}

	driver, err := v.CurrentDriver(addr)
	if err != nil {
		return false, fmt.Errorf("read current driver: %w", err)
	}
	if driver == VFIODriver {
		log.DebugContext(ctx, "device already bound to vfio-pci", "pci_address", addr)
		return false, nil
	}

	if !v.DriverLoaded(VFIODriver) {
		// drivers_probe leaves the device unbound until the module is loaded
		log.WarnContext(ctx, "vfio-pci driver is not loaded, run modprobe vfio-pci",
			"pci_address", addr, "driver_path", v.paths.PCIDriver(VFIODriver))
	}

	if driver != "" {
		log.InfoContext(ctx, "unbinding device from driver",
			"pci_address", addr, "driver", driver, "driver_path", v.paths.PCIDriver(driver))
		if err := sysfs.WriteControl(v.paths.PCIDevice(addr, "driver", "unbind"), addr); err != nil {
			return false, fmt.Errorf("unbind from %s: %w", driver, err)
		}
	}

	if err := sysfs.WriteControl(v.paths.PCIDevice(addr, "driver_override"), VFIODriver); err != nil {
		return false, fmt.Errorf("set driver override: %w", err)
	}
	if err := sysfs.WriteControl(v.paths.PCIDriversProbe(), addr); err != nil {
		return false, fmt.Errorf("probe driver: %w", err)
	}

	log.InfoContext(ctx, "device bound to vfio-pci", "pci_address", addr, "previous_driver", driver)
	return true, nil
}

// DriverLoaded reports whether the named PCI driver is registered with the bus.
func (v *VFIOBinder) DriverLoaded(driver string) bool {
	return sysfs.Exists(v.paths.PCIDriver(driver))
}

// IOMMUGroup returns the IOMMU group number of the device.
func (v *VFIOBinder) IOMMUGroup(addr string) (string, error) {
	group, err := sysfs.ReadLinkBase(v.paths.PCIDevice(addr, "iommu_group"))
	if err != nil {
		if errors.Is(err, sysfs.ErrNoLink) {
			return "", fmt.Errorf("%w: %s", ErrNoIOMMUGroup, addr)
		}
		return "", fmt.Errorf("read iommu group: %w", err)
	}
	return group, nil
}

// GroupDevices lists the PCI addresses sharing an IOMMU group, sorted.
func (v *VFIOBinder) GroupDevices(group string) ([]string, error) {
	entries, err := os.ReadDir(v.paths.IOMMUGroupDevices(group))
	if err != nil {
		return nil, fmt.Errorf("read iommu group %s: %w", group, err)
	}
	addrs := lo.Map(entries, func(e os.DirEntry, _ int) string { return e.Name() })
	sort.Strings(addrs)
	return addrs, nil
}

// CheckIOMMUGroupSafe returns ErrIOMMUGroupConflict naming the devices in
// addr's group that are neither bound to vfio-pci nor PCI bridges.
func (v *VFIOBinder) CheckIOMMUGroupSafe(addr, group string) error {
	devices, err := v.GroupDevices(group)
	if err != nil {
		return err
	}

	conflicts := lo.Filter(devices, func(dev string, _ int) bool {
		return dev != addr && !v.IsBoundToVFIO(dev) && !v.isPCIBridge(dev)
	})
	if len(conflicts) > 0 {
		return fmt.Errorf("%w: group %s also holds %s", ErrIOMMUGroupConflict, group, strings.Join(conflicts, ", "))
	}
	return nil
}

// isPCIBridge checks if a device is a PCI bridge
func (v *VFIOBinder) isPCIBridge(addr string) bool {
	classCode, err := sysfs.ReadAttr(v.paths.PCIDevice(addr, "class"))
	if err != nil {
		return false
	}
	classCode = strings.TrimPrefix(classCode, "0x")
	// Class 06 = Bridge
	return len(classCode) >= 2 && classCode[:2] == "06"
}

// GroupDevicePath returns /dev/vfio/<group>.
func (v *VFIOBinder) GroupDevicePath(group string) string {
	return v.paths.VFIOGroup(group)
}
