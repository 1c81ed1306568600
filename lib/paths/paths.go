// Package paths provides centralized path construction for the host
// pseudo-filesystems vmman reads and writes (/sys and /dev).
package paths

import (
	"path/filepath"
	"strconv"

	"github.com/onkernel/vmman/lib/sysfs"
)

const (
	DefaultSysRoot = "/sys"
	DefaultDevRoot = "/dev"
)

// Paths provides typed path construction rooted at the sysfs and dev roots.
// Tests point both roots at a temporary directory.
type Paths struct {
	sysRoot string
	devRoot string
}

// New creates a new Paths instance. Empty roots fall back to the defaults.
func New(sysRoot, devRoot string) *Paths {
	if sysRoot == "" {
		sysRoot = DefaultSysRoot
	}
	if devRoot == "" {
		devRoot = DefaultDevRoot
	}
	return &Paths{sysRoot: sysRoot, devRoot: devRoot}
}

// SysRoot returns the sysfs root.
func (p *Paths) SysRoot() string {
	return p.sysRoot
}

// DevRoot returns the device node root.
func (p *Paths) DevRoot() string {
	return p.devRoot
}

// Network paths

// NetClassDir returns /sys/class/net.
func (p *Paths) NetClassDir() string {
	return filepath.Join(p.sysRoot, "class", "net")
}

// NetClass returns /sys/class/net/<ifname>/<suffix...>.
func (p *Paths) NetClass(ifname string, suffix ...string) string {
	return sysfs.BuildPath(p.NetClassDir(), ifname, suffix...)
}

// TapDevice returns the macvtap character device for an ifindex (/dev/tap<N>).
func (p *Paths) TapDevice(ifindex int) string {
	return filepath.Join(p.devRoot, "tap"+strconv.Itoa(ifindex))
}

// TunDevice returns the tun/tap clone device (/dev/net/tun).
func (p *Paths) TunDevice() string {
	return filepath.Join(p.devRoot, "net", "tun")
}

// PCI paths

// PCIDevicesDir returns /sys/bus/pci/devices.
func (p *Paths) PCIDevicesDir() string {
	return filepath.Join(p.sysRoot, "bus", "pci", "devices")
}

// PCIDevice returns /sys/bus/pci/devices/<addr>/<suffix...>.
func (p *Paths) PCIDevice(addr string, suffix ...string) string {
	return sysfs.BuildPath(p.PCIDevicesDir(), addr, suffix...)
}

// PCIDriversProbe returns the bus-wide /sys/bus/pci/drivers_probe control file.
func (p *Paths) PCIDriversProbe() string {
	return filepath.Join(p.sysRoot, "bus", "pci", "drivers_probe")
}

// PCIDriver returns /sys/bus/pci/drivers/<driver>.
func (p *Paths) PCIDriver(driver string) string {
	return sysfs.BuildPath(filepath.Join(p.sysRoot, "bus", "pci", "drivers"), driver)
}

// IOMMUGroupDevices returns /sys/kernel/iommu_groups/<group>/devices.
func (p *Paths) IOMMUGroupDevices(group string) string {
	return sysfs.BuildPath(filepath.Join(p.sysRoot, "kernel", "iommu_groups"), group, "devices")
}

// VFIOGroup returns the VFIO group device (/dev/vfio/<group>).
func (p *Paths) VFIOGroup(group string) string {
	return filepath.Join(p.devRoot, "vfio", group)
}
