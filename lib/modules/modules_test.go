package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/onkernel/vmman/lib/devices"
	"github.com/onkernel/vmman/lib/network"
	"github.com/onkernel/vmman/lib/paths"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLinks mirrors link operations into a fake /sys/class/net.
type fakeLinks struct {
	t         *testing.T
	p         *paths.Paths
	nextIndex int
	created   []network.LinkSpec
	deleted   []string
	up        []string
	noMacvtap bool
}

func (f *fakeLinks) CreateLink(ctx context.Context, spec network.LinkSpec) error {
	dir := f.p.NetClass(spec.Name)
	if _, err := os.Stat(dir); err == nil {
		f.t.Fatalf("link %s created twice", spec.Name)
	}
	require.NoError(f.t, os.MkdirAll(dir, 0755))
	f.nextIndex++
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "ifindex"), []byte(strconv.Itoa(f.nextIndex)+"\n"), 0644))
	if spec.Kind == network.LinkKindMacvtap && !f.noMacvtap {
		require.NoError(f.t, os.WriteFile(filepath.Join(dir, "macvtap"), nil, 0644))
	}
	f.created = append(f.created, spec)
	return nil
}

func (f *fakeLinks) DeleteLink(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return os.RemoveAll(f.p.NetClass(name))
}

func (f *fakeLinks) SetLinkUp(ctx context.Context, name string) error {
	f.up = append(f.up, name)
	return nil
}

func (f *fakeLinks) links() []string {
	entries, err := os.ReadDir(f.p.NetClassDir())
	require.NoError(f.t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type transfer struct {
	path     string
	uid, gid uint32
}

type recordingOwnership struct {
	transfers []transfer
}

func (r *recordingOwnership) TransferOwnership(ctx context.Context, path string, uid, gid uint32) (bool, error) {
	r.transfers = append(r.transfers, transfer{path, uid, gid})
	return true, nil
}

type recordingWaiter struct {
	paths []string
}

func (r *recordingWaiter) Wait(ctx context.Context, path string) error {
	r.paths = append(r.paths, path)
	return nil
}

type testHost struct {
	*Host
	links     *fakeLinks
	ownership *recordingOwnership
	waiter    *recordingWaiter
}

func newTestHost(t *testing.T) *testHost {
	root := t.TempDir()
	p := paths.New(filepath.Join(root, "sys"), filepath.Join(root, "dev"))
	require.NoError(t, os.MkdirAll(p.NetClassDir(), 0755))
	require.NoError(t, os.MkdirAll(p.DevRoot(), 0755))

	links := &fakeLinks{t: t, p: p}
	ownership := &recordingOwnership{}
	waiter := &recordingWaiter{}
	return &testHost{
		Host: &Host{
			Paths:     p,
			Links:     links,
			VFIO:      devices.NewVFIOBinder(p),
			Ownership: ownership,
			Waiter:    waiter,
			OpenTap: func(devPath, ifname string) (*os.File, error) {
				return os.CreateTemp(t.TempDir(), ifname)
			},
		},
		links:     links,
		ownership: ownership,
		waiter:    waiter,
	}
}

func section(kind Kind, name string, values map[string]any) Section {
	return Section{Kind: kind, Name: name, Values: values}
}

func launchArgs(t *testing.T, m Module) []string {
	l := NewLaunch()
	t.Cleanup(func() { _ = l.Close() })
	args, err := m.LaunchArgs(context.Background(), l)
	require.NoError(t, err)
	return args
}

func TestBaseLaunchArgs(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   []string
	}{
		{
			name:   "mandatory only",
			values: map[string]any{"machine": "q35", "smp": "4", "mem": "2G"},
			want: []string{
				"-machine", "q35", "-smp", "4", "-m", "2G", "-mem-path", "/dev/hugepages",
				"-vga", "none", "-display", "none",
			},
		},
		{
			name: "all options",
			values: map[string]any{
				"machine": "pc-q35-8.2", "smp": int64(8), "mem": "16G", "cpu": "host",
				"mempath": "/mnt/huge", "smbios": "type=2", "vga": "std", "display": "gtk",
				"serial": "stdio",
			},
			want: []string{
				"-machine", "pc-q35-8.2", "-smp", "8", "-m", "16G", "-mem-path", "/mnt/huge",
				"-cpu", "host", "-smbios", "type=2", "-serial", "stdio",
				"-vga", "std", "-display", "gtk",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(section(KindBase, "main", tt.values), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, launchArgs(t, m))
		})
	}
}

func TestBaseValidation(t *testing.T) {
	_, err := New(section(KindBase, "main", map[string]any{"machine": "q35", "smp": "4"}), nil)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "mem")

	_, err = New(section(KindBase, "main", map[string]any{"machine": "q35", "smp": "4", "mem": "lots"}), nil)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = New(section(KindBase, "main", map[string]any{"machine": "q35", "smp": 4.5, "mem": "2G"}), nil)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), "smp")
}

func TestBaseMemGrammar(t *testing.T) {
	tests := []struct {
		mem     any
		wantErr bool
	}{
		{mem: "2G"},
		{mem: "512M"},
		{mem: "1.5G"},
		{mem: int64(4096)},
		{mem: "size=4G"},
		{mem: "size=4G,slots=2,maxmem=8G"},
		{mem: "4G,slots=4,maxmem=16G"},
		{mem: "2GiB", wantErr: true},
		{mem: "2GB", wantErr: true},
		{mem: "512B", wantErr: true},
		{mem: "0", wantErr: true},
		{mem: "size=4G,slots=two", wantErr: true},
		{mem: "size=4G,maxmem=lots", wantErr: true},
		{mem: "size=4G,share=on", wantErr: true},
		{mem: "4G,8G", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.mem), func(t *testing.T) {
			values := map[string]any{"machine": "q35", "smp": "2", "mem": tt.mem}
			m, err := New(section(KindBase, "main", values), nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidValue)
				return
			}
			require.NoError(t, err)
			args := launchArgs(t, m)
			assert.Equal(t, fmt.Sprint(tt.mem), args[5], "mem is passed to -m unchanged")
		})
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(section("gpu-magic", "x", nil), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Contains(t, err.Error(), "gpu-magic")
}

func TestNewDeprecatedBridge(t *testing.T) {
	_, err := New(section("bridge", "net0", map[string]any{"interface": "vm0"}), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeprecatedKind)
	assert.NotErrorIs(t, err, ErrUnknownKind)
	assert.Contains(t, err.Error(), `"macvtap"`)
	assert.Contains(t, err.Error(), `"tap"`)
}

func TestKinds(t *testing.T) {
	assert.Equal(t, []Kind{KindAppleSMC, KindBase, KindMacvtap, KindPCIPassthrough, KindStorage, KindTap}, Kinds())
}

func TestFixedModules(t *testing.T) {
	smc, err := New(section(KindAppleSMC, "smc", map[string]any{"osk": "ourhardwork"}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-device", "isa-applesmc,osk=ourhardwork"}, launchArgs(t, smc))

	disk, err := New(section(KindStorage, "disk0", map[string]any{"driver": "virtio", "file": "/images/a.img"}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-drive", "if=virtio,format=raw,aio=native,cache.direct=on,file=/images/a.img"}, launchArgs(t, disk))

	cd, err := New(section(KindStorage, "cd", map[string]any{"driver": "ide", "file": "/iso/install.iso", "media": "cdrom"}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-drive", "if=ide,format=raw,aio=native,cache.direct=on,file=/iso/install.iso,media=cdrom"}, launchArgs(t, cd))

	_, err = New(section(KindStorage, "disk1", map[string]any{"driver": "virtio"}), nil)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "file")
}

func tapValues() map[string]any {
	return map[string]any{"interface": "vm0", "bridge": "br0", "mac": "52:54:00:00:00:01", "driver": "virtio-net-pci"}
}

func TestTapInitIsIdempotent(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, os.MkdirAll(h.Paths.NetClass("br0", "bridge"), 0755))

	m, err := New(section(KindTap, "net0", tapValues()), h.Host)
	require.NoError(t, err)

	owner := Owner{UID: 1000, GID: 1000}
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Init(context.Background(), owner))
	}

	assert.ElementsMatch(t, []string{"br0", "vm0"}, h.links.links())
	assert.Equal(t, []string{"vm0", "vm0"}, h.links.deleted)
	require.Len(t, h.links.created, 3)
	assert.Equal(t, network.LinkSpec{
		Name:   "vm0",
		Kind:   network.LinkKindTap,
		Master: "br0",
		Owner:  &network.LinkOwner{UID: 1000, GID: 1000},
	}, h.links.created[0])
	assert.Equal(t, []string{"vm0", "vm0", "vm0"}, h.links.up)
}

func TestTapRequiresBridge(t *testing.T) {
	h := newTestHost(t)
	m, err := New(section(KindTap, "net0", tapValues()), h.Host)
	require.NoError(t, err)

	err = m.Init(context.Background(), Owner{UID: 1000, GID: 1000})
	assert.ErrorIs(t, err, ErrNotBridge)
	assert.Empty(t, h.links.created)
}

func TestTapLaunchArgs(t *testing.T) {
	h := newTestHost(t)
	var opened []string
	h.OpenTap = func(devPath, ifname string) (*os.File, error) {
		opened = append(opened, devPath, ifname)
		return os.CreateTemp(t.TempDir(), ifname)
	}

	m, err := New(section(KindTap, "net0", tapValues()), h.Host)
	require.NoError(t, err)

	l := NewLaunch()
	defer l.Close()
	args, err := m.LaunchArgs(context.Background(), l)
	require.NoError(t, err)

	assert.Equal(t, []string{h.Paths.TunDevice(), "vm0"}, opened)
	assert.Equal(t, []string{
		"-netdev", "tap,id=vm0,fd=3,vhost=on",
		"-device", "virtio-net-pci,netdev=vm0,mac=52:54:00:00:00:01",
	}, args)
	require.Len(t, l.Files(), 1)

	m.PostLaunch(context.Background())
	_, err = l.Files()[0].Stat()
	assert.ErrorIs(t, err, os.ErrClosed)
}

func macvtapValues() map[string]any {
	return map[string]any{"interface": "mvt0", "host-interface": "eth0", "mac": "52:54:00:00:00:02", "driver": "e1000"}
}

func TestMacvtapInit(t *testing.T) {
	h := newTestHost(t)
	m, err := New(section(KindMacvtap, "net0", macvtapValues()), h.Host)
	require.NoError(t, err)

	require.NoError(t, m.Init(context.Background(), Owner{UID: 1000, GID: 100}))

	require.Len(t, h.links.created, 1)
	assert.Equal(t, network.LinkSpec{
		Name:         "mvt0",
		Kind:         network.LinkKindMacvtap,
		Parent:       "eth0",
		HardwareAddr: "52:54:00:00:00:02",
	}, h.links.created[0])
	assert.Equal(t, []string{"mvt0"}, h.links.up)

	tapPath := h.Paths.TapDevice(1)
	assert.Equal(t, []string{tapPath}, h.waiter.paths)
	assert.Equal(t, []transfer{{tapPath, 1000, 100}}, h.ownership.transfers)
}

func TestMacvtapNotMacvtap(t *testing.T) {
	h := newTestHost(t)
	h.links.noMacvtap = true
	m, err := New(section(KindMacvtap, "net0", macvtapValues()), h.Host)
	require.NoError(t, err)

	err = m.Init(context.Background(), Owner{UID: 1000, GID: 100})
	assert.ErrorIs(t, err, ErrNotMacvtap)
	assert.Empty(t, h.links.up)
	assert.Empty(t, h.ownership.transfers)
}

func TestMacvtapLaunchArgs(t *testing.T) {
	h := newTestHost(t)
	m, err := New(section(KindMacvtap, "net0", macvtapValues()), h.Host)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background(), Owner{UID: 1000, GID: 100}))
	require.NoError(t, os.WriteFile(h.Paths.TapDevice(1), nil, 0600))

	other, err := os.CreateTemp(t.TempDir(), "other")
	require.NoError(t, err)

	l := NewLaunch()
	defer l.Close()
	l.AddFile(other)

	args, err := m.LaunchArgs(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-netdev", "tap,id=mvt0,fd=4,vhost=on",
		"-device", "e1000,netdev=mvt0,mac=52:54:00:00:00:02",
	}, args)
	require.Len(t, l.Files(), 2)
	assert.Equal(t, h.Paths.TapDevice(1), l.Files()[1].Name())
}

func TestMacvtapLaunchArgsMissingDevice(t *testing.T) {
	h := newTestHost(t)
	m, err := New(section(KindMacvtap, "net0", macvtapValues()), h.Host)
	require.NoError(t, err)

	_, err = m.LaunchArgs(context.Background(), NewLaunch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ifindex")
}

func TestPCIPassthroughAlreadyBound(t *testing.T) {
	h := newTestHost(t)
	addr := "0000:01:00.0"
	dev := h.Paths.PCIDevice(addr)
	vfioDrv := h.Paths.PCIDriver(devices.VFIODriver)
	group := filepath.Join(h.Paths.SysRoot(), "kernel", "iommu_groups", "12")

	require.NoError(t, os.MkdirAll(dev, 0755))
	require.NoError(t, os.MkdirAll(vfioDrv, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(group, "devices"), 0755))
	require.NoError(t, os.Symlink(vfioDrv, filepath.Join(dev, "driver")))
	require.NoError(t, os.Symlink(group, filepath.Join(dev, "iommu_group")))
	require.NoError(t, os.Symlink(dev, filepath.Join(group, "devices", addr)))
	// Control files are absent: any write attempt would fail.

	m, err := New(section(KindPCIPassthrough, "gpu", map[string]any{"dev": addr}), h.Host)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background(), Owner{UID: 1000, GID: 100}))

	groupDev := h.Paths.VFIOGroup("12")
	assert.Equal(t, []string{groupDev}, h.waiter.paths)
	assert.Equal(t, []transfer{{groupDev, 1000, 100}}, h.ownership.transfers)
}

func TestPCIPassthroughNoIOMMUGroup(t *testing.T) {
	h := newTestHost(t)
	addr := "0000:02:00.0"
	vfioDrv := h.Paths.PCIDriver(devices.VFIODriver)
	require.NoError(t, os.MkdirAll(h.Paths.PCIDevice(addr), 0755))
	require.NoError(t, os.MkdirAll(vfioDrv, 0755))
	require.NoError(t, os.Symlink(vfioDrv, h.Paths.PCIDevice(addr, "driver")))

	m, err := New(section(KindPCIPassthrough, "gpu", map[string]any{"dev": addr}), h.Host)
	require.NoError(t, err)

	err = m.Init(context.Background(), Owner{UID: 1000, GID: 100})
	assert.ErrorIs(t, err, devices.ErrNoIOMMUGroup)
	assert.Empty(t, h.ownership.transfers)
}

func TestPCIPassthroughLaunchArgs(t *testing.T) {
	m, err := New(section(KindPCIPassthrough, "gpu", map[string]any{"dev": "0000:01:00.0"}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-device", "vfio-pci,host=0000:01:00.0"}, launchArgs(t, m))

	m, err = New(section(KindPCIPassthrough, "gpu", map[string]any{"dev": "0000:01:00.0", "romfile": "/roms/gpu.rom"}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-device", "vfio-pci,host=0000:01:00.0,romfile=/roms/gpu.rom,multifunction=on"}, launchArgs(t, m))

	_, err = New(section(KindPCIPassthrough, "gpu", map[string]any{"dev": "01:00.0"}), nil)
	assert.ErrorIs(t, err, devices.ErrInvalidPCIAddress)
}

func TestLaunchAddFile(t *testing.T) {
	dir := t.TempDir()
	a, err := os.Create(filepath.Join(dir, "a"))
	require.NoError(t, err)
	b, err := os.Create(filepath.Join(dir, "b"))
	require.NoError(t, err)

	l := NewLaunch()
	assert.Equal(t, 3, l.AddFile(a))
	assert.Equal(t, 4, l.AddFile(b))
	assert.Equal(t, []*os.File{a, b}, l.Files())

	require.NoError(t, a.Close())
	assert.NoError(t, l.Close())
	assert.Empty(t, l.Files())
}
