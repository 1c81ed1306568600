package sysfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPath(t *testing.T) {
	assert.Equal(t, "/sys/class/net/eth0/ifindex", BuildPath("/sys/class/net", "eth0", "ifindex"))
	assert.Equal(t, "/sys/bus/pci/devices/0000:01:00.0/driver/unbind",
		BuildPath("/sys/bus/pci/devices", "0000:01:00.0", "driver", "unbind"))
	assert.Equal(t, "/sys/class/net/eth0", BuildPath("/sys/class/net", "eth0"))
}

func TestReadAttr(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ifindex")
	require.NoError(t, os.WriteFile(path, []byte("42\n"), 0644))

	v, err := ReadAttr(path)
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	_, err = ReadAttr(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestReadLinkBase(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "driver")
	require.NoError(t, os.Symlink("../../../bus/pci/drivers/e1000e", link))

	name, err := ReadLinkBase(link)
	require.NoError(t, err)
	assert.Equal(t, "e1000e", name)

	_, err = ReadLinkBase(filepath.Join(dir, "iommu_group"))
	assert.ErrorIs(t, err, ErrNoLink)
}

func TestWriteControl(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driver_override")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	require.NoError(t, WriteControl(path, "vfio-pci"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "vfio-pci", string(data))

	// control files are never created
	err = WriteControl(filepath.Join(dir, "unbind"), "0000:01:00.0")
	assert.ErrorIs(t, err, ErrNoControlFile)
	assert.False(t, Exists(filepath.Join(dir, "unbind")))
}

func TestTransferOwnership(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tap7")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	uid, gid, err := Owner(path)
	require.NoError(t, err)

	var calls []int
	o := NewOwnershipWithChown(func(fd int, u, g int) error {
		calls = append(calls, u)
		return nil
	})

	t.Run("owner already matches", func(t *testing.T) {
		calls = nil
		changed, err := o.TransferOwnership(ctx, path, uid, gid)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Empty(t, calls, "no chown expected when owner matches")
	})

	t.Run("owner differs", func(t *testing.T) {
		calls = nil
		changed, err := o.TransferOwnership(ctx, path, uid+1000, gid)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []int{int(uid + 1000)}, calls)
	})

	t.Run("missing file", func(t *testing.T) {
		calls = nil
		_, err := o.TransferOwnership(ctx, filepath.Join(t.TempDir(), "nope"), uid, gid)
		assert.Error(t, err)
		assert.Empty(t, calls)
	})
}

func TestTransferOwnershipTwice(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("changing file ownership requires root")
	}
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tap9")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	o := NewOwnership()

	changed, err := o.TransferOwnership(ctx, path, 1234, 5678)
	require.NoError(t, err)
	assert.True(t, changed, "first transfer changes the owner")

	changed, err = o.TransferOwnership(ctx, path, 1234, 5678)
	require.NoError(t, err)
	assert.False(t, changed, "second transfer is a no-op")

	uid, gid, err := Owner(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), uid)
	assert.Equal(t, uint32(5678), gid)
}
