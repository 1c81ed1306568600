package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/onkernel/vmman/lib/hypervisor"
	"github.com/onkernel/vmman/lib/logger"
	"github.com/onkernel/vmman/lib/machines"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	args []string
}

func (f *fakeLauncher) Type() hypervisor.Type { return hypervisor.TypeQEMU }

func (f *fakeLauncher) Launch(ctx context.Context, args []string, files []*os.File) (int, error) {
	f.args = args
	return 777, nil
}

func testApp(t *testing.T, launcher hypervisor.Launcher) appFactory {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arch.toml"), []byte(`
[base.main]
machine = "q35"
smp = 2
mem = "1G"

[storage.disk]
driver = "virtio-blk"
file = "/images/disk.img"
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "win11.toml"), []byte("[bridge.net0]\ninterface = \"vm0\"\n"), 0644))

	return func() (*application, func(), error) {
		log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
		ctx := logger.AddToContext(context.Background(), log)
		r, err := machines.NewRegistry(ctx, dir, nil, launcher, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		return &application{Ctx: ctx, Logger: log, Registry: r}, func() {}, nil
	}
}

func execute(t *testing.T, newApp appFactory, args ...string) (string, error) {
	root := newRootCmd(newApp)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		argv []string
		want []string
	}{
		{[]string{"/usr/local/bin/vm-run", "win11"}, []string{"run", "win11"}},
		{[]string{"vm-list"}, []string{"list"}},
		{[]string{"./vm-init", "arch"}, []string{"init", "arch"}},
		{[]string{"vmman", "run", "arch", "--skip-init"}, []string{"run", "arch", "--skip-init"}},
		{[]string{"vmman"}, []string{}},
		{nil, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, commandArgs(tt.argv), "argv %v", tt.argv)
	}
}

func TestListCommand(t *testing.T) {
	out, err := execute(t, testApp(t, &fakeLauncher{}), "list")
	require.NoError(t, err)
	assert.Regexp(t, `(?s)^  arch in .*/arch\.toml\n  win11 in .*/win11\.toml\n$`, out)
}

func TestRunCommand(t *testing.T) {
	launcher := &fakeLauncher{}
	out, err := execute(t, testApp(t, launcher), "run", "arch")
	require.NoError(t, err)

	argv := "-enable-kvm -machine q35 -smp 2 -m 1G -mem-path /dev/hugepages -vga none -display none " +
		"-drive if=virtio-blk,format=raw,aio=native,cache.direct=on,file=/images/disk.img"
	assert.Equal(t, argv+"\nQemu started with pid 777\n", out)
	assert.Len(t, launcher.args, 15)
}

func TestRunCommandErrors(t *testing.T) {
	newApp := testApp(t, &fakeLauncher{})

	_, err := execute(t, newApp, "run", "macos")
	assert.ErrorIs(t, err, machines.ErrNotFound)

	_, err = execute(t, newApp, "init", "win11")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "macvtap")

	_, err = execute(t, newApp, "run")
	assert.Error(t, err)
}

func TestInitCommand(t *testing.T) {
	out, err := execute(t, testApp(t, &fakeLauncher{}), "init", "arch")
	require.NoError(t, err)
	assert.Contains(t, out, "Machine arch initialized for")
}

func TestAppFactoryError(t *testing.T) {
	failing := func() (*application, func(), error) { return nil, nil, errors.New("no config dir") }
	_, err := execute(t, failing, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize application")
}
