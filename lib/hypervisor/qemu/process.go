// Package qemu launches QEMU for a machine.
package qemu

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"

	"github.com/onkernel/vmman/lib/hypervisor"
	"github.com/onkernel/vmman/lib/logger"
)

// DefaultBinary is used when no binary is configured.
const DefaultBinary = "/usr/bin/qemu-system-x86_64"

// Spawner starts a process and returns its pid without waiting for it.
type Spawner interface {
	Spawn(ctx context.Context, binary string, args []string, files []*os.File) (int, error)
}

// ExecSpawner starts the child with os/exec. Stdio is inherited and files
// become descriptors 3 onwards. The child is not tied to ctx: it keeps
// running after vmman exits.
type ExecSpawner struct{}

// Spawn starts binary and releases it.
func (ExecSpawner) Spawn(ctx context.Context, binary string, args []string, files []*os.File) (int, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to release qemu process", "pid", pid, "error", err)
	}
	return pid, nil
}

// Starter implements hypervisor.Launcher for QEMU.
type Starter struct {
	binary  string
	spawner Spawner
}

// Verify Starter implements the interface
var _ hypervisor.Launcher = (*Starter)(nil)

// NewStarter creates a new QEMU starter. An empty binary selects DefaultBinary.
func NewStarter(binary string) *Starter {
	return NewStarterWithSpawner(binary, ExecSpawner{})
}

// NewStarterWithSpawner creates a starter that spawns through s.
func NewStarterWithSpawner(binary string, s Spawner) *Starter {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Starter{binary: binary, spawner: s}
}

// Type returns hypervisor.TypeQEMU.
func (s *Starter) Type() hypervisor.Type {
	return hypervisor.TypeQEMU
}

// GetBinaryPath returns the configured QEMU binary after checking it exists.
func (s *Starter) GetBinaryPath() (string, error) {
	if _, err := os.Stat(s.binary); err != nil {
		return "", fmt.Errorf("qemu binary %s: %w; install with: %s", s.binary, err, qemuInstallHint())
	}
	return s.binary, nil
}

// GetVersion returns the version of the configured QEMU binary.
// Parses the output of "qemu-system-* --version" to extract the version string.
func (s *Starter) GetVersion(ctx context.Context) (string, error) {
	binaryPath, err := s.GetBinaryPath()
	if err != nil {
		return "", err
	}

	output, err := exec.CommandContext(ctx, binaryPath, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("get qemu version: %w", err)
	}
	return parseVersion(string(output))
}

var versionPattern = regexp.MustCompile(`version (\d+\.\d+(?:\.\d+)?)`)

// parseVersion extracts "8.2.0" from "QEMU emulator version 8.2.0 (Debian ...)".
func parseVersion(output string) (string, error) {
	matches := versionPattern.FindStringSubmatch(output)
	if len(matches) >= 2 {
		return matches[1], nil
	}
	return "", fmt.Errorf("could not parse QEMU version from: %s", output)
}

// Launch starts QEMU with args and the given inherited files.
func (s *Starter) Launch(ctx context.Context, args []string, files []*os.File) (int, error) {
	log := logger.FromContext(ctx)

	binaryPath, err := s.GetBinaryPath()
	if err != nil {
		return 0, fmt.Errorf("get binary: %w", err)
	}

	pid, err := s.spawner.Spawn(ctx, binaryPath, args, files)
	if err != nil {
		return 0, fmt.Errorf("start qemu: %w", err)
	}
	log.InfoContext(ctx, "qemu started", "pid", pid, "binary", binaryPath)
	return pid, nil
}

// qemuInstallHint returns package installation hints for the current architecture.
func qemuInstallHint() string {
	switch runtime.GOARCH {
	case "amd64":
		return "apt install qemu-system-x86 (Debian/Ubuntu) or dnf install qemu-system-x86-core (Fedora)"
	case "arm64":
		return "apt install qemu-system-arm (Debian/Ubuntu) or dnf install qemu-system-aarch64-core (Fedora)"
	default:
		return "install QEMU for your platform"
	}
}
