package network

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/onkernel/vmman/lib/logger"
)

// Runner runs an external command, returning a *CommandError on failure.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec and captures stderr.
type ExecRunner struct{}

// Run executes the command and waits for it.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{
			Command: name,
			Args:    args,
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return nil
}

// IPCommand implements LinkManager by running iproute2's ip command.
type IPCommand struct {
	bin    string
	runner Runner
}

var _ LinkManager = (*IPCommand)(nil)

// NewIPCommand returns an IPCommand that runs "ip" from PATH.
func NewIPCommand() *IPCommand {
	return &IPCommand{bin: "ip", runner: ExecRunner{}}
}

// NewIPCommandWithRunner returns an IPCommand using the given runner.
func NewIPCommandWithRunner(bin string, runner Runner) *IPCommand {
	return &IPCommand{bin: bin, runner: runner}
}

func (c *IPCommand) run(ctx context.Context, args ...string) error {
	logger.FromContext(ctx).DebugContext(ctx, "running link command", "cmd", c.bin, "args", strings.Join(args, " "))
	return c.runner.Run(ctx, c.bin, args...)
}

// CreateLink creates a macvtap or tap link.
func (c *IPCommand) CreateLink(ctx context.Context, spec LinkSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	switch spec.Kind {
	case LinkKindMacvtap:
		if err := c.run(ctx, "link", "add", "link", spec.Parent, "name", spec.Name, "type", "macvtap", "mode", "bridge"); err != nil {
			return err
		}
	case LinkKindTap:
		args := []string{"tuntap", "add", "dev", spec.Name, "mode", "tap", "vnet_hdr"}
		if spec.Owner != nil {
			args = append(args,
				"user", strconv.FormatUint(uint64(spec.Owner.UID), 10),
				"group", strconv.FormatUint(uint64(spec.Owner.GID), 10))
		}
		if err := c.run(ctx, args...); err != nil {
			return err
		}
	}

	if spec.HardwareAddr != "" {
		if err := c.run(ctx, "link", "set", spec.Name, "address", spec.HardwareAddr); err != nil {
			return err
		}
	}
	if spec.Master != "" {
		if err := c.run(ctx, "link", "set", spec.Name, "master", spec.Master); err != nil {
			return err
		}
	}
	return nil
}

// DeleteLink runs "ip link del <name>".
func (c *IPCommand) DeleteLink(ctx context.Context, name string) error {
	return c.run(ctx, "link", "del", name)
}

// SetLinkUp runs "ip link set <name> up".
func (c *IPCommand) SetLinkUp(ctx context.Context, name string) error {
	return c.run(ctx, "link", "set", name, "up")
}
