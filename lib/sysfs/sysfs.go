// Package sysfs provides the small set of primitives used to inspect and
// drive kernel pseudo-filesystems: path construction, attribute reads,
// symlink resolution, control-file writes and device-file ownership.
package sysfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BuildPath joins item and suffix under root, e.g.
// BuildPath("/sys/class/net", "eth0", "ifindex").
// item is not validated; names come from trusted configuration.
func BuildPath(root, item string, suffix ...string) string {
	return filepath.Join(append([]string{root, item}, suffix...)...)
}

// Exists reports whether path exists. Symlinks are followed.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadAttr reads a sysfs attribute and trims surrounding whitespace.
func ReadAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadLinkBase returns the last element of a symlink target, e.g. the driver
// name behind /sys/bus/pci/devices/<addr>/driver. A missing link returns an
// error satisfying errors.Is(err, ErrNoLink).
func ReadLinkBase(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNoLink, path)
		}
		return "", fmt.Errorf("readlink %s: %w", path, err)
	}
	base := filepath.Base(target)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("readlink %s: unexpected target %q", path, target)
	}
	return base, nil
}

// WriteControl writes value to an existing control file. Control files are
// never created: a missing file means the kernel does not offer the knob.
func WriteControl(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoControlFile, path)
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("write %q to %s: %w", value, path, err)
	}
	return nil
}
