package modules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// DefaultMemPath backs guest memory with hugepages unless mempath is set.
const DefaultMemPath = "/dev/hugepages"

// base carries the machine-wide options: machine type, CPU, memory and display.
type base struct {
	info
	machine string
	smp     string
	mem     string
	cpu     string
	memPath string
	smbios  string
	vga     string
	display string
	serial  string
}

func newBase(s Section, _ *Host) (Module, error) {
	m := &base{info: info{kind: s.Kind, name: s.Name}}

	var err error
	if m.machine, err = s.String("machine"); err != nil {
		return nil, err
	}
	if m.smp, err = s.String("smp"); err != nil {
		return nil, err
	}
	if m.mem, err = s.String("mem"); err != nil {
		return nil, err
	}
	if err := validateMem(m.mem); err != nil {
		return nil, fmt.Errorf("%w: %s: mem %q: %v", ErrInvalidValue, m, m.mem, err)
	}

	optional := []struct {
		key string
		dst *string
	}{
		{"cpu", &m.cpu},
		{"mempath", &m.memPath},
		{"smbios", &m.smbios},
		{"vga", &m.vga},
		{"display", &m.display},
		{"serial", &m.serial},
	}
	for _, o := range optional {
		if *o.dst, _, err = s.OptionalString(o.key); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *base) LaunchArgs(ctx context.Context, l *Launch) ([]string, error) {
	memPath := m.memPath
	if memPath == "" {
		memPath = DefaultMemPath
	}

	args := []string{
		"-machine", m.machine,
		"-smp", m.smp,
		"-m", m.mem,
		"-mem-path", memPath,
	}
	if m.cpu != "" {
		args = append(args, "-cpu", m.cpu)
	}
	if m.smbios != "" {
		args = append(args, "-smbios", m.smbios)
	}
	if m.serial != "" {
		args = append(args, "-serial", m.serial)
	}
	return append(args,
		"-vga", orNone(m.vga),
		"-display", orNone(m.display),
	), nil
}

// qemuSize is a size as qemu accepts it for -m: a number with an optional
// single-letter binary suffix. A bare number means MiB to qemu.
var qemuSize = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[kKmMgGtTpP]?$`)

// validateMem checks mem against the -m grammar
// [size=]SIZE[,slots=N][,maxmem=SIZE]. The value itself is passed through.
func validateMem(mem string) error {
	for i, part := range strings.Split(mem, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			if i != 0 {
				return fmt.Errorf("unexpected %q", part)
			}
			key, value = "size", part
		}
		switch key {
		case "size", "maxmem":
			if err := validateSize(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		case "slots":
			if _, err := strconv.ParseUint(value, 10, 32); err != nil {
				return fmt.Errorf("slots: %q is not a count", value)
			}
		default:
			return fmt.Errorf("unknown option %q", key)
		}
	}
	return nil
}

func validateSize(v string) error {
	if !qemuSize.MatchString(v) {
		return fmt.Errorf("%q is not a size (suffixes K, M, G, T, P)", v)
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("%q must be positive", v)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
