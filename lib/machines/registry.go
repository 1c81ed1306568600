package machines

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/onkernel/vmman/lib/hypervisor"
	"github.com/onkernel/vmman/lib/logger"
	"github.com/onkernel/vmman/lib/modules"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ConfigExt is the extension of machine configuration files.
const ConfigExt = ".toml"

// Registry indexes the machine configurations found in one directory.
// It is built once and not refreshed.
type Registry struct {
	dir      string
	machines map[string]*Machine
	metrics  *Metrics
}

// NewRegistry scans dir for configuration files. Entries that are not
// regular files, or whose names are not valid UTF-8, are skipped.
// Contents are not read until a machine is loaded. meter and tracer may be nil.
func NewRegistry(ctx context.Context, dir string, host *modules.Host, launcher hypervisor.Launcher, meter metric.Meter, tracer trace.Tracer) (*Registry, error) {
	log := logger.FromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read machine configuration directory: %w", err)
	}

	r := &Registry{dir: dir, machines: make(map[string]*Machine)}
	if meter != nil {
		metrics, err := newMachineMetrics(meter, tracer, r)
		if err != nil {
			return nil, fmt.Errorf("create machine metrics: %w", err)
		}
		r.metrics = metrics
	}

	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !utf8.ValidString(name) || filepath.Ext(name) != ConfigExt {
			continue
		}
		machineName := strings.TrimSuffix(name, ConfigExt)
		if machineName == "" {
			continue
		}
		path, err := securejoin.SecureJoin(dir, name)
		if err != nil {
			log.DebugContext(ctx, "skipping configuration", "file", name, "error", err)
			continue
		}
		r.machines[machineName] = newMachine(machineName, path, host, launcher, r.metrics)
	}

	log.DebugContext(ctx, "machine registry loaded", "dir", dir, "machines", len(r.machines))
	return r, nil
}

// Dir returns the scanned directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Get returns the machine with the given name.
func (r *Registry) Get(name string) (*Machine, error) {
	m, ok := r.machines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (in %s)", ErrNotFound, name, r.dir)
	}
	return m, nil
}

// List returns all machines sorted by name.
func (r *Registry) List() []*Machine {
	machines := lo.Values(r.machines)
	sort.Slice(machines, func(i, j int) bool { return machines[i].Name < machines[j].Name })
	return machines
}
