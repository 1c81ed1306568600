// Package machines loads machine configurations and drives their lifecycle:
// Load parses the configuration into modules, Init prepares host resources
// with privilege and Run starts the hypervisor.
package machines

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/onkernel/vmman/lib/hypervisor"
	"github.com/onkernel/vmman/lib/logger"
	"github.com/onkernel/vmman/lib/modules"
	"github.com/onkernel/vmman/lib/sysfs"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// AccelArg enables hardware virtualization; it always leads the argument vector.
const AccelArg = "-enable-kvm"

// Machine is one named virtual machine and the modules it is built from.
type Machine struct {
	Name string
	Path string

	// UID and GID own the configuration file and receive the machine's
	// device files. Set by Load.
	UID uint32
	GID uint32

	Modules []modules.Module

	host     *modules.Host
	launcher hypervisor.Launcher
	metrics  *Metrics
	loaded   bool
}

// RunResult describes a started hypervisor.
type RunResult struct {
	PID  int
	Args []string
}

func newMachine(name, path string, host *modules.Host, launcher hypervisor.Launcher, metrics *Metrics) *Machine {
	return &Machine{
		Name:     name,
		Path:     path,
		host:     host,
		launcher: launcher,
		metrics:  metrics,
	}
}

// Owner returns the identity device files are handed to.
func (m *Machine) Owner() modules.Owner {
	return modules.Owner{UID: m.UID, GID: m.GID}
}

// Load parses the configuration file. Every [kind.name] table becomes one
// module, in the order the tables appear in the file. The file's owner
// becomes the machine owner.
func (m *Machine) Load(ctx context.Context) error {
	ctx = logger.WithMachine(ctx, m.Name)
	log := logger.FromContext(ctx)

	if m.loaded {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, m.Name)
	}

	ctx, span := m.metrics.startSpan(ctx, "LoadMachine", attribute.String("machine", m.Name))
	defer span.End()

	data, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("read configuration: %w", err)
	}

	var raw map[string]any
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedConfig, m.Path, err)
	}

	sections, err := orderedSections(raw, md)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedConfig, m.Path, err)
	}

	uid, gid, err := sysfs.Owner(m.Path)
	if err != nil {
		return fmt.Errorf("configuration owner: %w", err)
	}

	mods := make([]modules.Module, 0, len(sections))
	for _, s := range sections {
		mod, err := modules.New(s, m.host)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create module")
			return fmt.Errorf("%s: %w", m.Name, err)
		}
		mods = append(mods, mod)
	}

	m.UID, m.GID = uid, gid
	m.Modules = mods
	m.loaded = true

	log.DebugContext(ctx, "machine loaded", "path", m.Path, "modules", len(mods), "owner", m.Owner().String())
	return nil
}

// orderedSections flattens the decoded document into module sections in
// declaration order. Every top-level value must be a table of tables.
func orderedSections(raw map[string]any, md toml.MetaData) ([]modules.Section, error) {
	tables := make(map[[2]string]map[string]any)
	for kind, v := range raw {
		group, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s must be a table of named sections, got %T", kind, v)
		}
		for name, sv := range group {
			section, ok := sv.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s.%s must be a table, got %T", kind, name, sv)
			}
			tables[[2]string{kind, name}] = section
		}
	}

	// MetaData.Keys lists every key in declaration order; the first time a
	// two-element prefix shows up is where that section was declared.
	order := lo.Uniq(lo.FilterMap(md.Keys(), func(k toml.Key, _ int) ([2]string, bool) {
		if len(k) < 2 {
			return [2]string{}, false
		}
		_, ok := tables[[2]string{k[0], k[1]}]
		return [2]string{k[0], k[1]}, ok
	}))

	// Keys always covers every table; sort anything left over for stability.
	rest := lo.Filter(lo.Keys(tables), func(k [2]string, _ int) bool { return !lo.Contains(order, k) })
	sort.Slice(rest, func(i, j int) bool {
		return rest[i][0]+"."+rest[i][1] < rest[j][0]+"."+rest[j][1]
	})
	order = append(order, rest...)

	return lo.Map(order, func(k [2]string, _ int) modules.Section {
		return modules.Section{Kind: modules.Kind(k[0]), Name: k[1], Values: tables[k]}
	}), nil
}

// Init runs every module's Init in declaration order as the machine owner.
// The first failure aborts; nothing already created is rolled back.
func (m *Machine) Init(ctx context.Context) (err error) {
	ctx = logger.WithMachine(ctx, m.Name)
	log := logger.FromContext(ctx)

	if !m.loaded {
		return fmt.Errorf("%w: %s", ErrNotLoaded, m.Name)
	}

	start := time.Now()
	ctx, span := m.metrics.startSpan(ctx, "InitMachine", attribute.String("machine", m.Name))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "init failed")
		}
		span.End()
		m.metrics.recordInit(ctx, start, err)
	}()

	owner := m.Owner()
	log.InfoContext(ctx, "initializing resources with configuration owner", "uid", owner.UID, "gid", owner.GID)

	for _, mod := range m.Modules {
		if err := m.initModule(ctx, mod, owner); err != nil {
			log.ErrorContext(ctx, "module init failed", "kind", mod.Kind(), "module", mod.Name(), "error", err)
			return fmt.Errorf("init %s.%s: %w", mod.Kind(), mod.Name(), err)
		}
	}

	log.InfoContext(ctx, "machine initialized", "modules", len(m.Modules))
	return nil
}

func (m *Machine) initModule(ctx context.Context, mod modules.Module, owner modules.Owner) error {
	ctx, span := m.metrics.startSpan(ctx, "InitModule",
		attribute.String("kind", string(mod.Kind())),
		attribute.String("module", mod.Name()))
	defer span.End()

	logger.FromContext(ctx).InfoContext(ctx, "initializing module", "kind", mod.Kind(), "module", mod.Name())
	err := mod.Init(ctx, owner)
	m.metrics.recordModuleInit(ctx, string(mod.Kind()), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "module init failed")
	}
	return err
}

// Run assembles the argument vector and starts the hypervisor. Descriptors
// opened for the child are closed on every path once the spawn is done.
func (m *Machine) Run(ctx context.Context) (result *RunResult, err error) {
	ctx = logger.WithMachine(ctx, m.Name)
	log := logger.FromContext(ctx)

	if !m.loaded {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, m.Name)
	}

	start := time.Now()
	ctx, span := m.metrics.startSpan(ctx, "RunMachine", attribute.String("machine", m.Name))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
		}
		span.End()
		m.metrics.recordRun(ctx, start, err)
	}()

	launch := modules.NewLaunch()
	cu := cleanup.Make(func() {
		if err := launch.Close(); err != nil {
			log.WarnContext(ctx, "failed to close launch descriptors", "error", err)
		}
	})
	defer cu.Clean()

	args := []string{AccelArg}
	for _, mod := range m.Modules {
		modArgs, err := mod.LaunchArgs(ctx, launch)
		if err != nil {
			return nil, fmt.Errorf("launch args for %s.%s: %w", mod.Kind(), mod.Name(), err)
		}
		args = append(args, modArgs...)
	}
	log.InfoContext(ctx, "starting hypervisor", "hypervisor", m.launcher.Type(), "args", strings.Join(args, " "))

	pid, err := m.launcher.Launch(ctx, args, launch.Files())
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "hypervisor started", "pid", pid)
	span.SetAttributes(attribute.Int("pid", pid))

	for _, mod := range m.Modules {
		mod.PostLaunch(ctx)
	}
	return &RunResult{PID: pid, Args: args}, nil
}
