package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/onkernel/vmman/cmd/vmman/config"
	"github.com/onkernel/vmman/lib/hypervisor/qemu"
	"github.com/onkernel/vmman/lib/logger"
	"github.com/onkernel/vmman/lib/machines"
	"github.com/spf13/cobra"
)

// appFactory builds the application; wire's initializeApp in production.
type appFactory func() (*application, func(), error)

// aliases maps the names vmman can be linked as to the command they run.
var aliases = map[string]string{
	"vm-list": "list",
	"vm-run":  "run",
	"vm-init": "init",
}

// commandArgs turns argv into cobra arguments, mapping an alias invocation
// such as "vm-run win11" to "run win11".
func commandArgs(argv []string) []string {
	if len(argv) == 0 {
		return nil
	}
	if cmd, ok := aliases[filepath.Base(argv[0])]; ok {
		return append([]string{cmd}, argv[1:]...)
	}
	return argv[1:]
}

func newRootCmd(newApp appFactory) *cobra.Command {
	root := &cobra.Command{
		Use:   "vmman",
		Short: "Launch QEMU virtual machines from TOML descriptions",
		Long: `vmman starts QEMU machines described by TOML files in $VMCONF_DIR
(default $HOME/vm). Each [kind.name] table adds one device module.

"init" prepares host resources (links, VFIO bindings, device ownership) and
needs privilege. "run" initializes and starts the machine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newListCmd(newApp))
	root.AddCommand(newRunCmd(newApp))
	root.AddCommand(newInitCmd(newApp))
	root.AddCommand(newVersionCmd())
	return root
}

// withApp builds the application, runs fn with a signal-aware context and
// releases everything afterwards.
func withApp(newApp appFactory, fn func(ctx context.Context, app *application) error) error {
	app, cleanup, err := newApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, app)
}

func newListCmd(newApp appFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(newApp, func(ctx context.Context, app *application) error {
				for _, m := range app.Registry.List() {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s in %s\n", m.Name, m.Path)
				}
				return nil
			})
		},
	}
}

func newInitCmd(newApp appFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "init <machine>",
		Short: "Prepare host resources for a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(newApp, func(ctx context.Context, app *application) error {
				m, err := loadMachine(ctx, app.Registry, args[0])
				if err != nil {
					return err
				}
				if err := m.Init(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Machine %s initialized for %d:%d\n", m.Name, m.UID, m.GID)
				return nil
			})
		},
	}
}

func newRunCmd(newApp appFactory) *cobra.Command {
	var skipInit bool

	cmd := &cobra.Command{
		Use:   "run <machine>",
		Short: "Initialize and start a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(newApp, func(ctx context.Context, app *application) error {
				m, err := loadMachine(ctx, app.Registry, args[0])
				if err != nil {
					return err
				}
				if !skipInit {
					if err := m.Init(ctx); err != nil {
						return err
					}
				}
				result, err := m.Run(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, strings.Join(result.Args, " "))
				fmt.Fprintf(out, "Qemu started with pid %d\n", result.PID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&skipInit, "skip-init", false, "start without initializing host resources (already done by init)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print vmman and QEMU versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "vmman %s\n", cfg.Version)

			qemuVersion, err := qemu.NewStarter(cfg.QemuBin).GetVersion(cmd.Context())
			if err != nil {
				slog.Debug("qemu version unavailable", "error", err)
				qemuVersion = "unavailable"
			}
			fmt.Fprintf(out, "qemu %s (%s)\n", qemuVersion, cfg.QemuBin)
			return nil
		},
	}
}

func loadMachine(ctx context.Context, r *machines.Registry, name string) (*machines.Machine, error) {
	m, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).DebugContext(ctx, "machine loaded", "machine", m.Name, "modules", len(m.Modules))
	return m, nil
}
