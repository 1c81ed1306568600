// Package providers holds the wire providers that assemble vmman from its
// configuration.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onkernel/vmman/cmd/vmman/config"
	"github.com/onkernel/vmman/lib/devices"
	"github.com/onkernel/vmman/lib/hypervisor"
	"github.com/onkernel/vmman/lib/hypervisor/qemu"
	"github.com/onkernel/vmman/lib/logger"
	"github.com/onkernel/vmman/lib/machines"
	"github.com/onkernel/vmman/lib/modules"
	"github.com/onkernel/vmman/lib/network"
	"github.com/onkernel/vmman/lib/otel"
	"github.com/onkernel/vmman/lib/paths"
	"github.com/onkernel/vmman/lib/sysfs"
)

// shutdownTimeout bounds the final telemetry flush.
const shutdownTimeout = 5 * time.Second

// ProvideConfig provides the application configuration
func ProvideConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProvideTelemetry initializes OpenTelemetry. A failure degrades to the
// no-op providers instead of aborting the command.
func ProvideTelemetry(cfg *config.Config) (*otel.Provider, func()) {
	provider, shutdown, err := otel.Init(context.Background(), otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	})
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		provider, shutdown, _ = otel.Init(context.Background(), otel.Config{ServiceName: cfg.OtelServiceName})
	}
	return provider, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("error shutting down OpenTelemetry", "error", err)
		}
	}
}

// ProvideLogger provides a structured logger writing text to stderr, to
// per-machine files when LOG_DIR is set, and to OTel when enabled.
func ProvideLogger(cfg *config.Config, telemetry *otel.Provider) (*slog.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if cfg.LogDir != "" {
		maxSize, err := cfg.LogMaxSizeBytes()
		if err != nil {
			return nil, err
		}
		handler = logger.NewMachineLogHandler(handler, cfg.LogDir, maxSize)
	}

	log := slog.New(logger.Tee(handler, telemetry.LogHandler))
	slog.SetDefault(log)
	return log, nil
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvidePaths provides the host pseudo-filesystem paths
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.SysfsRoot, cfg.DevRoot)
}

// ProvideLinkManager provides the link backend selected by LINK_BACKEND,
// instrumented with the network meter.
func ProvideLinkManager(cfg *config.Config, telemetry *otel.Provider) (network.LinkManager, error) {
	links, err := network.NewLinkManager(cfg.LinkBackend)
	if err != nil {
		return nil, err
	}
	return network.Instrument(links, telemetry.MeterFor("vmman/network"))
}

// ProvideHost provides the host facilities modules operate on
func ProvideHost(cfg *config.Config, p *paths.Paths, links network.LinkManager) *modules.Host {
	return &modules.Host{
		Paths:     p,
		Links:     links,
		VFIO:      devices.NewVFIOBinder(p),
		Ownership: sysfs.NewOwnership(),
		Waiter:    network.NewNodeWaiter(cfg.DeviceNodeTimeout),
		OpenTap:   network.OpenTap,
	}
}

// ProvideLauncher provides the QEMU launcher
func ProvideLauncher(cfg *config.Config) hypervisor.Launcher {
	return qemu.NewStarter(cfg.QemuBin)
}

// ProvideRegistry provides the machine registry for VMCONF_DIR
func ProvideRegistry(ctx context.Context, cfg *config.Config, host *modules.Host, launcher hypervisor.Launcher, telemetry *otel.Provider) (*machines.Registry, error) {
	r, err := machines.NewRegistry(ctx, cfg.VMConfDir, host, launcher,
		telemetry.MeterFor("vmman/machines"), telemetry.TracerFor("vmman/machines"))
	if err != nil {
		return nil, fmt.Errorf("machine registry %s: %w", cfg.VMConfDir, err)
	}
	return r, nil
}
