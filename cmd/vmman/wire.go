//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/vmman/cmd/vmman/config"
	"github.com/onkernel/vmman/lib/machines"
	"github.com/onkernel/vmman/lib/providers"
)

// application struct to hold initialized components
type application struct {
	Ctx      context.Context
	Logger   *slog.Logger
	Config   *config.Config
	Registry *machines.Registry
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvideTelemetry,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvidePaths,
		providers.ProvideLinkManager,
		providers.ProvideHost,
		providers.ProvideLauncher,
		providers.ProvideRegistry,
		wire.Struct(new(application), "*"),
	))
}
