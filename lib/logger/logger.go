// Package logger provides slog helpers: a logger carried in context and a
// handler that mirrors machine-scoped records to per-machine log files.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

type contextKey string

const loggerKey contextKey = "logger"

// MachineKey is the attribute that scopes a record to one machine.
const MachineKey = "machine"

// AddToContext adds a logger to the context
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or returns default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithMachine returns a context whose logger tags every record with the
// machine name.
func WithMachine(ctx context.Context, name string) context.Context {
	return AddToContext(ctx, FromContext(ctx).With(MachineKey, name))
}

// ParseLevel converts a LOG_LEVEL value (debug, info, warn, error).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
