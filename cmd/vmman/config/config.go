package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/onkernel/vmman/lib/logger"
	"github.com/onkernel/vmman/lib/network"
)

type Config struct {
	QemuBin           string
	VMConfDir         string
	LinkBackend       string
	DeviceNodeTimeout time.Duration
	SysfsRoot         string
	DevRoot           string
	LogLevel          string
	LogDir            string
	LogMaxSize        string
	Env               string
	Version           string

	// OpenTelemetry configuration
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := &Config{
		QemuBin:           getEnv("QEMU_BIN", "/usr/bin/qemu-system-x86_64"),
		VMConfDir:         getEnv("VMCONF_DIR", defaultConfDir()),
		LinkBackend:       getEnv("LINK_BACKEND", network.BackendIP),
		DeviceNodeTimeout: getEnvDuration("DEVICE_NODE_TIMEOUT", network.DefaultNodeTimeout),
		SysfsRoot:         getEnv("SYSFS_ROOT", "/sys"),
		DevRoot:           getEnv("DEV_ROOT", "/dev"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogDir:            getEnv("LOG_DIR", ""),
		LogMaxSize:        getEnv("LOG_MAX_SIZE", "10MB"),
		Env:               getEnv("ENV", "unset"),
		Version:           getEnv("VERSION", "dev"),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "vmman"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", hostname),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
	}

	return cfg
}

// Validate checks values that are parsed later.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if _, err := c.LogMaxSizeBytes(); err != nil {
		return err
	}
	switch c.LinkBackend {
	case network.BackendIP, network.BackendNetlink:
	default:
		return fmt.Errorf("invalid LINK_BACKEND %q: want %q or %q", c.LinkBackend, network.BackendIP, network.BackendNetlink)
	}
	if c.DeviceNodeTimeout <= 0 {
		return fmt.Errorf("invalid DEVICE_NODE_TIMEOUT %s: must be positive", c.DeviceNodeTimeout)
	}
	return nil
}

// LogMaxSizeBytes parses LOG_MAX_SIZE.
func (c *Config) LogMaxSizeBytes() (datasize.ByteSize, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(c.LogMaxSize)); err != nil {
		return 0, fmt.Errorf("invalid LOG_MAX_SIZE %q: %w", c.LogMaxSize, err)
	}
	return size, nil
}

func defaultConfDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vm"
	}
	return filepath.Join(home, "vm")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
