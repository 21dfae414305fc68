package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Environment is the deployment tier the control plane manages.
type Environment string

const (
	EnvLab     Environment = "lab"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// InsecureLabKey is the well-known throwaway encryption key shipped in lab
// setups. Startup refuses it outside the lab environment.
const InsecureLabKey = "rosfleet-insecure-lab-key"

// Config holds the recognised control plane options. Every field can be
// overridden through a ROSFLEET_* environment variable.
type Config struct {
	Environment Environment

	// EncryptionKey is the process-wide symmetric key material used for
	// credential secrets. Loaded once at startup.
	EncryptionKey string

	// WriteEnvironments lists environments in which professional-tier
	// write tools may run. Defaults to lab and staging; prod must be
	// opted into explicitly.
	WriteEnvironments []Environment

	DatabaseDSN string
	ListenAddr  string

	SnapshotCaptureEnabled   bool
	SnapshotCaptureInterval  time.Duration
	SnapshotMaxSizeBytes     int64
	SnapshotCompressionLevel int
	SnapshotRetentionCount   int
	SnapshotUseShellFallback bool
	SnapshotConcurrency      int64

	RouterOSVerifySSL  bool
	RESTTimeout        time.Duration
	ShellExportTimeout time.Duration

	SessionTTL time.Duration

	// SessionSigningKey signs session tokens. Empty means a fresh random
	// key per process; issued tokens then die with the process.
	SessionSigningKey string
}

// Default returns the built-in defaults (lab environment, local SQLite).
func Default() *Config {
	return &Config{
		Environment:              EnvLab,
		EncryptionKey:            InsecureLabKey,
		WriteEnvironments:        []Environment{EnvLab, EnvStaging},
		DatabaseDSN:              "file:rosfleet.db?_pragma=foreign_keys(1)",
		ListenAddr:               ":8470",
		SnapshotCaptureEnabled:   true,
		SnapshotCaptureInterval:  time.Hour,
		SnapshotMaxSizeBytes:     10 << 20,
		SnapshotCompressionLevel: 6,
		SnapshotRetentionCount:   5,
		SnapshotUseShellFallback: true,
		SnapshotConcurrency:      5,
		RouterOSVerifySSL:        false,
		RESTTimeout:              15 * time.Second,
		ShellExportTimeout:       60 * time.Second,
		SessionTTL:               8 * time.Hour,
	}
}

// FromEnv returns the defaults overridden by environment variables.
func FromEnv() *Config {
	cfg := Default()
	cfg.Environment = Environment(envString("ROSFLEET_ENVIRONMENT", string(cfg.Environment)))
	cfg.EncryptionKey = envString("ROSFLEET_ENCRYPTION_KEY", cfg.EncryptionKey)
	cfg.DatabaseDSN = envString("ROSFLEET_DATABASE_DSN", cfg.DatabaseDSN)
	cfg.ListenAddr = envString("ROSFLEET_LISTEN_ADDR", cfg.ListenAddr)
	cfg.SnapshotCaptureEnabled = envBool("ROSFLEET_SNAPSHOT_CAPTURE_ENABLED", cfg.SnapshotCaptureEnabled)
	cfg.SnapshotCaptureInterval = envDuration("ROSFLEET_SNAPSHOT_CAPTURE_INTERVAL", cfg.SnapshotCaptureInterval)
	cfg.SnapshotMaxSizeBytes = int64(envInt("ROSFLEET_SNAPSHOT_MAX_SIZE_BYTES", int(cfg.SnapshotMaxSizeBytes)))
	cfg.SnapshotCompressionLevel = envInt("ROSFLEET_SNAPSHOT_COMPRESSION_LEVEL", cfg.SnapshotCompressionLevel)
	cfg.SnapshotRetentionCount = envInt("ROSFLEET_SNAPSHOT_RETENTION_COUNT", cfg.SnapshotRetentionCount)
	cfg.SnapshotUseShellFallback = envBool("ROSFLEET_SNAPSHOT_USE_SHELL_FALLBACK", cfg.SnapshotUseShellFallback)
	cfg.SnapshotConcurrency = int64(envInt("ROSFLEET_SNAPSHOT_CONCURRENCY", int(cfg.SnapshotConcurrency)))
	cfg.RouterOSVerifySSL = envBool("ROSFLEET_ROUTEROS_VERIFY_SSL", cfg.RouterOSVerifySSL)
	cfg.RESTTimeout = envDuration("ROSFLEET_REST_TIMEOUT", cfg.RESTTimeout)
	cfg.ShellExportTimeout = envDuration("ROSFLEET_SHELL_EXPORT_TIMEOUT", cfg.ShellExportTimeout)
	cfg.SessionTTL = envDuration("ROSFLEET_SESSION_TTL", cfg.SessionTTL)
	cfg.SessionSigningKey = envString("ROSFLEET_SESSION_SIGNING_KEY", cfg.SessionSigningKey)
	if v, ok := os.LookupEnv("ROSFLEET_ALLOW_PROD_WRITES"); ok {
		if allow, err := strconv.ParseBool(v); err == nil && allow {
			cfg.WriteEnvironments = append(cfg.WriteEnvironments, EnvProd)
		}
	}
	return cfg
}

// Validate checks cross-field invariants. It refuses the insecure lab
// encryption key outside the lab environment; callers must treat that as a
// startup abort.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvLab, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("invalid environment %q (want lab, staging or prod)", c.Environment)
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	if c.EncryptionKey == InsecureLabKey && c.Environment != EnvLab {
		return fmt.Errorf("insecure lab encryption key is not allowed in %s", c.Environment)
	}
	if c.SnapshotMaxSizeBytes <= 0 {
		return fmt.Errorf("snapshot max size must be positive")
	}
	if c.SnapshotRetentionCount < 1 {
		return fmt.Errorf("snapshot retention count must be at least 1")
	}
	if c.SnapshotConcurrency < 1 {
		return fmt.Errorf("snapshot concurrency must be at least 1")
	}
	return nil
}

// WritesAllowedIn reports whether professional-tier writes may run in env.
func (c *Config) WritesAllowedIn(env Environment) bool {
	for _, e := range c.WriteEnvironments {
		if e == env {
			return true
		}
	}
	return false
}

// WriteEnvironmentNames returns the allowed write environments for error
// messages.
func (c *Config) WriteEnvironmentNames() []string {
	names := make([]string, 0, len(c.WriteEnvironments))
	for _, e := range c.WriteEnvironments {
		names = append(names, string(e))
	}
	return names
}

func envString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err != nil {
			slog.With("key", key).With("value", value).With("error", err).Error("error converting to int, using default value")
			return defaultValue
		}
		return intValue
	}
	return defaultValue
}

func envBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			slog.With("key", key).With("value", value).With("error", err).Error("error parsing to bool, using default value")
			return defaultValue
		}
		return boolValue
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		durationValue, err := time.ParseDuration(value)
		if err != nil {
			slog.With("key", key).With("value", value).With("error", err).Error("error parsing to duration, using default value")
			return defaultValue
		}
		return durationValue
	}
	return defaultValue
}
