// Package cmd wires the rosfleetd CLI: the serve daemon plus the
// operational helpers around it.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rosfleet.sh/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "rosfleetd",
	Short: "rosfleetd - control plane for RouterOS device fleets",
	Long: `rosfleetd manages a fleet of RouterOS devices: health polling,
configuration snapshots, and plan/approve/apply change rollouts with
batched execution and automatic rollback.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./rosfleet.toml)")

	rootCmd.AddCommand(
		serveCmd,
		migrateCmd,
		tokenCmd,
		versionCmd,
	)
}

// initConfig reads the config file and ROSFLEET_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("rosfleet")
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/rosfleet")
	}

	viper.SetEnvPrefix("ROSFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional; env and defaults cover everything.
	_ = viper.ReadInConfig()
}

func setDefaults() {
	defaults := config.Default()
	viper.SetDefault("environment", string(defaults.Environment))
	viper.SetDefault("encryption_key", defaults.EncryptionKey)
	viper.SetDefault("database_dsn", defaults.DatabaseDSN)
	viper.SetDefault("listen_addr", defaults.ListenAddr)
	viper.SetDefault("allow_prod_writes", false)
	viper.SetDefault("snapshot_capture_enabled", defaults.SnapshotCaptureEnabled)
	viper.SetDefault("snapshot_capture_interval", defaults.SnapshotCaptureInterval)
	viper.SetDefault("snapshot_max_size_bytes", defaults.SnapshotMaxSizeBytes)
	viper.SetDefault("snapshot_compression_level", defaults.SnapshotCompressionLevel)
	viper.SetDefault("snapshot_retention_count", defaults.SnapshotRetentionCount)
	viper.SetDefault("snapshot_use_shell_fallback", defaults.SnapshotUseShellFallback)
	viper.SetDefault("snapshot_concurrency", defaults.SnapshotConcurrency)
	viper.SetDefault("routeros_verify_ssl", defaults.RouterOSVerifySSL)
	viper.SetDefault("rest_timeout", defaults.RESTTimeout)
	viper.SetDefault("shell_export_timeout", defaults.ShellExportTimeout)
	viper.SetDefault("session_ttl", defaults.SessionTTL)
	viper.SetDefault("session_signing_key", "")
	viper.SetDefault("webhook_url", "")
	viper.SetDefault("webhook_secret", "")
	viper.SetDefault("smtp_addr", "")
	viper.SetDefault("smtp_from", "")
	viper.SetDefault("smtp_to", []string{})
}

// loadConfig builds the control plane configuration from viper.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	cfg.Environment = config.Environment(viper.GetString("environment"))
	cfg.EncryptionKey = viper.GetString("encryption_key")
	cfg.DatabaseDSN = viper.GetString("database_dsn")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.SnapshotCaptureEnabled = viper.GetBool("snapshot_capture_enabled")
	cfg.SnapshotCaptureInterval = viper.GetDuration("snapshot_capture_interval")
	cfg.SnapshotMaxSizeBytes = viper.GetInt64("snapshot_max_size_bytes")
	cfg.SnapshotCompressionLevel = viper.GetInt("snapshot_compression_level")
	cfg.SnapshotRetentionCount = viper.GetInt("snapshot_retention_count")
	cfg.SnapshotUseShellFallback = viper.GetBool("snapshot_use_shell_fallback")
	cfg.SnapshotConcurrency = viper.GetInt64("snapshot_concurrency")
	cfg.RouterOSVerifySSL = viper.GetBool("routeros_verify_ssl")
	cfg.RESTTimeout = viper.GetDuration("rest_timeout")
	cfg.ShellExportTimeout = viper.GetDuration("shell_export_timeout")
	cfg.SessionTTL = viper.GetDuration("session_ttl")
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	if viper.GetBool("allow_prod_writes") {
		cfg.WriteEnvironments = append(cfg.WriteEnvironments, config.EnvProd)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sessionTTL is a helper for commands that only need the token settings.
func sessionTTL() time.Duration {
	return viper.GetDuration("session_ttl")
}
