package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsInsecureKeyOutsideLab(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Environment = EnvStaging
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure lab encryption key")

	cfg.EncryptionKey = "a-real-key"
	require.NoError(t, cfg.Validate())

	cfg.EncryptionKey = ""
	assert.Error(t, cfg.Validate())

	cfg.EncryptionKey = "a-real-key"
	cfg.Environment = "qa"
	assert.Error(t, cfg.Validate())
}

func TestValidateSnapshotBounds(t *testing.T) {
	cfg := Default()
	cfg.SnapshotMaxSizeBytes = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SnapshotRetentionCount = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SnapshotConcurrency = 0
	assert.Error(t, cfg.Validate())
}

func TestWritesAllowedIn(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.WritesAllowedIn(EnvLab))
	assert.True(t, cfg.WritesAllowedIn(EnvStaging))
	assert.False(t, cfg.WritesAllowedIn(EnvProd))

	cfg.WriteEnvironments = append(cfg.WriteEnvironments, EnvProd)
	assert.True(t, cfg.WritesAllowedIn(EnvProd))
	assert.Equal(t, []string{"lab", "staging", "prod"}, cfg.WriteEnvironmentNames())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ROSFLEET_ENVIRONMENT", "staging")
	t.Setenv("ROSFLEET_ENCRYPTION_KEY", "staging-key")
	t.Setenv("ROSFLEET_SESSION_TTL", "30m")
	t.Setenv("ROSFLEET_SNAPSHOT_RETENTION_COUNT", "9")
	t.Setenv("ROSFLEET_ALLOW_PROD_WRITES", "true")

	cfg := FromEnv()
	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "staging-key", cfg.EncryptionKey)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 9, cfg.SnapshotRetentionCount)
	assert.True(t, cfg.WritesAllowedIn(EnvProd))
	require.NoError(t, cfg.Validate())
}
