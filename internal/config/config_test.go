package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/journeys
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 100, cfg.Engine.BatchSize)
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.Equal(t, 30, cfg.Engine.StepTimeoutSecs)
	// Lease defaults to 2x the step timeout.
	assert.Equal(t, 60, cfg.Engine.LeaseSeconds)
	assert.Equal(t, 15, cfg.Sweeper.IntervalMinutes)
}

func TestLoad_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/journeys
engine:
  workers: 32
  lease_seconds: 90
  step_timeout_seconds: 20
ses:
  region: eu-west-1
  enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Engine.Workers)
	assert.Equal(t, 90, cfg.Engine.LeaseSeconds)
	assert.Equal(t, "eu-west-1", cfg.SES.Region)
	assert.True(t, cfg.SES.Enabled)
}

func TestValidate(t *testing.T) {
	t.Run("requires database url", func(t *testing.T) {
		cfg := &Config{}
		cfg.applyDefaults()
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects lease shorter than step timeout", func(t *testing.T) {
		cfg := &Config{}
		cfg.applyDefaults()
		cfg.Database.URL = "postgres://localhost/journeys"
		cfg.Engine.LeaseSeconds = 10
		cfg.Engine.StepTimeoutSecs = 30
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/journeys
`)
	t.Setenv("DATABASE_URL", "postgres://prod-host/journeys")
	t.Setenv("REDIS_URL", "redis://prod-redis:6379/0")
	t.Setenv("ENGINE_WORKERS", "16")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://prod-host/journeys", cfg.Database.URL)
	assert.Equal(t, "redis://prod-redis:6379/0", cfg.Redis.URL)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 16, cfg.Engine.Workers)
}
