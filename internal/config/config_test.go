package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note: t.Parallel() is intentionally omitted in this package.
// These tests share process-global environment variables; t.Setenv would
// race with any concurrent reader.

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "bumblebee-conductor", cfg.Telemetry.ServiceName)
	assert.Equal(t, "db", cfg.Postgres.Host)
	assert.Equal(t, "redis", cfg.Redis.Host)
	assert.Equal(t, 60*time.Second, cfg.Readiness.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Readiness.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Queue.LeaseDuration)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.LeadershipTTL)
	assert.False(t, cfg.Migrate.OnStart)
	assert.False(t, cfg.Debug)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONDUCTOR_SERVER_PORT", "9090")
	t.Setenv("CONDUCTOR_POSTGRES_HOST", "my-db")
	t.Setenv("CONDUCTOR_QUEUE_MAX_ATTEMPTS", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "my-db", cfg.Postgres.Host)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
}

func TestLoad_LegacyEnvAliases(t *testing.T) {
	t.Setenv("DB_HOST", "legacy-db")
	t.Setenv("DB_USER", "vmadmin")
	t.Setenv("DB_PASSWORD", "hunter2")
	t.Setenv("REDIS_HOST", "legacy-redis")
	t.Setenv("DEBUG", "true")
	t.Setenv("MIGRATE_ON_START", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "legacy-db", cfg.Postgres.Host)
	assert.Equal(t, "vmadmin", cfg.Postgres.User)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, "legacy-redis", cfg.Redis.Host)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.Migrate.OnStart)
}

func TestLoad_PrefixedWinsOverLegacy(t *testing.T) {
	t.Setenv("DB_HOST", "legacy-db")
	t.Setenv("CONDUCTOR_POSTGRES_HOST", "prefixed-db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "prefixed-db", cfg.Postgres.Host)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	content := []byte(`
server:
  port: 8123
scheduler:
  tick_interval: 1s
  entries:
    - name: expiry-sweep
      type: expiry.check
      payload: '{"stage":"all"}'
      every: 10m
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	require.Len(t, cfg.Scheduler.Entries, 1)
	assert.Equal(t, "expiry-sweep", cfg.Scheduler.Entries[0].Name)
	assert.Equal(t, "expiry.check", cfg.Scheduler.Entries[0].Type)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Entries[0].Every)
}

func TestLoad_InvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/conductor.yaml")
	assert.Error(t, err)
}
