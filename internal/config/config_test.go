package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Pool.MaxBrowsers)
	assert.Equal(t, 15, cfg.Pool.MaxContextsPerBrowser)
	assert.Equal(t, 30*time.Minute, cfg.Pool.ContextIdleTimeout)
	assert.Equal(t, time.Hour, cfg.Keepalive.Interval)
	assert.Equal(t, 2, cfg.Keepalive.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Keepalive.FailCooldown)
	assert.Equal(t, 1000, cfg.CookieQueue.Capacity)
	assert.Equal(t, 5*time.Minute, cfg.Tasks.NoTaskWait)
	assert.True(t, cfg.Tasks.FullCodeOnly)
	assert.False(t, cfg.Tasks.DevMode)
	assert.Equal(t, 7*24*time.Hour, cfg.Paths.SweepAge)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := []byte(`
coordinator:
  base_url: http://coordinator.internal:8000
pool:
  max_browsers: 4
keepalive:
  interval: 30m
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://coordinator.internal:8000", cfg.Coordinator.BaseURL)
	assert.Equal(t, 4, cfg.Pool.MaxBrowsers)
	assert.Equal(t, 30*time.Minute, cfg.Keepalive.Interval)
	// Untouched sections keep their defaults.
	assert.Equal(t, 15, cfg.Pool.MaxContextsPerBrowser)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DPAGENT_POOL_MAX_BROWSERS", "3")
	t.Setenv("DPAGENT_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pool.MaxBrowsers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadWindow(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Tasks.WorkWindowStart = 23
	cfg.Tasks.WorkWindowEnd = 8
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroPool(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Pool.MaxBrowsers = 0
	assert.Error(t, cfg.Validate())
}
