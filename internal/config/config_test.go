package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harsh7274v/confiido-paywatch/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5000", cfg.API.BaseURL)
	assert.Equal(t, "file", cfg.Handled.Backend)
	assert.Equal(t, 2*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 20, cfg.PageLimit)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8082", cfg.Gateway.Addr)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paywatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://api.example.com
handled:
  backend: redis
redis:
  addr: redis.internal:6379
  db: 3
refresh_interval: 5m
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, "redis", cfg.Handled.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	// Untouched keys keep defaults.
	assert.Equal(t, time.Second, cfg.TickInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paywatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  base_url: https://file.example.com\n"), 0o600))

	t.Setenv("PAYWATCH_API_URL", "https://env.example.com")
	t.Setenv("PAYWATCH_TICK_INTERVAL", "250ms")
	t.Setenv("PAYWATCH_PAGE_LIMIT", "50")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.API.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 50, cfg.PageLimit)
}

func TestMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paywatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [not a mapping"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}
