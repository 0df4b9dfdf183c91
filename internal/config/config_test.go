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
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORTSMITH_ENV", "")
	t.Setenv("PORT", "")
	t.Setenv("CHECK_WORKERS", "")
	t.Setenv("CACHE_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultCheckWorkers, cfg.CheckWorkers)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORTSMITH_ENV", "")
	t.Setenv("PORT", "8123")
	t.Setenv("CHECK_WORKERS", "4")
	t.Setenv("CACHE_TTL", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Port)
	assert.Equal(t, 4, cfg.CheckWorkers)
	assert.Equal(t, 45*time.Second, cfg.CacheTTL)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PORTSMITH_ENV", "")
	t.Setenv("PORT", "70000")

	_, err := Load()
	assert.Error(t, err)
}

func TestTestEnvUsesTempDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "/data")
	t.Setenv("PORTSMITH_ENV", "test")
	t.Setenv("PORT", "")
	t.Setenv("CHECK_WORKERS", "")
	t.Setenv("CACHE_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)
	defer os.RemoveAll(cfg.DataDir)

	assert.NotEqual(t, "/data", cfg.DataDir)
	assert.Contains(t, cfg.DatabasePath(), cfg.DataDir)
}

func TestYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	overlay := []byte("port: 9999\nlog_level: debug\ncheck_workers: 2\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "portsmith.yaml"), overlay, 0o644))

	t.Setenv("DATA_DIR", dir)
	t.Setenv("PORTSMITH_ENV", "")
	t.Setenv("PORT", "")
	t.Setenv("CHECK_WORKERS", "")
	t.Setenv("CACHE_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.CheckWorkers)
}
