package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENGINE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, "http://localhost:8000", cfg.BackendURL)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.Backup.Enabled())
}

func TestLoadCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	t.Setenv("ENGINE_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.DirExists(t, cfg.DataDir)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENGINE_DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("BACKEND_URL", "https://engine.example.com/")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, "https://engine.example.com", cfg.BackendURL, "trailing slash should be trimmed")
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestBackendURLFallsBackToViteVar(t *testing.T) {
	t.Setenv("ENGINE_DATA_DIR", t.TempDir())
	t.Setenv("VITE_API_URL", "http://frontend-config:8000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://frontend-config:8000", cfg.BackendURL)
}

func TestBackupConfigRequiresBucketAndEndpoint(t *testing.T) {
	t.Setenv("ENGINE_DATA_DIR", t.TempDir())
	t.Setenv("BACKUP_S3_BUCKET", "engine-backups")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Backup)
	assert.False(t, cfg.Backup.Enabled(), "bucket without endpoint should stay disabled")

	t.Setenv("BACKUP_S3_ENDPOINT", "https://accountid.r2.cloudflarestorage.com")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.Backup.Enabled())
	assert.Equal(t, "auto", cfg.Backup.Region)
}
