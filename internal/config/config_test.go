package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat)
	assert.Equal(t, "shadowflow:changes", cfg.RedisChannel)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE", "memory")
	t.Setenv("WORKER_COUNT", "7")
	t.Setenv("SSE_HEARTBEAT", "2s")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 7, cfg.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("JWT_SECRET=from-file\nINTERNAL_API_KEY=k\n"), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, "k", cfg.InternalAPIKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": ""}},
		{"bad storage", map[string]string{"JWT_SECRET": "s", "STORAGE": "mongo"}},
		{"no workers", map[string]string{"JWT_SECRET": "s", "WORKER_COUNT": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("SHADOWFLOW_API", "http://tasks.local")
	t.Setenv("SHADOWFLOW_RECONNECT", "false")

	cfg, err := LoadClient(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "http://tasks.local", cfg.APIURL)
	assert.False(t, cfg.AutoReconnect)
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger := NewLogger(path, true)
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
