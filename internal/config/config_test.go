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
	t.Setenv(FileEnv, "")
	cfg, _, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, 15*time.Minute, cfg.API.PresignTTL)
	assert.Equal(t, "localhost:6379", cfg.Queue.RedisAddr)
	assert.Equal(t, "pixelfit-jobs", cfg.Storage.Bucket)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.GreaterOrEqual(t, cfg.Worker.Concurrency, 2)
	assert.GreaterOrEqual(t, cfg.Worker.MaxActiveJobs, 1)
	assert.Empty(t, cfg.Database.DSN)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 4, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 16384, cfg.Pipeline.MaxOutputSide)
	assert.Equal(t, int64(64<<20), cfg.Pipeline.MaxOutputPixels)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pixelfit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  addr: ":9090"
  presign_ttl: 2m
worker:
  concurrency: 3
log:
  level: debug
`), 0o644))

	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("WORKER_CONCURRENCY", "7")

	loader, err := NewLoader(path)
	require.NoError(t, err)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, 2*time.Minute, cfg.API.PresignTTL)
	assert.Equal(t, "redis:6380", cfg.Queue.RedisAddr)
	assert.Equal(t, 7, cfg.Worker.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestNewLoaderMissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
