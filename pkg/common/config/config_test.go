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

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 5*time.Second, cfg.Engine.DefaultMergeTimeout)
	assert.Equal(t, 1000, cfg.Engine.MaxBatchOperations)
	assert.Equal(t, 1.0, cfg.Engine.Detector.OverlapWeight)
	assert.Equal(t, 50.0, cfg.RateLimit.OperationsPerSecond)
	assert.Equal(t, 64<<10, cfg.AI.MaxPayloadBytes)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
environment: production
engine:
  default_merge_timeout: 2s
  detector:
    overlap_weight: 1.5
database:
  dsn: postgres://localhost/meshsync
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 2*time.Second, cfg.Engine.DefaultMergeTimeout)
	assert.Equal(t, 1.5, cfg.Engine.Detector.OverlapWeight)
	assert.Equal(t, "postgres://localhost/meshsync", cfg.Database.DSN)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1000, cfg.Engine.MaxBatchOperations)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
