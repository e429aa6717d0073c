package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gemmtune.yaml")
		data := `
logger:
  verbosity: debug
tuning:
  maxTrials: 25
  duplicateInputs: true
  numericalCheck: true
device:
  memoryLimit: 1048576
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logger.Verbosity)
		assert.Equal(t, 25, cfg.Tuning.MaxTrials)
		assert.True(t, cfg.Tuning.DuplicateInputs)
		assert.True(t, cfg.Tuning.NumericalCheck)
		assert.Equal(t, int64(1048576), cfg.Device.MemoryLimit)
	})

	t.Run("partial config keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gemmtune.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logger:\n  verbosity: warn\n"), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logger.Verbosity)
		assert.Equal(t, 10, cfg.Tuning.MaxTrials)
		assert.True(t, cfg.Tuning.NumericalCheck)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("tuning: ["), 0o600))

		_, err := LoadConfig(path)
		require.Error(t, err)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Logger.Verbosity)
	assert.Equal(t, 10, cfg.Tuning.MaxTrials)
	assert.False(t, cfg.Tuning.DuplicateInputs)
	assert.True(t, cfg.Tuning.NumericalCheck)
	assert.Zero(t, cfg.Device.MemoryLimit)
}
