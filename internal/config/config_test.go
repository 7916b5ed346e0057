package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultModel, cfg.ModelName)
	assert.True(t, cfg.Switches.BusinessCode)
	assert.True(t, cfg.Switches.FileCode)
	assert.True(t, cfg.Switches.FunctionCode)
	assert.Equal(t, DefaultEmbeddingModel, cfg.Embedding.Model)
	assert.Equal(t, DefaultEmbeddingDimension, cfg.Embedding.Dimension)
	assert.Equal(t, DefaultMaxConfirmationRounds, cfg.Pipeline.MaxConfirmationRounds)
	assert.Equal(t, DefaultClusteringRounds, cfg.Pipeline.ClusteringRounds)
	assert.Equal(t, DefaultMaxGroupSize, cfg.Pipeline.MaxGroupSize)
	assert.Equal(t, DefaultMaxWorkers, cfg.Pipeline.MaxWorkers)
}

func TestManagerLoadFromFiles_NoExistingFile(t *testing.T) {
	tempDir := t.TempDir()
	manager := &Manager{
		logger:        newMockLogger(),
		userConfigDir: filepath.Join(tempDir, "user"),
		sysConfigDirs: nil,
		config:        DefaultConfig(),
		viperInst:     createTestViper(),
	}

	require.NoError(t, manager.LoadFromFiles())
	assert.True(t, directoryExists(t, manager.userConfigDir))
	assert.True(t, fileExists(t, filepath.Join(manager.userConfigDir, ConfigFilename)))
	assert.Equal(t, DefaultModel, manager.GetConfig().ModelName)
}

func TestManagerLoadFromFiles_ExistingFileOverridesDefaults(t *testing.T) {
	tempDir := t.TempDir()
	userDir := filepath.Join(tempDir, "user")
	require.NoError(t, os.MkdirAll(userDir, 0755))

	yaml := `model: claude-test-model
switches:
  business_code: false
  file_code: true
  function_code: false
pipeline:
  max_confirmation_rounds: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(userDir, ConfigFilename), []byte(yaml), 0644))

	manager := &Manager{
		logger:        newMockLogger(),
		userConfigDir: userDir,
		config:        DefaultConfig(),
		viperInst:     createTestViper(),
	}

	require.NoError(t, manager.LoadFromFiles())
	cfg := manager.GetConfig()
	assert.Equal(t, "claude-test-model", cfg.ModelName)
	assert.False(t, cfg.Switches.BusinessCode)
	assert.True(t, cfg.Switches.FileCode)
	assert.False(t, cfg.Switches.FunctionCode)
	assert.Equal(t, 5, cfg.Pipeline.MaxConfirmationRounds)
}

func TestManagerMergeWithFlags(t *testing.T) {
	manager := &Manager{
		logger: newMockLogger(),
		config: DefaultConfig(),
	}

	flags := map[string]interface{}{
		"model":                   "flag-model",
		"pipeline.max_group_size": 99,
		"unknown_flag":            "ignored",
		"empty_flag":              "",
	}

	require.NoError(t, manager.MergeWithFlags(flags))
	assert.Equal(t, "flag-model", manager.config.ModelName)
	assert.Equal(t, 99, manager.config.Pipeline.MaxGroupSize)
}

func TestManagerEnsureAndWriteDefaultConfig(t *testing.T) {
	tempDir := t.TempDir()
	manager := &Manager{
		logger:        newMockLogger(),
		userConfigDir: filepath.Join(tempDir, "nested", "user"),
		config:        DefaultConfig(),
	}

	require.NoError(t, manager.EnsureConfigDirs())
	assert.True(t, directoryExists(t, manager.userConfigDir))

	require.NoError(t, manager.WriteDefaultConfig())
	configPath := filepath.Join(manager.userConfigDir, ConfigFilename)
	assert.True(t, fileExists(t, configPath))

	// Writing again is a no-op, not an error.
	require.NoError(t, manager.WriteDefaultConfig())
}
