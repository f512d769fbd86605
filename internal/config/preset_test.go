package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
presets:
  - name: fast
    backends: [haiku]
  - name: thorough
    backends: [haiku, sonnet, layout]
    priority:
      llm: 3
      docai: 1
`), 0o644))

	presets, err := LoadPresets(path)
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.Equal(t, []string{"haiku"}, presets["fast"].Backends)
	assert.Equal(t, 3, presets["thorough"].Priority["llm"])
}

func TestLoadPresets_MissingFileIsEmpty(t *testing.T) {
	presets, err := LoadPresets("")
	require.NoError(t, err)
	assert.Empty(t, presets)

	presets, err = LoadPresets(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, presets)
}

func TestLoadPresets_NamelessPresetRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presets:\n  - backends: [haiku]\n"), 0o644))

	_, err := LoadPresets(path)
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	dir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(dir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "fs", cfg.Artifact.Backend)
	assert.Equal(t, 3, cfg.Decompose.MaxDepth)
	assert.Equal(t, 262144, cfg.Context.MaxBytes)
	assert.Equal(t, 0.01, cfg.Merge.DivergenceTolerance)
	assert.Equal(t, 0.005, cfg.Merge.RelativeTolerance)
	assert.Equal(t, 2, cfg.Merge.Priority["llm"])
	assert.Equal(t, 0.9, cfg.Pipeline.AutoApproveThreshold)
	assert.Equal(t, 8080, cfg.Server.Port)
}
