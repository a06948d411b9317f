package catalogalias

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aliases.yaml")

	content := `
catalog_patterns:
  - pattern: "prusa{_}mk4{suffix*}"
    canonical: "prusa-mk4"
  - pattern: "pla{variant*}"
    canonical: "pla"
`
	err := os.WriteFile(configPath, []byte(content), 0o644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.CatalogPatterns, 2)
	assert.Equal(t, "prusa-mk4", cfg.CatalogPatterns[0].Canonical)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/aliases.yaml")

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.CatalogPatterns)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aliases.yaml")

	content := `
catalog_patterns:
  - pattern: [invalid yaml
`
	err := os.WriteFile(configPath, []byte(content), 0o644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.CatalogPatterns)
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aliases.yaml")

	err := os.WriteFile(configPath, []byte(""), 0o644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.CatalogPatterns)
}

func TestLoadConfig_NoPatternsKey(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "aliases.yaml")

	content := `
some_other_config:
  key: value
`
	err := os.WriteFile(configPath, []byte(content), 0o644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.CatalogPatterns)
}

func TestLoadConfigFromEnv_CustomPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom-aliases.yaml")

	content := `
catalog_patterns:
  - pattern: "abs{variant*}"
    canonical: "abs"
`
	err := os.WriteFile(configPath, []byte(content), 0o644)
	require.NoError(t, err)

	t.Setenv(ConfigPathEnvVar, configPath)

	cfg, err := LoadConfigFromEnv()

	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.CatalogPatterns, 1)
	assert.Equal(t, "abs", cfg.CatalogPatterns[0].Canonical)
}
