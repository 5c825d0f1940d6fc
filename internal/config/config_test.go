package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Plan for Config System:
// - Default() returns valid configuration with all expected defaults
// - Load() uses defaults when no config file exists
// - Load() loads from .tracepost/config.yml when present
// - Load() merges config file with defaults
// - Environment variables override config file values
// - Load() returns error for invalid configuration values
// - Validate() rejects non-positive max_depth, bucket_size, batch_size
// - Validate() rejects empty storage path and bad glob patterns
// - CompileCallableFilter() matches configured globs and is nil without any

func TestDefault_ReturnsValidConfiguration(t *testing.T) {
	cfg := Default()

	require.NotNil(t, cfg)
	assert.Equal(t, 10, cfg.Trace.MaxDepth)
	assert.Equal(t, 10, cfg.Identity.BucketSize)
	assert.Equal(t, ".tracepost/runs.db", cfg.Storage.Path)
	assert.Equal(t, 500, cfg.Storage.BatchSize)
	assert.False(t, cfg.Storage.StoreUnusedModels)
	assert.Empty(t, cfg.Filters.Callables)

	assert.NoError(t, Validate(cfg))
}

func TestLoad_UsesDefaultsWhenNoConfigFile(t *testing.T) {
	tempDir := t.TempDir()

	cfg, err := NewLoader(tempDir).Load()

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_LoadsFromConfigYml(t *testing.T) {
	tempDir := t.TempDir()
	cfgDir := filepath.Join(tempDir, ".tracepost")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))

	configContent := `
trace:
  max_depth: 25

identity:
  bucket_size: 5

storage:
  path: /tmp/analysis.db
  batch_size: 100
  store_unused_models: true

filters:
  callables:
    - "app.views.*"
    - "app.api.*"
`
	configPath := filepath.Join(cfgDir, "config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := NewLoader(tempDir).Load()

	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Trace.MaxDepth)
	assert.Equal(t, 5, cfg.Identity.BucketSize)
	assert.Equal(t, "/tmp/analysis.db", cfg.Storage.Path)
	assert.Equal(t, 100, cfg.Storage.BatchSize)
	assert.True(t, cfg.Storage.StoreUnusedModels)
	assert.Equal(t, []string{"app.views.*", "app.api.*"}, cfg.Filters.Callables)
}

func TestLoad_PartialConfigMergesWithDefaults(t *testing.T) {
	tempDir := t.TempDir()
	cfgDir := filepath.Join(tempDir, ".tracepost")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))

	configContent := `
trace:
  max_depth: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yml"), []byte(configContent), 0644))

	cfg, err := NewLoader(tempDir).Load()

	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Trace.MaxDepth)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Identity.BucketSize, cfg.Identity.BucketSize)
	assert.Equal(t, Default().Storage.BatchSize, cfg.Storage.BatchSize)
}

func TestLoad_EnvironmentOverridesConfigFile(t *testing.T) {
	tempDir := t.TempDir()
	cfgDir := filepath.Join(tempDir, ".tracepost")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))

	configContent := `
trace:
  max_depth: 7
`
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yml"), []byte(configContent), 0644))

	t.Setenv("TRACEPOST_TRACE_MAX_DEPTH", "42")

	cfg, err := NewLoader(tempDir).Load()

	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Trace.MaxDepth)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	cfgDir := filepath.Join(tempDir, ".tracepost")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))

	configContent := `
identity:
  bucket_size: 0
`
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yml"), []byte(configContent), 0644))

	_, err := NewLoader(tempDir).Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket_size")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero max depth", func(c *Config) { c.Trace.MaxDepth = 0 }, "max_depth"},
		{"negative bucket size", func(c *Config) { c.Identity.BucketSize = -1 }, "bucket_size"},
		{"zero batch size", func(c *Config) { c.Storage.BatchSize = 0 }, "batch_size"},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad glob", func(c *Config) { c.Filters.Callables = []string{"app.[bad"} }, "pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompileCallableFilter(t *testing.T) {
	cfg := Default()
	cfg.Filters.Callables = []string{"app.views.*", "lib.db.execute"}

	match, err := cfg.CompileCallableFilter()
	require.NoError(t, err)
	require.NotNil(t, match)

	assert.True(t, match("app.views.login"))
	assert.True(t, match("lib.db.execute"))
	assert.False(t, match("app.models.user"))
}

func TestCompileCallableFilter_NilWithoutPatterns(t *testing.T) {
	match, err := Default().CompileCallableFilter()
	require.NoError(t, err)
	assert.Nil(t, match)
}
