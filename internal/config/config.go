// Package config loads tracepost configuration from .tracepost/config.yml
// with environment variable overrides.
package config

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Config is the complete tracepost configuration.
type Config struct {
	Trace    TraceConfig    `yaml:"trace" mapstructure:"trace"`
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Filters  FiltersConfig  `yaml:"filters" mapstructure:"filters"`
}

// TraceConfig bounds trace construction.
type TraceConfig struct {
	MaxDepth int `yaml:"max_depth" mapstructure:"max_depth"` // breadth-first expansion depth cap
}

// IdentityConfig controls issue handle derivation.
type IdentityConfig struct {
	BucketSize int `yaml:"bucket_size" mapstructure:"bucket_size"` // coarse location bucket width in lines
}

// StorageConfig defines the run store and write behavior.
type StorageConfig struct {
	Path              string `yaml:"path" mapstructure:"path"`                               // sqlite database path
	BatchSize         int    `yaml:"batch_size" mapstructure:"batch_size"`                   // rows per insert batch
	StoreUnusedModels bool   `yaml:"store_unused_models" mapstructure:"store_unused_models"` // retain models with no trace content
}

// FiltersConfig restricts which issues are processed.
type FiltersConfig struct {
	Callables []string `yaml:"callables" mapstructure:"callables"` // glob patterns over callable signatures
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Trace:    TraceConfig{MaxDepth: 10},
		Identity: IdentityConfig{BucketSize: 10},
		Storage: StorageConfig{
			Path:      ".tracepost/runs.db",
			BatchSize: 500,
		},
	}
}

// Validate checks a loaded configuration.
func Validate(cfg *Config) error {
	if cfg.Trace.MaxDepth <= 0 {
		return fmt.Errorf("trace.max_depth must be positive, got %d", cfg.Trace.MaxDepth)
	}
	if cfg.Identity.BucketSize <= 0 {
		return fmt.Errorf("identity.bucket_size must be positive, got %d", cfg.Identity.BucketSize)
	}
	if cfg.Storage.BatchSize <= 0 {
		return fmt.Errorf("storage.batch_size must be positive, got %d", cfg.Storage.BatchSize)
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	for _, pattern := range cfg.Filters.Callables {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid filters.callables pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// CompileCallableFilter turns the configured glob patterns into a match
// function over callable signatures. With no patterns it returns nil,
// meaning every issue is processed.
func (c *Config) CompileCallableFilter() (func(string) bool, error) {
	if len(c.Filters.Callables) == 0 {
		return nil, nil
	}
	globs := make([]glob.Glob, 0, len(c.Filters.Callables))
	for _, pattern := range c.Filters.Callables {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filters.callables pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return func(callable string) bool {
		for _, g := range globs {
			if g.Match(callable) {
				return true
			}
		}
		return false
	}, nil
}
