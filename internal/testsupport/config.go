// Package testsupport provides shared helpers for package tests: temp-dir
// backed configs and store constructors with cleanup registered.
package testsupport

import (
	"path/filepath"
	"testing"

	"skylift/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.MediaRoot = filepath.Join(base, "media")
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Drive.Cookie = "UID=test; CID=test; SEID=test"
	cfg.Upload.Mappings = []config.PathMapping{
		{Local: cfg.Paths.MediaRoot, Remote: "/Media"},
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMappings overrides the upload path mappings on the test config.
func WithMappings(mappings ...config.PathMapping) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Upload.Mappings = mappings
	}
}

// WithShareDisabled turns off share creation for the test config.
func WithShareDisabled() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Share.Enabled = false
	}
}
