package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"sitepipe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ArtifactsDir = filepath.Join(base, "artifacts")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Dispatch.PollIntervalMS = 10
	cfgVal.Dispatch.RetryInitialMS = 10
	cfgVal.Dispatch.RetryMaxMS = 50

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithStageMode overrides the fan-out mode of one stage.
func WithStageMode(name, mode string) ConfigOption {
	return func(b *configBuilder) {
		sc := b.cfg.StageConfig(name)
		sc.Mode = mode
		b.cfg.Stages[name] = sc
	}
}

// WithStageScripts writes one shell script per stage, points the stage
// command at it, and returns the scripts' directory via the config base dir.
// Scripts see the SITEPIPE_* environment of a real run.
func WithStageScripts(scripts map[string]string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		for name, body := range scripts {
			target := filepath.Join(binDir, "sitepipe-"+name)
			content := []byte("#!/bin/sh\nset -e\n" + body + "\n")
			if err := os.WriteFile(target, content, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
			sc := b.cfg.StageConfig(name)
			sc.Command = []string{target}
			b.cfg.Stages[name] = sc
		}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
