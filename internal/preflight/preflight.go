package preflight

import (
	"context"

	"sitepipe/internal/config"
	"sitepipe/internal/stage"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDirectoryAccess("Artifacts directory", cfg.Paths.ArtifactsDir),
	}

	for _, st := range stage.Pipeline() {
		results = append(results, CheckStageCommand(string(st), cfg.StageConfig(string(st)).Command))
	}

	if cfg.Notifications.NtfyTopic != "" {
		results = append(results, CheckEndpoint(ctx, "ntfy topic", cfg.Notifications.NtfyTopic))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
