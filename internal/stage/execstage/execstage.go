// Package execstage implements stage.Implementation by running an external
// command once per item.
package execstage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"sitepipe/internal/stage"
	"sitepipe/internal/stage/fsevidence"
)

const diagnosticTailBytes = 2048

// Invocation is one command execution.
type Invocation struct {
	Binary string
	Args   []string
	Env    []string
}

// Executor abstracts command execution for testability. It returns the tail
// of the command's stderr alongside any error.
type Executor interface {
	Run(ctx context.Context, inv Invocation) (string, error)
}

// Option configures the Runner.
type Option func(*Runner)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(r *Runner) {
		if exec != nil {
			r.exec = exec
		}
	}
}

// Runner runs a configured command for every item of one stage.
type Runner struct {
	stage        stage.Stage
	binary       string
	args         []string
	timeout      time.Duration
	artifactRoot string
	exec         Executor
}

// New constructs a Runner. command is the argv; timeout bounds each run and is
// disabled when zero.
func New(s stage.Stage, command []string, timeout time.Duration, artifactRoot string, opts ...Option) (*Runner, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, stage.Wrap(stage.ErrConfiguration, s, "configure", "command required", nil)
	}
	r := &Runner{
		stage:        s,
		binary:       strings.TrimSpace(command[0]),
		args:         append([]string(nil), command[1:]...),
		timeout:      timeout,
		artifactRoot: artifactRoot,
		exec:         commandExecutor{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes the command for item. Exit status 0 is success; anything else,
// including a timeout, is a failure whose diagnostic carries the stderr tail.
func (r *Runner) Run(ctx context.Context, item stage.Item) stage.Outcome {
	outDir, err := fsevidence.Dir(r.artifactRoot, item.SiteID, item.Stage)
	if err != nil {
		return stage.FailedWith(err.Error())
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return stage.FailedWith(fmt.Sprintf("create artifact directory: %v", err))
	}
	inDir := ""
	if prev, ok := item.Stage.Prev(); ok {
		if inDir, err = fsevidence.Dir(r.artifactRoot, item.SiteID, prev); err != nil {
			return stage.FailedWith(err.Error())
		}
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	inv := Invocation{
		Binary: r.binary,
		Args:   r.args,
		Env: append(os.Environ(),
			"SITEPIPE_SITE_ID="+item.SiteID,
			"SITEPIPE_STAGE="+string(item.Stage),
			"SITEPIPE_ITEM="+item.Key,
			"SITEPIPE_SOURCE="+item.Source,
			"SITEPIPE_INPUT_DIR="+inDir,
			"SITEPIPE_ARTIFACT_DIR="+outDir,
		),
	}
	tail, err := r.exec.Run(runCtx, inv)
	if err == nil {
		return stage.Succeeded()
	}

	marker := stage.ErrExternalTool
	message := "command failed"
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		marker = stage.ErrTimeout
		message = fmt.Sprintf("command exceeded %s", r.timeout)
	}
	wrapped := stage.Wrap(marker, item.Stage, r.binary, message, err)
	diagnostic := wrapped.Error()
	if tail = strings.TrimSpace(tail); tail != "" {
		diagnostic += ": " + tail
	}
	return stage.FailedWith(diagnostic)
}

// HealthCheck verifies the command can be found.
func (r *Runner) HealthCheck(context.Context) stage.Health {
	if _, err := exec.LookPath(r.binary); err != nil {
		return stage.Unhealthy(string(r.stage), fmt.Sprintf("%s not found in PATH", r.binary))
	}
	return stage.Healthy(string(r.stage))
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, inv Invocation) (string, error) {
	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...) //nolint:gosec
	cmd.Env = inv.Env
	var stderr tailBuffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// tailBuffer keeps only the last diagnosticTailBytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > diagnosticTailBytes {
		p = p[len(p)-diagnosticTailBytes:]
	}
	if over := t.buf.Len() + len(p) - diagnosticTailBytes; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
