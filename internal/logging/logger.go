package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// LogFileName is the daemon log file written under paths.log_dir.
const LogFileName = "sitepipe.log"

// Options describes logger construction parameters.
type Options struct {
	Level            string
	Format           string
	OutputPaths      []string
	ErrorOutputPaths []string
	Development      bool
	// SessionID, when set, is attached to every record as session_id along
	// with the process ID.
	SessionID string
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	level := parseLevel(opts.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	outputWriter, colour, err := openWriters(
		defaultSlice(opts.OutputPaths, []string{"stdout"}),
		defaultSlice(opts.ErrorOutputPaths, []string{"stderr"}),
	)
	if err != nil {
		return nil, err
	}

	addSource := opts.Development || level <= slog.LevelDebug

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = newJSONHandler(outputWriter, levelVar, addSource)
	case "console":
		handler = newPrettyHandler(outputWriter, levelVar, addSource, colour)
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	if sid := strings.TrimSpace(opts.SessionID); sid != "" {
		handler = withProcessIdentity(handler, sid)
	}

	return slog.New(handler), nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultSlice(value []string, fallback []string) []string {
	if len(value) == 0 {
		return append([]string(nil), fallback...)
	}
	return append([]string(nil), value...)
}

// openTarget maps a path to a writer. "stdout" and "stderr" name the process
// streams; anything else is a log file opened for append.
func openTarget(target string) (*os.File, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if dir := filepath.Dir(target); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", target, err)
	}
	return file, nil
}

// openWriters resolves output targets into a single writer. The boolean
// reports whether the only target is an interactive terminal. stderr is
// dropped when stdout is already a target so console lines are not doubled.
func openWriters(outputPaths []string, errorPaths []string) (io.Writer, bool, error) {
	var files []*os.File
	seen := make(map[string]bool)
	for _, path := range append(outputPaths, errorPaths...) {
		target := strings.TrimSpace(path)
		if target == "" || seen[target] || (target == "stderr" && seen["stdout"]) {
			continue
		}
		seen[target] = true
		file, err := openTarget(target)
		if err != nil {
			return nil, false, err
		}
		files = append(files, file)
	}

	switch len(files) {
	case 0:
		return os.Stdout, isTerminal(os.Stdout), nil
	case 1:
		return files[0], isTerminal(files[0]), nil
	}
	writers := make([]io.Writer, len(files))
	for i, f := range files {
		writers[i] = f
	}
	return io.MultiWriter(writers...), false, nil
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
