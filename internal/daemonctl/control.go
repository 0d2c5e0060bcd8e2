// Package daemonctl starts, inspects and stops a background sitepipe daemon
// from the CLI. Liveness is judged by the daemon's single-instance lock and
// the pid file it writes while holding it.
package daemonctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// ErrDaemonNotRunning indicates no process holds the daemon lock.
var ErrDaemonNotRunning = errors.New("daemon not running")

const pollInterval = 100 * time.Millisecond

// Paths locates the files a daemon instance owns.
type Paths struct {
	Lock string
	PID  string
}

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

// StartState names the outcome of Start.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State StartState
	PID   int
}

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// Running reports whether some process holds the daemon lock.
func Running(p Paths) (bool, error) {
	lock := flock.New(p.Lock)
	ok, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe daemon lock: %w", err)
	}
	if !ok {
		return true, nil
	}
	_ = lock.Unlock()
	return false, nil
}

// ReadPID returns the pid recorded by the running daemon.
func ReadPID(p Paths) (int, error) {
	data, err := os.ReadFile(p.PID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrDaemonNotRunning
		}
		return 0, fmt.Errorf("read daemon pid file %q: %w", p.PID, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon pid file %q is malformed", p.PID)
	}
	return pid, nil
}

// Launch starts a detached "sitepipe serve" process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}
	args := []string{"serve"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// Start launches the daemon unless one is already running, then waits up to
// timeout for it to take the lock and record its pid.
func Start(p Paths, executablePath string, opts LaunchOptions, timeout time.Duration) (StartResult, error) {
	running, err := Running(p)
	if err != nil {
		return StartResult{}, err
	}
	if running {
		pid, _ := ReadPID(p)
		return StartResult{State: StartStateAlreadyRunning, PID: pid}, nil
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if running, err := Running(p); err == nil && running {
			if pid, err := ReadPID(p); err == nil {
				return StartResult{State: StartStateStarted, PID: pid}, nil
			}
		}
		time.Sleep(pollInterval)
	}
	return StartResult{}, fmt.Errorf("daemon did not start within %s; see sitepipe logs", timeout)
}

// Stop sends SIGTERM to the daemon and waits up to grace for it to release
// the lock, then falls back to SIGKILL.
func Stop(p Paths, grace time.Duration) (StopResult, error) {
	running, err := Running(p)
	if err != nil {
		return StopResult{}, err
	}
	if !running {
		return StopResult{}, ErrDaemonNotRunning
	}
	pid, err := ReadPID(p)
	if err != nil {
		return StopResult{}, err
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return StopResult{}, fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	result := StopResult{PID: pid}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return result, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	if waitForRelease(p, grace) {
		return result, nil
	}
	if err := proc.Kill(); err != nil {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	result.ForcedKill = true
	if err := os.Remove(p.PID); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("remove pid file %q: %w", p.PID, err)
	}
	return result, nil
}

func waitForRelease(p Paths, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if running, err := Running(p); err == nil && !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
