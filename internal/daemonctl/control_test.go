package daemonctl

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/flock"
)

func testPaths(t *testing.T) Paths {
	t.Helper()
	dir := t.TempDir()
	return Paths{Lock: filepath.Join(dir, "sitepipe.lock"), PID: filepath.Join(dir, "sitepipe.pid")}
}

func TestRunningFollowsLock(t *testing.T) {
	p := testPaths(t)
	if running, err := Running(p); err != nil || running {
		t.Fatalf("fresh lock: running=%v err=%v", running, err)
	}
	held := flock.New(p.Lock)
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	defer held.Unlock()
	if running, err := Running(p); err != nil || !running {
		t.Fatalf("held lock: running=%v err=%v", running, err)
	}
}

func TestReadPID(t *testing.T) {
	p := testPaths(t)
	if _, err := ReadPID(p); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("missing pid file: %v", err)
	}
	if err := os.WriteFile(p.PID, []byte("garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(p); err == nil {
		t.Fatal("expected malformed pid error")
	}
	if err := os.WriteFile(p.PID, []byte("4242\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if pid, err := ReadPID(p); err != nil || pid != 4242 {
		t.Fatalf("pid=%d err=%v", pid, err)
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	if _, err := Stop(testPaths(t), time.Second); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestStopSignalsRecordedProcess(t *testing.T) {
	p := testPaths(t)
	child := exec.Command("sleep", "60")
	if err := child.Start(); err != nil {
		t.Skipf("sleep unavailable: %v", err)
	}
	if err := os.WriteFile(p.PID, []byte(strconv.Itoa(child.Process.Pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// the test holds the lock on the child's behalf until it exits
	held := flock.New(p.Lock)
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	exited := make(chan struct{})
	go func() {
		_ = child.Wait()
		_ = held.Unlock()
		close(exited)
	}()

	result, err := Stop(p, 5*time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.PID != child.Process.Pid || result.ForcedKill {
		t.Fatalf("result = %#v", result)
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
}
