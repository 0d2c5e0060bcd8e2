package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"sitepipe/internal/logging"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(content)
}

func TestSessionIdentityIsStamped(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), logging.LogFileName)
	logger, err := logging.New(logging.Options{Format: "console", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}, SessionID: "session-1"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("daemon started")

	content := readLog(t, logPath)
	if !strings.Contains(content, "daemon started") {
		t.Fatalf("expected message in log file, got %q", content)
	}
	if !strings.Contains(content, "session_id: session-1") {
		t.Fatalf("expected session id in log file, got %q", content)
	}
	if !strings.Contains(content, "pid: "+strconv.Itoa(os.Getpid())) {
		t.Fatalf("expected pid in log file, got %q", content)
	}
}

func TestConsoleLoggerLiftsSiteAndStage(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.NewComponentLogger(logger, "coordinator").Info("stage advanced",
		logging.String(logging.FieldSiteID, "s1"),
		logging.String(logging.FieldStage, "ocr"),
		logging.Int("dispatched", 3),
	)

	content := readLog(t, logPath)
	if !strings.Contains(content, "[coordinator] site s1 (ocr) – stage advanced") {
		t.Fatalf("unexpected header: %q", content)
	}
	if !strings.Contains(content, "    dispatched: 3") {
		t.Fatalf("expected field line, got %q", content)
	}
	if strings.Contains(content, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
	if strings.Contains(content, "\x1b[") {
		t.Fatalf("expected no colour codes in file output, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("message with caller")

	if content := readLog(t, logPath); !strings.Contains(content, ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestJSONLoggerShape(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("json message", logging.String("k", "v"), logging.Duration("took", 1500*time.Millisecond), logging.Error(nil))

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, logPath))), &entry); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "json message" || entry["k"] != "v" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %#v", entry)
	}
	if entry["took"] != "1.5s" {
		t.Fatalf("duration = %#v", entry["took"])
	}
	if _, ok := entry["error"]; ok {
		t.Fatalf("nil error should be omitted, got %#v", entry)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := logging.WithSiteID(context.Background(), "site-9")
	ctx = logging.WithStage(ctx, "extract")
	ctx = logging.WithItemKey(ctx, "page-2.txt")
	logging.WithContext(ctx, logger).Info("contextual log")

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, logPath))), &entry); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if entry[logging.FieldSiteID] != "site-9" || entry[logging.FieldStage] != "extract" || entry[logging.FieldItemKey] != "page-2.txt" {
		t.Fatalf("missing context fields: %#v", entry)
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}, ErrorOutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "claim released", "claim_released", logging.String(logging.FieldImpact, "site retried"))

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(readLog(t, logPath))), &entry); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if entry[logging.FieldEventType] != "claim_released" || entry[logging.FieldImpact] != "site retried" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if entry[logging.FieldErrorHint] == nil {
		t.Fatalf("expected default error hint, got %#v", entry)
	}
}

func TestPruneLogsKeepsActiveAndRecent(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.AddDate(0, 0, -30)

	write := func(name string, mod time.Time) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
		return path
	}
	active := write("sitepipe.log", old)
	stale := write("sitepipe-2026-01-01.log", old)
	recent := write("sitepipe-2026-10-18.log", now)
	other := write("notes.txt", old)

	removed := logging.PruneLogs(logging.NewNop(), dir, "sitepipe*.log", active, 14, now)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale log removed, stat err=%v", err)
	}
	for _, path := range []string{active, recent, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s kept: %v", path, err)
		}
	}
}
