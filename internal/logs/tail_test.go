package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sitepipe/internal/logs"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sitepipe.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestTailLastLines(t *testing.T) {
	path := writeLog(t, "a\nb\nc\n")

	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "b" || result.Lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", result.Lines)
	}
	if result.Offset != 6 {
		t.Fatalf("offset = %d, want 6", result.Offset)
	}
}

func TestTailKeepsConsoleEntriesTogether(t *testing.T) {
	path := writeLog(t, strings.Join([]string{
		"2026-01-02 10:00:00 INFO [dispatch] site s1 (ocr) – job completed",
		"    job_id: 4",
		"2026-01-02 10:00:01 INFO [coordinator] site s2 (ocr) – stage advanced",
		"    next_stage: compile",
		"    items: 1",
		"2026-01-02 10:00:02 WARN [reconciler] site s1 (compile) – reconciler acting on stale site",
		"    action: redispatch",
		"",
	}, "\n"))

	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(result.Lines) != 2 || !strings.Contains(result.Lines[0], "reconciler acting") || result.Lines[1] != "    action: redispatch" {
		t.Fatalf("last entry = %#v", result.Lines)
	}

	result, err = logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 10, Match: logs.ForSite("s1")})
	if err != nil {
		t.Fatalf("tail filtered: %v", err)
	}
	if len(result.Lines) != 4 {
		t.Fatalf("site s1 entries = %#v", result.Lines)
	}
	for _, line := range result.Lines {
		if strings.Contains(line, "s2") || strings.Contains(line, "next_stage") {
			t.Fatalf("foreign entry leaked: %#v", result.Lines)
		}
	}
}

func TestForSiteMatchesJSONEntries(t *testing.T) {
	match := logs.ForSite("site-9")
	if !match(`{"time":"x","level":"INFO","msg":"stage advanced","site_id":"site-9"}`) {
		t.Fatal("expected JSON entry to match")
	}
	if match(`{"msg":"stage advanced","site_id":"site-90"}`) {
		t.Fatal("prefix of another site must not match")
	}
	if logs.ForSite("  ") != nil {
		t.Fatal("blank site should disable filtering")
	}
}

func TestTailMissingFile(t *testing.T) {
	result, err := logs.Tail(context.Background(), filepath.Join(t.TempDir(), "none.log"), logs.TailOptions{Offset: -1, Limit: 5})
	if err != nil || len(result.Lines) != 0 || result.Offset != 0 {
		t.Fatalf("missing file: %#v %v", result, err)
	}
}

func TestTailResetsOffsetAfterTruncate(t *testing.T) {
	path := writeLog(t, "fresh\n")
	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: 1000})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "fresh" {
		t.Fatalf("lines after truncate = %#v", result.Lines)
	}
}

func TestTailFollowWaits(t *testing.T) {
	path := writeLog(t, "start\n")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	result, err := logs.Tail(ctx, path, logs.TailOptions{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("initial tail: %v", err)
	}
	if len(result.Lines) != 1 {
		t.Fatalf("expected initial line, got %#v", result.Lines)
	}

	done := make(chan struct{})
	go func(offset int64) {
		defer close(done)
		res, err := logs.Tail(ctx, path, logs.TailOptions{Offset: offset, Follow: true, Wait: 5 * time.Second, Match: logs.ForSite("s1")})
		if err != nil {
			t.Errorf("follow tail error: %v", err)
		}
		if len(res.Lines) != 1 || !strings.Contains(res.Lines[0], "later") {
			t.Errorf("unexpected follow lines: %#v", res.Lines)
		}
	}(result.Offset)

	time.Sleep(200 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("INFO site s2 – other\nINFO site s1 – later\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	_ = f.Close()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tail follow did not return")
	}
}
