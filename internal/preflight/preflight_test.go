package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"sitepipe/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckStageCommand(t *testing.T) {
	if r := CheckStageCommand("ocr", nil); r.Passed || r.Detail != "command not configured" {
		t.Fatalf("empty command: %#v", r)
	}
	if r := CheckStageCommand("ocr", []string{"sitepipe-no-such-binary"}); r.Passed {
		t.Fatalf("missing binary passed: %#v", r)
	}
	if r := CheckStageCommand("ocr", []string{"sh", "-c", "true"}); !r.Passed || r.Name != "Stage ocr" {
		t.Fatalf("sh should resolve: %#v", r)
	}
}

func TestCheckEndpoint(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ok.Close()
	if r := CheckEndpoint(context.Background(), "ntfy", ok.URL); !r.Passed {
		t.Fatalf("4xx should count as reachable: %#v", r)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	if r := CheckEndpoint(context.Background(), "ntfy", broken.URL); r.Passed {
		t.Fatalf("5xx should fail: %#v", r)
	}

	if r := CheckEndpoint(context.Background(), "ntfy", ""); r.Passed {
		t.Fatal("expected failure for missing URL")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Paths.ArtifactsDir = t.TempDir()
	for name, sc := range cfg.Stages {
		sc.Command = []string{"sh", "-c", "true"}
		cfg.Stages[name] = sc
	}

	results := RunAll(context.Background(), &cfg)
	// three directories plus five stages
	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %#v", failed)
	}
}

func TestRunAll_ReportsMissingCommandsAndTopic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Paths.ArtifactsDir = t.TempDir()
	cfg.Notifications.NtfyTopic = srv.URL

	results := RunAll(context.Background(), &cfg)
	found := false
	for _, r := range results {
		if r.Name == "ntfy topic" {
			found = true
			if !r.Passed {
				t.Errorf("ntfy check failed: %s", r.Detail)
			}
		}
	}
	if !found {
		t.Fatal("expected ntfy check in results")
	}
	if failed := Failed(results); len(failed) != 5 {
		t.Fatalf("expected the five unconfigured stages to fail, got %#v", failed)
	}
}
