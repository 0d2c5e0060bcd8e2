package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sitepipe/internal/config"
	"sitepipe/internal/dispatch"
	"sitepipe/internal/status"
	"sitepipe/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()
	t.Setenv("SITEPIPE_DATABASE_DSN", "")
	cfg := testsupport.NewConfig(t, opts...)
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{cfg: cfg, configPath: configPath}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func mustRun(t *testing.T, env *cliTestEnv, args ...string) string {
	t.Helper()
	out, err := runCLI(t, env, args...)
	if err != nil {
		t.Fatalf("sitepipe %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out := mustRun(t, env, "config", "validate")
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "stages without a command")

	target := filepath.Join(t.TempDir(), "config.toml")
	out = mustRun(t, env, "config", "init", "--path", target)
	requireContains(t, out, "Sample configuration written to")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, err := runCLI(t, env, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	out = mustRun(t, env, "config", "show")
	requireContains(t, out, "[dispatch]")
}

func TestSitesAddListShow(t *testing.T) {
	env := setupCLITestEnv(t)

	out := mustRun(t, env, "sites", "add", "--id", "gazette", "https://gazette.test")
	requireContains(t, out, "Admitted site gazette at fetch (1 job(s) dispatched)")

	out = mustRun(t, env, "sites", "list")
	requireContains(t, out, "gazette")
	requireContains(t, out, "Fetch")
	requireContains(t, out, "1 site(s)")

	out = mustRun(t, env, "sites", "list", "--stage", "deploy")
	requireContains(t, out, "No sites")

	out = mustRun(t, env, "--json", "sites", "show", "gazette")
	var site status.SiteStatus
	if err := json.Unmarshal([]byte(out), &site); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if site.ID != "gazette" || site.State != status.StateAdvancing {
		t.Fatalf("site = %#v", site)
	}

	out = mustRun(t, env, "sites", "show", "gazette")
	requireContains(t, out, "== Site gazette ==")
	requireContains(t, out, "https://gazette.test")

	if _, err := runCLI(t, env, "sites", "show", "missing"); err == nil {
		t.Fatal("expected error for missing site")
	}
	if _, err := runCLI(t, env, "sites", "list", "--stage", "bogus"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestStatusAndJobs(t *testing.T) {
	env := setupCLITestEnv(t)
	mustRun(t, env, "sites", "add", "--id", "a", "src-a")
	mustRun(t, env, "sites", "add", "--id", "b", "src-b")

	out := mustRun(t, env, "--json", "status")
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if report.Sites.Total != 2 || report.Jobs[dispatch.StatusPending] != 2 || report.Daemon.Running {
		t.Fatalf("report = %#v", report)
	}

	out = mustRun(t, env, "status")
	requireContains(t, out, "not running")
	requireContains(t, out, "== Sites ==")
	requireContains(t, out, "== Jobs ==")

	out = mustRun(t, env, "jobs", "list", "a")
	requireContains(t, out, "item")
	requireContains(t, out, "Pending")

	out = mustRun(t, env, "jobs", "stats")
	requireContains(t, out, "Pending:")
}

func TestDBHealth(t *testing.T) {
	env := setupCLITestEnv(t)
	out := mustRun(t, env, "db", "health")
	requireContains(t, out, "Backend: sqlite")
	requireContains(t, out, "Integrity check: ok")
}

func TestReconcileRequiresStageCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, err := runCLI(t, env, "reconcile"); err == nil {
		t.Fatal("expected reconcile to fail without stage commands")
	}
}

func TestReconcileSweep(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithStageScripts(map[string]string{
		"fetch":   "true",
		"ocr":     "true",
		"compile": "true",
		"extract": "true",
		"deploy":  "true",
	}))
	mustRun(t, env, "sites", "add", "--id", "fresh", "src")

	out := mustRun(t, env, "reconcile")
	requireContains(t, out, "Examined 0 stale site(s)")

	out = mustRun(t, env, "reconcile", "--site", "fresh")
	requireContains(t, out, "Site fresh: none")
}

func TestTestNotify(t *testing.T) {
	env := setupCLITestEnv(t)
	out := mustRun(t, env, "test-notify")
	requireContains(t, out, "Notifications disabled")

	var titles []string
	topic := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		titles = append(titles, r.Header.Get("Title"))
		w.WriteHeader(http.StatusOK)
	}))
	defer topic.Close()

	env.cfg.Notifications.NtfyTopic = topic.URL
	data, err := env.cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(env.configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	out = mustRun(t, env, "test-notify")
	requireContains(t, out, "Test notification sent")
	if len(titles) != 1 || titles[0] != "sitepipe - Test" {
		t.Fatalf("topic received %v", titles)
	}
}

func TestPreflightReportsMissingCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	out, err := runCLI(t, env, "preflight")
	if err == nil || !strings.Contains(err.Error(), "5 preflight check(s) failed") {
		t.Fatalf("expected five failed checks, got %v", err)
	}
	requireContains(t, out, "== Preflight ==")
	requireContains(t, out, "Artifacts directory:")
	requireContains(t, out, "[ERROR] command not configured")
}

func TestLogsFiltersBySite(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.MkdirAll(env.cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}
	content := "INFO [api] site a – site admitted\nINFO [api] site b – site admitted\n    source: s3://b\nINFO [coordinator] site a (fetch) – stage advanced\n"
	if err := os.WriteFile(filepath.Join(env.cfg.Paths.LogDir, "sitepipe.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out := mustRun(t, env, "logs", "--site", "b")
	if out != "INFO [api] site b – site admitted\n    source: s3://b\n" {
		t.Fatalf("logs --site b = %q", out)
	}
	out = mustRun(t, env, "logs", "-n", "1")
	if out != "INFO [coordinator] site a (fetch) – stage advanced\n" {
		t.Fatalf("logs -n 1 = %q", out)
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	out := mustRun(t, env, "stop")
	requireContains(t, out, "Daemon is not running")
}
