package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"sitepipe/internal/api"
	"sitepipe/internal/dispatch"
	"sitepipe/internal/pipeline"
	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
	"sitepipe/internal/status"
	"sitepipe/internal/testsupport"
)

type fixture struct {
	store  *sites.Store
	queue  *dispatch.Queue
	router http.Handler
}

func newFixture(t *testing.T, opts ...api.ServerOption) fixture {
	t.Helper()
	store := testsupport.MustOpenStore(t)
	queue := testsupport.MustOpenQueue(t, store.DB())
	svc := api.Services{
		Status:   status.NewService(store, time.Hour),
		Admitter: pipeline.NewAdmitter(store, stage.NewPlanner(nil), queue, nil),
		Store:    store,
		Stages: func(context.Context) []stage.Health {
			return []stage.Health{stage.Healthy("fetch")}
		},
		Jobs: queue.Stats,
	}
	return fixture{store: store, queue: queue, router: api.NewRouter(svc, opts...)}
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestAdmitAndQuerySite(t *testing.T) {
	f := newFixture(t)

	w := do(t, f.router, http.MethodPost, "/api/sites", `{"id":"docs","source":"https://docs.test"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("admit status = %d body=%s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/api/sites/docs" {
		t.Fatalf("location = %q", loc)
	}
	admitted := decode[api.AdmitResponse](t, w)
	if admitted.Dispatched != 1 || admitted.Site.Stage != stage.Fetch || admitted.Site.State != status.StateAdvancing {
		t.Fatalf("admit response = %#v", admitted)
	}

	w = do(t, f.router, http.MethodGet, "/api/sites/docs", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decode[api.SiteResponse](t, w)
	if got.Site.ID != "docs" || got.Site.Source != "https://docs.test" {
		t.Fatalf("site = %#v", got.Site)
	}

	w = do(t, f.router, http.MethodGet, "/api/jobs", "", nil)
	jobs := decode[api.JobStatsResponse](t, w)
	if jobs.Jobs[dispatch.StatusPending] != 1 {
		t.Fatalf("jobs = %#v", jobs.Jobs)
	}
}

func TestAdmitErrors(t *testing.T) {
	f := newFixture(t)
	if w := do(t, f.router, http.MethodPost, "/api/sites", `{"id":"dup"}`, nil); w.Code != http.StatusCreated {
		t.Fatalf("first admit = %d", w.Code)
	}
	cases := []struct {
		name string
		body string
		want int
	}{
		{"duplicate", `{"id":"dup"}`, http.StatusConflict},
		{"bad id", `{"id":"../x"}`, http.StatusBadRequest},
		{"malformed", `{"id":`, http.StatusBadRequest},
		{"unknown field", `{"id":"x","priority":1}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(t, f.router, http.MethodPost, "/api/sites", tc.body, nil); w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestListSitesFiltersByStage(t *testing.T) {
	f := newFixture(t)
	testsupport.MustCreateSite(t, f.store, "a", 1)
	testsupport.MustSiteAt(t, f.store, "b", stage.Compile, 1)

	w := do(t, f.router, http.MethodGet, "/api/sites?stage=compile", "", nil)
	list := decode[api.SiteListResponse](t, w)
	if list.Count != 1 || list.Sites[0].ID != "b" {
		t.Fatalf("list = %#v", list)
	}

	w = do(t, f.router, http.MethodGet, "/api/sites", "", nil)
	if list := decode[api.SiteListResponse](t, w); list.Count != 2 {
		t.Fatalf("unfiltered count = %d", list.Count)
	}

	if w := do(t, f.router, http.MethodGet, "/api/sites?stage=bogus", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus stage status = %d", w.Code)
	}
	if w := do(t, f.router, http.MethodGet, "/api/sites?limit=-1", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d", w.Code)
	}
}

func TestGetMissingSite(t *testing.T) {
	f := newFixture(t)
	if w := do(t, f.router, http.MethodGet, "/api/sites/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	testsupport.MustCreateSite(t, f.store, "a", 1)
	testsupport.MustCreateSite(t, f.store, "b", 1)

	w := do(t, f.router, http.MethodGet, "/api/summary", "", nil)
	summary := decode[status.Summary](t, w)
	if summary.Total != 2 || summary.ByStage[stage.Fetch] != 2 {
		t.Fatalf("summary = %#v", summary)
	}
}

func TestBearerToken(t *testing.T) {
	f := newFixture(t, api.WithToken("s3cret"))

	if w := do(t, f.router, http.MethodGet, "/api/summary", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", w.Code)
	}
	if w := do(t, f.router, http.MethodGet, "/api/summary", "", map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", w.Code)
	}
	if w := do(t, f.router, http.MethodGet, "/api/summary", "", map[string]string{"Authorization": "Bearer s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", w.Code)
	}
	if w := do(t, f.router, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz should not need a token, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := do(t, f.router, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	health := decode[api.HealthResponse](t, w)
	if !health.Healthy || health.Database.IntegrityCheck != "ok" || len(health.Stages) != 1 {
		t.Fatalf("health = %#v", health)
	}

	unready := api.NewRouter(api.Services{
		Status: status.NewService(f.store, time.Hour),
		Store:  f.store,
		Stages: func(context.Context) []stage.Health {
			return []stage.Health{stage.Unhealthy("ocr", "command not found")}
		},
	})
	if w := do(t, unready, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unready status = %d", w.Code)
	}
}

func TestMetricsMount(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("sitepipe_claims_total 1\n"))
	})
	f := newFixture(t, api.WithMetrics("/metrics", metrics))
	w := do(t, f.router, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "sitepipe_claims_total") {
		t.Fatalf("metrics = %d %q", w.Code, w.Body.String())
	}
}

func TestTailLogs(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "sitepipe.log")
	content := `{"level":"INFO","msg":"site admitted","site_id":"a"}
{"level":"INFO","msg":"site admitted","site_id":"b"}
{"level":"INFO","msg":"stage advanced","site_id":"a"}
`
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	store := testsupport.MustOpenStore(t)
	router := api.NewRouter(api.Services{
		Status:  status.NewService(store, time.Hour),
		Store:   store,
		LogPath: logPath,
	})

	w := do(t, router, http.MethodGet, "/api/logs?site=a", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	resp := decode[api.LogResponse](t, w)
	if len(resp.Lines) != 2 || !strings.Contains(resp.Lines[1], "stage advanced") {
		t.Fatalf("lines = %#v", resp.Lines)
	}
	if resp.Offset != int64(len(content)) {
		t.Fatalf("offset = %d, want %d", resp.Offset, len(content))
	}

	w = do(t, router, http.MethodGet, "/api/logs?offset="+strconv.FormatInt(resp.Offset, 10), "", nil)
	if got := decode[api.LogResponse](t, w); len(got.Lines) != 0 || got.Offset != resp.Offset {
		t.Fatalf("poll at end = %#v", got)
	}

	if w := do(t, router, http.MethodGet, "/api/logs?limit=-1", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", w.Code)
	}
	f := newFixture(t)
	if w := do(t, f.router, http.MethodGet, "/api/logs", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unconfigured log status = %d", w.Code)
	}
}
