package web

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JonMunkholm/MiniETL/internal/config"
	"github.com/JonMunkholm/MiniETL/internal/core"
	"github.com/JonMunkholm/MiniETL/internal/telemetry"
)

// stubExtractor serves a fixed batch. When block is set, Load waits on it.
type stubExtractor struct {
	calls    atomic.Int32
	lastLive atomic.Bool
	started  chan struct{}
	block    chan struct{}
	panics   bool
}

func (e *stubExtractor) Load(_ context.Context, preferLive bool) core.Extraction {
	e.calls.Add(1)
	e.lastLive.Store(preferLive)
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.block != nil {
		<-e.block
	}
	if e.panics {
		panic("stage exploded")
	}

	ext := core.Extraction{
		Provenance: core.Provenance{
			SourceURL: "https://randomuser.me/api/",
			FetchedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		},
		Records: []core.RawRecord{
			{
				ID:       core.Some("u1"),
				Name:     core.Some("Ann Lee"),
				Email:    core.Some("ann@example.com"),
				Location: core.Some(core.Location{City: core.Some("Oslo"), Country: core.Some("Norway")}),
				Age:      core.Some(31),
				Nat:      core.Some("NO"),
			},
			{ID: core.Some("u2"), Name: core.Some("Bo"), Email: core.Some("bo@example.com")},
			{ID: core.Some("u1"), Name: core.Some("Ann Again"), Email: core.Some("x@example.com")},
		},
	}
	if !preferLive {
		ext.SourceURL = "fallback://mock-data/etl.json"
		ext.FallbackUsed = true
		ext.Failure = &core.RetrievalFailure{Reason: core.ReasonDisabled}
	}
	return ext
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 10 * time.Second},
		Rate:   config.RateLimitConfig{Enabled: false},
	}
}

type testEnv struct {
	srv *Server
	ext *stubExtractor
	reg *prometheus.Registry
}

func newTestEnv(t *testing.T, cfg *config.Config, ext *stubExtractor, maxWait time.Duration) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	svc := core.NewService(ext, core.ServiceOptions{
		Observer: telemetry.New(reg),
		MaxWait:  maxWait,
	})
	srv := NewServer(svc, cfg, reg)
	t.Cleanup(func() {
		_ = svc.WaitForRuns(context.Background())
		_ = srv.Shutdown(context.Background())
	})
	return &testEnv{srv: srv, ext: ext, reg: reg}
}

func (e *testEnv) do(method, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandleCurrent_RunsOnFirstRequest(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubExtractor{}, 0)

	rec := env.do(http.MethodGet, "/api/etl")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	body := decode[map[string]any](t, rec)
	for _, key := range []string{"runId", "users", "metrics", "metricsSource", "sourceUrl", "fallbackUsed", "fetchedAt", "stages", "startedAt", "durationMs"} {
		if _, ok := body[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}
	if body["fallbackUsed"] != false || body["trigger"] != core.TriggerAPI {
		t.Errorf("fallbackUsed=%v trigger=%v", body["fallbackUsed"], body["trigger"])
	}

	// Second request serves the stored result without running again.
	env.do(http.MethodGet, "/api/etl/")
	if n := env.ext.calls.Load(); n != 1 {
		t.Errorf("extractor called %d times, want 1", n)
	}
}

func TestHandleRestart(t *testing.T) {
	tests := []struct {
		name         string
		method       string
		target       string
		wantLive     bool
		wantFallback bool
	}{
		{name: "get prefers live", method: http.MethodGet, target: "/api/etl/restart", wantLive: true},
		{name: "post prefers live", method: http.MethodPost, target: "/api/etl/restart", wantLive: true},
		{name: "live=false forces demo data", method: http.MethodPost, target: "/api/etl/restart?live=false", wantFallback: true},
		{name: "bad flag keeps default", method: http.MethodGet, target: "/api/etl/restart?live=maybe", wantLive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig(), &stubExtractor{}, 0)

			rec := env.do(tt.method, tt.target)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if got := env.ext.lastLive.Load(); got != tt.wantLive {
				t.Errorf("preferLive = %v, want %v", got, tt.wantLive)
			}

			res := decode[core.ProcessingResult](t, rec)
			if res.FallbackUsed != tt.wantFallback || res.Trigger != core.TriggerRestart {
				t.Errorf("fallbackUsed=%v trigger=%s", res.FallbackUsed, res.Trigger)
			}
			if tt.wantFallback && res.FallbackCode != "SRC001" {
				t.Errorf("fallbackCode = %q, want SRC001", res.FallbackCode)
			}
			if res.Metrics.RowsIn != 3 || res.Metrics.RowsOut != 2 || res.Metrics.DedupRemoved != 1 {
				t.Errorf("metrics = %+v", res.Metrics)
			}
		})
	}
}

func TestHandleMetrics(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubExtractor{}, 0)

	rec := env.do(http.MethodGet, "/api/etl/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got := decode[MetricsResponse](t, rec)
	want := core.Metrics{RowsIn: 3, RowsOut: 2, DedupRemoved: 1, Countries: 1, LastRecord: core.Some("u2")}
	if diff := cmp.Diff(want, got.Metrics); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
	if got.SourceURL != "https://randomuser.me/api/" || got.MetricsSource != core.MetricsComputed {
		t.Errorf("sourceUrl=%s metricsSource=%s", got.SourceURL, got.MetricsSource)
	}
}

func TestHandlePipeline(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubExtractor{}, 0)

	before := decode[PipelineResponse](t, env.do(http.MethodGet, "/api/etl/pipeline"))
	if diff := cmp.Diff(core.DefaultPipeline, before.Pipeline); diff != "" {
		t.Errorf("pipeline mismatch (-want +got):\n%s", diff)
	}
	if before.Stages == nil || len(before.Stages) != 0 {
		t.Errorf("stages before any run = %#v, want empty", before.Stages)
	}
	if env.ext.calls.Load() != 0 {
		t.Error("pipeline endpoint must not trigger a run")
	}

	env.do(http.MethodPost, "/api/etl/restart")
	after := decode[PipelineResponse](t, env.do(http.MethodGet, "/api/etl/pipeline"))
	if len(after.Stages) != 3 || after.RunID == "" {
		t.Fatalf("stages after run = %+v", after)
	}
	if msg := after.Stages[0].Message; msg != "Extract ▸ received 3 users (randomuser.me)" {
		t.Errorf("extract message = %q", msg)
	}
}

func TestHandleRuns(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubExtractor{}, 0)

	empty := decode[RunsResponse](t, env.do(http.MethodGet, "/api/etl/runs"))
	if empty.Runs == nil || empty.Limit != core.DefaultHistoryLimit {
		t.Errorf("empty history = %+v", empty)
	}

	first := decode[core.ProcessingResult](t, env.do(http.MethodPost, "/api/etl/restart"))
	second := decode[core.ProcessingResult](t, env.do(http.MethodPost, "/api/etl/restart?live=false"))

	tests := []struct {
		target    string
		wantIDs   []string
		wantLimit int
	}{
		{target: "/api/etl/runs", wantIDs: []string{second.RunID, first.RunID}, wantLimit: core.DefaultHistoryLimit},
		{target: "/api/etl/runs?limit=1", wantIDs: []string{second.RunID}, wantLimit: 1},
		{target: "/api/etl/runs?limit=0", wantIDs: []string{second.RunID, first.RunID}, wantLimit: core.DefaultHistoryLimit},
		{target: "/api/etl/runs?limit=9999", wantIDs: []string{second.RunID, first.RunID}, wantLimit: core.MaxHistoryLimit},
	}
	for _, tt := range tests {
		got := decode[RunsResponse](t, env.do(http.MethodGet, tt.target))
		var ids []string
		for _, r := range got.Runs {
			ids = append(ids, r.RunID)
		}
		if diff := cmp.Diff(tt.wantIDs, ids); diff != "" {
			t.Errorf("%s ids mismatch (-want +got):\n%s", tt.target, diff)
		}
		if got.Limit != tt.wantLimit {
			t.Errorf("%s limit = %d, want %d", tt.target, got.Limit, tt.wantLimit)
		}
	}
}

func TestHandleExportCSV(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubExtractor{}, 0)

	rec := env.do(http.MethodGet, "/api/etl/export.csv")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "mini-etl-users_") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rows, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		exportColumns,
		{"u1", "Ann Lee", "ann@example.com", "", "Oslo, Norway", "31", "", "NO", "true"},
		{"u2", "Bo", "bo@example.com", "", "", "", "", "", "true"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubExtractor{}, 0)

	health := decode[HealthResponse](t, env.do(http.MethodGet, "/healthz"))
	if health.Status != "ok" || health.LastRunID != "" || health.RunSlot.MaxConcurrent != 1 {
		t.Errorf("health = %+v", health)
	}

	env.do(http.MethodPost, "/api/etl/restart")

	rec := env.do(http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `etl_runs_total{outcome="live"} 1`) {
		t.Errorf("metrics exposition missing run counter:\n%s", rec.Body)
	}
}

func TestRestart_BusyReturns503(t *testing.T) {
	ext := &stubExtractor{started: make(chan struct{}, 1), block: make(chan struct{})}
	env := newTestEnv(t, testConfig(), ext, 20*time.Millisecond)

	done := make(chan int, 1)
	go func() { done <- env.do(http.MethodPost, "/api/etl/restart").Code }()
	<-ext.started

	rec := env.do(http.MethodPost, "/api/etl/restart?live=false")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decode[ErrorResponse](t, rec)
	if body.Code != "RUN001" || rec.Header().Get("Retry-After") == "" {
		t.Errorf("code=%s retry-after=%q", body.Code, rec.Header().Get("Retry-After"))
	}

	close(ext.block)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first restart status = %d", code)
	}
}

func TestRestart_PanicReturns500(t *testing.T) {
	env := newTestEnv(t, testConfig(), &stubExtractor{panics: true}, 0)

	rec := env.do(http.MethodGet, "/api/etl/restart")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body := decode[ErrorResponse](t, rec); body.Code != "RUN002" {
		t.Errorf("code = %s, want RUN002", body.Code)
	}
}

func TestRestart_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 100, RestartLimit: 1}
	env := newTestEnv(t, cfg, &stubExtractor{}, 0)

	if rec := env.do(http.MethodPost, "/api/etl/restart"); rec.Code != http.StatusOK {
		t.Fatalf("first restart status = %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/api/etl/restart")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second restart status = %d, want 429", rec.Code)
	}
	if body := decode[ErrorResponse](t, rec); body.Code != "RATE001" {
		t.Errorf("code = %s, want RATE001", body.Code)
	}

	// Other routes use the general limit.
	if rec := env.do(http.MethodGet, "/api/etl/metrics"); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	env := newTestEnv(t, cfg, &stubExtractor{}, 0)

	if rec := env.do(http.MethodGet, "/api/etl/pipeline"); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/etl/pipeline", "X-API-Key", "secret"); rec.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz should not need a key, got %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.Security.EnableCSP = true
	env := newTestEnv(t, cfg, &stubExtractor{}, 0)

	rec := env.do(http.MethodGet, "/healthz")
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrRunBusy, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: boom", core.ErrRunFailed), http.StatusInternalServerError},
		{context.Canceled, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
