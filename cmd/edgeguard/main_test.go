package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"edgeguard/edge-service/internal/circuitbreaker"
	"edgeguard/edge-service/internal/config"
	"edgeguard/edge-service/internal/metrics"
	"edgeguard/edge-service/internal/rate"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestApp(t *testing.T, limiter rate.Limiter) *app {
	t.Helper()
	cfg := config.Default()
	if limiter == nil {
		limiter = rate.NewFixedWindow(cfg.RateLimit.MaxRequests, cfg.Window())
	}
	a := newApp(cfg, limiter)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.Decision, metrics.PipelineFaults, metrics.NoncesIssued, metrics.RateLimitTracked)
	a.gatherer = reg
	return a
}

func TestRoutes_Health(t *testing.T) {
	h := newTestApp(t, nil).routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id middleware not applied")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var st healthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("readyz body: %v", err)
	}
	if rec.Code != http.StatusOK || st.Components["rate_store"] != "ok" || st.Components["upstream"] != "none" {
		t.Fatalf("readyz = %d %+v", rec.Code, st)
	}
	if _, ok := st.Components["rate_store_breaker"]; ok {
		t.Error("memory backend has no breaker")
	}
}

func TestRoutes_ReadyDegradedWhenBreakerOpen(t *testing.T) {
	cb := circuitbreaker.New("readyz-test", circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1})
	cb.RecordFailure()
	g := rate.NewGuarded(rate.NewFixedWindow(1, 0), cb, rate.FailOpen, 1)

	rec := httptest.NewRecorder()
	newTestApp(t, g).routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
	var st healthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("readyz body: %v", err)
	}
	if st.Components["rate_store"] != "degraded" || st.Components["rate_store_breaker"] != "open" {
		t.Errorf("components = %v", st.Components)
	}
}

func TestRoutes_ErrorPageThroughPipeline(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestApp(t, nil).routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/error?message=hola", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hola") {
		t.Fatalf("error page = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("error page should carry the pipeline CSP")
	}
}

func TestRoutes_PipelineWithoutUpstream(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	r.Header.Set("User-Agent", "curl/8.4.0")
	newTestApp(t, nil).routes().ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked agent = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	newTestApp(t, nil).routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rec.Code != http.StatusNotFound || rec.Header().Get("X-Nonce") == "" {
		t.Fatalf("pass without upstream = %d nonce=%q", rec.Code, rec.Header().Get("X-Nonce"))
	}
}

func TestRoutes_ErrorSubpathIsRateLimited(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := config.Default()
	cfg.RateLimit.MaxRequests = 1
	cfg.Upstream.Origin = upstream.URL
	a := newApp(cfg, rate.NewFixedWindow(cfg.RateLimit.MaxRequests, cfg.Window()))
	a.gatherer = prometheus.NewRegistry()
	h := a.routes()

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		r := httptest.NewRequest(http.MethodGet, "/error/anything", nil)
		r.Header.Set("X-Forwarded-For", "1.2.3.4")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		codes[rec.Code]++
	}
	if codes[http.StatusOK] != 1 || codes[http.StatusTemporaryRedirect] != 9 {
		t.Fatalf("status counts = %v, want 1x200 and 9x307", codes)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("upstream hits = %d, want 1", n)
	}
}

func TestAdminStats(t *testing.T) {
	h := newTestApp(t, nil).routes()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/about", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	var body struct {
		Decisions struct {
			ByOutcome map[string]float64 `json:"by_outcome"`
		} `json:"decisions"`
		System struct {
			Version string `json:"version"`
		} `json:"system"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Decisions.ByOutcome["continue"] < 1 {
		t.Errorf("expected at least one continue decision, got %v", body.Decisions.ByOutcome)
	}
	if body.System.Version != version {
		t.Errorf("version = %q", body.System.Version)
	}
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgeguard.yaml")
	if err := os.WriteFile(path, []byte("rate_limit:\n  max_requests: 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "limit=5/60s") {
		t.Errorf("unexpected output %q", out.String())
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("rate_store:\n  backend: redis\n"), 0o600)
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", bad})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation error for redis without url")
	}
}
