package main

import (
	"net/http"
	"time"

	"edgeguard/edge-service/internal/circuitbreaker"
	"edgeguard/edge-service/internal/config"
	"edgeguard/edge-service/internal/httputil"
	"edgeguard/edge-service/internal/pipeline"
	"edgeguard/edge-service/internal/proxy"
	"edgeguard/edge-service/internal/rate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

type app struct {
	cfg      *config.Config
	limiter  rate.Limiter
	orch     *pipeline.Orchestrator
	proxy    *proxy.Handler
	gatherer prometheus.Gatherer
}

func newApp(cfg *config.Config, limiter rate.Limiter) *app {
	return &app{
		cfg:      cfg,
		limiter:  limiter,
		orch:     pipeline.New(cfg, limiter),
		proxy:    proxy.NewHandler(cfg),
		gatherer: prometheus.DefaultGatherer,
	}
}

// routes mounts the service endpoints directly and sends everything else
// through the pipeline.
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/healthz", withCommonHeaders(http.HandlerFunc(a.handleHealth)))
	mux.Handle("/readyz", withCommonHeaders(http.HandlerFunc(a.handleReady)))
	mux.Handle("/metrics", withCommonHeaders(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
	mux.Handle("/admin/stats", withCommonHeaders(http.HandlerFunc(a.handleAdminStats)))

	mux.Handle(a.cfg.Routes.ErrorRoute, a.orch.Middleware(pipeline.ErrorPage()))
	mux.Handle("/", a.orch.Middleware(a.proxy))

	return httputil.Chain(mux,
		httputil.RequestIDMiddleware(log.Logger),
	)
}

// withCommonHeaders hardens responses of the service's own endpoints.
func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

type healthStatus struct {
	Status     string            `json:"status"` // "ok" | "degraded"
	Components map[string]string `json:"components"`
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, healthStatus{
		Status:     "ok",
		Components: map[string]string{"pipeline": "ok"},
	})
}

// handleReady reports 503 while the rate store breaker is open.
func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Status: "ok", Components: map[string]string{"pipeline": "ok"}}

	store := "ok"
	if h, ok := a.limiter.(interface{ Healthy() bool }); ok && !h.Healthy() {
		store = "degraded"
		status.Status = "degraded"
	}
	status.Components["rate_store"] = store
	if b, ok := a.limiter.(interface{ BreakerState() circuitbreaker.State }); ok {
		status.Components["rate_store_breaker"] = b.BreakerState().String()
	}

	if a.proxy.Configured() {
		status.Components["upstream"] = "configured"
	} else {
		status.Components["upstream"] = "none"
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, status)
}

// handleAdminStats summarises the Prometheus registry as JSON.
func (a *app) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	mfs, err := a.gatherer.Gather()
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics_error"})
		return
	}

	findMF := func(name string) *dto.MetricFamily {
		for _, mf := range mfs {
			if mf.GetName() == name {
				return mf
			}
		}
		return nil
	}
	// sums counter values grouped by one label
	byLabel := func(name, label string) map[string]float64 {
		out := map[string]float64{}
		mf := findMF(name)
		if mf == nil {
			return out
		}
		for _, m := range mf.Metric {
			for _, lp := range m.Label {
				if lp.GetName() == label {
					out[lp.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
		return out
	}
	single := func(name string) float64 {
		mf := findMF(name)
		if mf == nil || len(mf.Metric) == 0 {
			return 0
		}
		m := mf.Metric[0]
		if m.Gauge != nil {
			return m.GetGauge().GetValue()
		}
		return m.GetCounter().GetValue()
	}

	circuit := map[string]float64{}
	if mf := findMF("edgeguard_store_circuit_state"); mf != nil {
		for _, m := range mf.Metric {
			for _, lp := range m.Label {
				if lp.GetName() == "store" {
					circuit[lp.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}

	stats := map[string]any{
		"decisions": map[string]any{
			"by_outcome": byLabel("edgeguard_decision_total", "outcome"),
			"by_reason":  byLabel("edgeguard_decision_total", "reason"),
			"faults":     byLabel("edgeguard_pipeline_faults_total", "stage"),
		},
		"rate_limit": map[string]any{
			"tracked_clients": single("edgeguard_ratelimit_tracked_clients"),
			"store_errors":    byLabel("edgeguard_ratelimit_store_errors_total", "kind"),
			"fallbacks":       byLabel("edgeguard_ratelimit_fallback_total", "mode"),
			"circuit_state":   circuit,
		},
		"csp": map[string]any{
			"nonces_issued": single("edgeguard_csp_nonces_issued_total"),
		},
		"proxy": map[string]any{
			"errors": byLabel("edgeguard_proxy_errors_total", "type"),
			"cache":  byLabel("edgeguard_proxy_cache_ops_total", "op"),
		},
		"system": map[string]any{
			"version":        version,
			"uptime_seconds": int64(time.Since(startTime).Seconds()),
		},
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}
