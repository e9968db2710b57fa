package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Decision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeguard_decision_total",
			Help: "Count of pipeline decisions by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)
	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgeguard_pipeline_duration_seconds",
			Help:    "Time spent deciding a request, excluding the upstream",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
		},
	)
	PipelineFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeguard_pipeline_faults_total",
			Help: "Internal faults caught at the orchestrator boundary",
		},
		[]string{"stage"},
	)
	NoncesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgeguard_csp_nonces_issued_total",
			Help: "CSP nonces minted",
		},
	)
	RateLimitTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgeguard_ratelimit_tracked_clients",
			Help: "Client windows held by the in-memory limiter",
		},
	)
	RateStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeguard_ratelimit_store_errors_total",
			Help: "Rate-limit store failures by kind",
		},
		[]string{"kind"},
	)
	RateStoreFallback = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeguard_ratelimit_fallback_total",
			Help: "Requests decided by the store fail mode instead of the store",
		},
		[]string{"mode"},
	)
	StoreCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeguard_store_circuit_state",
			Help: "Circuit breaker state per store (0=closed, 1=open, 2=half-open)",
		},
		[]string{"store"},
	)
	StoreCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeguard_store_circuit_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"store", "from", "to"},
	)
	StoreCircuitHalfOpenProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeguard_store_circuit_half_open_probes_total",
			Help: "Probe requests let through while half-open",
		},
		[]string{"store"},
	)
	ProxyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeguard_proxy_latency_seconds",
			Help:    "Upstream round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"origin"},
	)
	ProxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeguard_proxy_errors_total",
			Help: "Upstream proxy errors by type",
		},
		[]string{"origin", "type"},
	)
	ProxyCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeguard_proxy_cache_ops_total",
			Help: "Reverse proxy cache operations",
		},
		[]string{"op"},
	)
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeguard_build_info",
			Help: "Always 1, labelled with the running version",
		},
		[]string{"version"},
	)
)

// MustRegister registers every collector on the default registry and
// publishes version as build info.
func MustRegister(version string) {
	prometheus.MustRegister(
		Decision, PipelineDuration, PipelineFaults, NoncesIssued,
		RateLimitTracked, RateStoreErrors, RateStoreFallback,
		StoreCircuitState, StoreCircuitTransitions, StoreCircuitHalfOpenProbes,
		ProxyLatency, ProxyErrors, ProxyCacheOps, BuildInfo,
	)
	BuildInfo.WithLabelValues(version).Set(1)
}
