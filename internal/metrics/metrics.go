package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/estately-labs/ratelimiter/internal/policy"
	"github.com/estately-labs/ratelimiter/internal/version"
)

// Outcome labels for ratelimit_checks_total.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeCapacity = "capacity"
	OutcomeError    = "error"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	throttledTotal *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	// peer flood guard in front of the public listener
	peerDeniedTotal   prometheus.Counter
	peerCapacityTotal prometheus.Counter

	// fixed-window admission
	checksTotal       *prometheus.CounterVec
	firstDeniedTotal  *prometheus.CounterVec
	storeErrorsTotal  *prometheus.CounterVec
	keys              prometheus.Gauge
	sweptKeysTotal    prometheus.Counter
	policyMaxRequests *prometheus.GaugeVec
	policyWindow      *prometheus.GaugeVec
}

// New returns a fresh registry + standard collectors + service metrics.
// safe labels only: route patterns, never raw paths, and policy names rather
// than caller-supplied action strings
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{32, 64, 128, 256, 512, 1024, 4096},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		throttledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_throttled_total",
			Help: "429 responses issued by a window quota, by route",
		}, []string{"route"}),
		peerDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the per-peer flood guard",
		}),
		peerCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times the per-peer flood guard hit its tracked peer cap",
		}),
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_checks_total",
			Help: "Fixed-window admission checks by policy and outcome",
		}, []string{"policy", "outcome"}),
		firstDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_first_denied_total",
			Help: "Keys that exhausted their quota, counted once per key window",
		}, []string{"policy"}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Window store failures by operation",
		}, []string{"op"}),
		keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_keys",
			Help: "Window records held by the store as of the last sweep",
		}),
		sweptKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_swept_keys_total",
			Help: "Expired window records removed by the sweeper",
		}),
		policyMaxRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_max_requests",
			Help: "Configured requests per window for each policy",
		}, []string{"policy"}),
		policyWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_window_seconds",
			Help: "Configured window length for each policy",
		}, []string{"policy"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.throttledTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.peerDeniedTotal,
		m.peerCapacityTotal,
		m.checksTotal,
		m.firstDeniedTotal,
		m.storeErrorsTotal,
		m.keys,
		m.sweptKeysTotal,
		m.policyMaxRequests,
		m.policyWindow,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        vi.App,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncPeerDenied() {
	m.peerDeniedTotal.Inc()
}

func (m *ServerMetrics) IncPeerCapacity() {
	m.peerCapacityTotal.Inc()
}

// ObserveCheck counts one admission decision. outcome is one of the Outcome
// constants.
func (m *ServerMetrics) ObserveCheck(policyName, outcome string) {
	m.checksTotal.WithLabelValues(policyName, outcome).Inc()
}

func (m *ServerMetrics) IncFirstDenied(policyName string) {
	m.firstDeniedTotal.WithLabelValues(policyName).Inc()
}

func (m *ServerMetrics) IncStoreError(op string) {
	m.storeErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveSweep records one sweeper pass.
func (m *ServerMetrics) ObserveSweep(removed, live int) {
	m.sweptKeysTotal.Add(float64(removed))
	m.keys.Set(float64(live))
}

// SetPolicies publishes the active policy table, set once at startup.
func (m *ServerMetrics) SetPolicies(entries []policy.Entry) {
	m.policyMaxRequests.Reset()
	m.policyWindow.Reset()
	for _, e := range entries {
		m.policyMaxRequests.WithLabelValues(e.Category).Set(float64(e.MaxRequests))
		m.policyWindow.WithLabelValues(e.Category).Set(float64(e.WindowMs) / 1000)
	}
}
