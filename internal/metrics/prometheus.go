// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /powerproxy/metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. A nil *Registry is valid and turns
// every recording method into a no-op.
type Registry struct {
	reg *prometheus.Registry

	// powerproxy_inflight_requests
	inFlight prometheus.Gauge

	// powerproxy_requests_total{client,endpoint,status}
	requestsTotal *prometheus.CounterVec

	// powerproxy_roundtrip_seconds{endpoint}
	roundtrip *prometheus.HistogramVec

	// powerproxy_tokens_total{client,direction}
	tokensTotal *prometheus.CounterVec

	// powerproxy_target_backoff_total{target,status}
	backoffTotal *prometheus.CounterVec

	// powerproxy_dispatch_exhausted_total
	dispatchExhausted prometheus.Counter

	// powerproxy_ratelimit_total{client,result}
	rateLimitTotal *prometheus.CounterVec

	// powerproxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "powerproxy_inflight_requests",
			Help: "Current number of in-flight proxied requests",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_requests_total",
				Help: "Total number of proxied requests",
			},
			[]string{"client", "endpoint", "status"},
		),

		roundtrip: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "powerproxy_roundtrip_seconds",
				Help:    "Backend round-trip time, headers to end of body",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"endpoint"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_tokens_total",
				Help: "Total tokens accounted per client",
			},
			[]string{"client", "direction"},
		),

		backoffTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_target_backoff_total",
				Help: "Throttle events that placed a target into backoff",
			},
			[]string{"target", "status"},
		),

		dispatchExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "powerproxy_dispatch_exhausted_total",
			Help: "Requests for which no target had remaining capacity",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powerproxy_ratelimit_total",
				Help: "LimitUsage outcomes per client",
			},
			[]string{"client", "result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powerproxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.roundtrip,
		r.tokensTotal,
		r.backoffTotal,
		r.dispatchExhausted,
		r.rateLimitTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	r.buildInfo.WithLabelValues(version).Set(1)
}

// IncInFlight / DecInFlight track concurrent proxied requests.
func (r *Registry) IncInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

func (r *Registry) DecInFlight() {
	if r == nil {
		return
	}
	r.inFlight.Dec()
}

// RecordRequest counts one finished proxied request.
func (r *Registry) RecordRequest(client, endpoint string, status int) {
	if r == nil {
		return
	}
	if client == "" {
		client = "unknown"
	}
	r.requestsTotal.WithLabelValues(client, endpoint, strconv.Itoa(status)).Inc()
}

// ObserveRoundtrip records the backend round-trip time for an endpoint.
func (r *Registry) ObserveRoundtrip(endpoint string, d time.Duration) {
	if r == nil {
		return
	}
	r.roundtrip.WithLabelValues(endpoint).Observe(d.Seconds())
}

// AddTokens accumulates accounted prompt/completion tokens for a client.
func (r *Registry) AddTokens(client string, prompt, completion int) {
	if r == nil {
		return
	}
	if client == "" {
		client = "unknown"
	}
	if prompt > 0 {
		r.tokensTotal.WithLabelValues(client, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		r.tokensTotal.WithLabelValues(client, "completion").Add(float64(completion))
	}
}

// RecordBackoff counts a throttle event that blocked a target.
func (r *Registry) RecordBackoff(target string, status int) {
	if r == nil {
		return
	}
	r.backoffTotal.WithLabelValues(target, strconv.Itoa(status)).Inc()
}

// RecordDispatchExhausted counts a request that found no usable target.
func (r *Registry) RecordDispatchExhausted() {
	if r == nil {
		return
	}
	r.dispatchExhausted.Inc()
}

// RecordRateLimit counts a LimitUsage decision ("allowed" or "blocked").
func (r *Registry) RecordRateLimit(client, result string) {
	if r == nil {
		return
	}
	if client == "" {
		client = "unknown"
	}
	r.rateLimitTotal.WithLabelValues(client, result).Inc()
}

// Handler returns the fasthttp handler serving the metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
