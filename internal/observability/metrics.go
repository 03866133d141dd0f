package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the Prometheus surface internal/api's /metrics endpoint
// exposes, and what lifecycle.Instance.OnStats feeds on every tick: one
// counter family per engine.Counters field, a gauge for outstanding
// queued calls, and a histogram for execution time so p50/p95/p99 are
// queryable without replaying Statistics snapshots.
type Metrics struct {
	Invocations   *prometheus.CounterVec
	Completed     *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	PendingCalls  *prometheus.GaugeVec
	ExecutionTime *prometheus.HistogramVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the full metric family against reg and returns the
// handle components use to record observations. reg may be nil in tests,
// in which case the vectors are usable but never scraped.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetfn_invocations_total",
			Help: "Total invocations issued per function.",
		}, []string{"function"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetfn_completed_total",
			Help: "Total successful completions per function.",
		}, []string{"function"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetfn_retries_total",
			Help: "Total retry attempts per function.",
		}, []string{"function"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetfn_errors_total",
			Help: "Total terminal errors per function.",
		}, []string{"function"}),
		PendingCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetfn_pending_calls",
			Help: "Outstanding calls awaiting a reconciler response, per function.",
		}, []string{"function"}),
		ExecutionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetfn_execution_time_seconds",
			Help:    "Per-call remote execution time as observed by the invocation engine.",
			Buckets: prometheus.DefBuckets,
		}, []string{"function"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetfn_http_requests_total",
			Help: "Total requests served by the debug/stats HTTP surface.",
		}, []string{"route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetfn_http_request_duration_seconds",
			Help:    "Latency of the debug/stats HTTP surface.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Invocations, m.Completed, m.Retries, m.Errors,
			m.PendingCalls, m.ExecutionTime,
			m.HTTPRequestsTotal, m.HTTPRequestDuration,
		)
	}
	return m
}

// Observe records one function's stats-tick deltas. Called from
// lifecycle's OnStats listener, it folds engine.Counters and
// engine.Stats onto the Prometheus vectors above.
func (m *Metrics) Observe(function string, invocations, completed, retries, errors, pending int64, avgExecutionSeconds float64) {
	m.Invocations.WithLabelValues(function).Add(float64(invocations))
	m.Completed.WithLabelValues(function).Add(float64(completed))
	m.Retries.WithLabelValues(function).Add(float64(retries))
	m.Errors.WithLabelValues(function).Add(float64(errors))
	m.PendingCalls.WithLabelValues(function).Set(float64(pending))
	if avgExecutionSeconds > 0 {
		m.ExecutionTime.WithLabelValues(function).Observe(avgExecutionSeconds)
	}
}
