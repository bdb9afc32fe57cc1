// Package metrics provides ledger metrics collection on a dedicated
// Prometheus registry: instruction outcomes, notifier failures, HTTP traffic
// and account totals.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/metatx_ledger/internal/ledger"
)

// Metrics collects ledger telemetry.
type Metrics struct {
	registry *prometheus.Registry

	instructions        *prometheus.CounterVec
	instructionDuration *prometheus.HistogramVec
	notifyFailures      *prometheus.CounterVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	accounts     prometheus.Gauge
	totalBalance prometheus.Gauge
	jobRuns      *prometheus.CounterVec
}

var _ ledger.Recorder = (*Metrics)(nil)

// New creates a collector. Namespace defaults to "metatx_ledger".
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "metatx_ledger"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.instructions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total number of ledger operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	m.instructionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Time taken to process a ledger operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)

	m.notifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "notify_failures_total",
			Help:      "Committed entries whose downstream notification failed.",
		},
		[]string{"kind"},
	)

	m.httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"service", "method", "path", "status"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"service", "method", "path"},
	)

	m.accounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "accounts",
			Help:      "Number of accounts in the store.",
		},
	)

	m.totalBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "total_balance",
			Help:      "Sum of all account balances.",
		},
	)

	m.jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total number of scheduled job runs.",
		},
		[]string{"job", "success"},
	)

	m.registry.MustRegister(
		m.instructions,
		m.instructionDuration,
		m.notifyFailures,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.accounts,
		m.totalBalance,
		m.jobRuns,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordInstruction(op, outcome string, duration time.Duration) {
	m.instructions.WithLabelValues(op, outcome).Inc()
	m.instructionDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) RecordNotifyFailure(kind string) {
	m.notifyFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordStats publishes a store snapshot.
func (m *Metrics) RecordStats(st ledger.Stats) {
	m.accounts.Set(float64(st.Accounts))
	m.totalBalance.Set(float64(st.TotalBalance))
}

func (m *Metrics) RecordJobRun(job string, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	m.jobRuns.WithLabelValues(job, success).Inc()
}
