// Package metrics exposes scheduling and firing precision as Prometheus
// collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/livinlefevreloca/punctual/internal/executor"
	"github.com/livinlefevreloca/punctual/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "punctual"

// Sub-second buckets for residual drift, from 1ms to ~16s
var precisionBuckets = prometheus.ExponentialBuckets(0.001, 2, 15)

// Metrics holds every collector. It satisfies timer.Metrics,
// executor.Reporter, local.Observer and stats.Sink.
type Metrics struct {
	registry *prometheus.Registry

	scheduleRequests *prometheus.CounterVec
	scheduleWait     prometheus.Histogram

	outcomes *prometheus.CounterVec
	residual prometheus.Histogram
	lateness prometheus.Histogram

	dispatches  *prometheus.CounterVec
	dispatchLag prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	executions     *prometheus.GaugeVec
	untilNextWake  prometheus.Gauge
	inboxDepth     prometheus.Gauge
	inboxDropped   prometheus.Gauge
	recentResidual *prometheus.GaugeVec
}

// New creates the collectors and registers them, with the Go and process
// collectors, on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		scheduleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timer",
			Name:      "schedule_requests_total",
			Help:      "Count of schedule requests by result.",
		}, []string{"result"}),
		scheduleWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "timer",
			Name:      "schedule_wait_seconds",
			Help:      "Time from a schedule request until its run time.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "outcomes_total",
			Help:      "Count of executor outcomes by status.",
		}, []string{"status"}),
		residual: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "residual_seconds",
			Help:      "Residual wait computed on receipt. Non-positive values are counted in the first bucket.",
			Buckets:   precisionBuckets,
		}),
		lateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "lateness_seconds",
			Help:      "How far past the run time the action was fired.",
			Buckets:   precisionBuckets,
		}),

		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "substrate",
			Name:      "dispatches_total",
			Help:      "Count of substrate dispatches by result.",
		}, []string{"result"}),
		dispatchLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "substrate",
			Name:      "dispatch_lag_seconds",
			Help:      "Delay between a wait timestamp and its dispatch.",
			Buckets:   precisionBuckets,
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of HTTP requests by handler, method and code.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "method", "code"}),

		executions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "substrate",
			Name:      "executions",
			Help:      "Stored executions by status, as of the last stats sample.",
		}, []string{"status"}),
		untilNextWake: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "substrate",
			Name:      "next_wake_seconds",
			Help:      "Seconds until the earliest waiting execution wakes. Zero when none is waiting.",
		}),
		inboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outcomes",
			Name:      "inbox_depth",
			Help:      "Outcomes queued for writing.",
		}),
		inboxDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outcomes",
			Name:      "dropped",
			Help:      "Outcomes dropped because the inbox was full, since start.",
		}),
		recentResidual: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "recent_residual_seconds",
			Help:      "Residual wait over the most recent stored outcomes.",
		}, []string{"stat"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scheduleRequests,
		m.scheduleWait,
		m.outcomes,
		m.residual,
		m.lateness,
		m.dispatches,
		m.dispatchLag,
		m.httpRequests,
		m.httpDuration,
		m.executions,
		m.untilNextWake,
		m.inboxDepth,
		m.inboxDropped,
		m.recentResidual,
	)

	return m
}

// Registry returns the registry holding every collector
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSchedule implements timer.Metrics
func (m *Metrics) ObserveSchedule(result string, wait time.Duration) {
	m.scheduleRequests.WithLabelValues(result).Inc()
	if result == "scheduled" {
		m.scheduleWait.Observe(wait.Seconds())
	}
}

// Report implements executor.Reporter
func (m *Metrics) Report(o executor.Outcome) {
	m.outcomes.WithLabelValues(o.Status.String()).Inc()
	m.residual.Observe(o.Residual.Seconds())
	if !o.FiredAt.IsZero() {
		m.lateness.Observe(o.Late().Seconds())
	}
}

// ObserveDispatch implements local.Observer
func (m *Metrics) ObserveDispatch(lag time.Duration, err error) {
	result := "succeeded"
	if err != nil {
		result = "failed"
	}
	m.dispatches.WithLabelValues(result).Inc()
	m.dispatchLag.Observe(lag.Seconds())
}

// InstrumentHandler counts and times requests served by h
func (m *Metrics) InstrumentHandler(name string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerDuration(
		m.httpDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.httpRequests.MustCurryWith(labels), h),
	)
}

// ObserveSnapshot implements stats.Sink
func (m *Metrics) ObserveSnapshot(s stats.Snapshot) {
	m.executions.Reset()
	for status, n := range s.Executions {
		m.executions.WithLabelValues(status).Set(float64(n))
	}

	if s.NextWake.IsZero() {
		m.untilNextWake.Set(0)
	} else {
		m.untilNextWake.Set(s.NextWake.Sub(s.TakenAt).Seconds())
	}

	m.inboxDepth.Set(float64(s.Outcomes.CurrentDepth))
	m.inboxDropped.Set(float64(s.Outcomes.TotalDropped))

	m.recentResidual.WithLabelValues("min").Set(s.Drift.MinResidual.Seconds())
	m.recentResidual.WithLabelValues("max").Set(s.Drift.MaxResidual.Seconds())
	m.recentResidual.WithLabelValues("avg").Set(s.Drift.AvgResidual.Seconds())
}
