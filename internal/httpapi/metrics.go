package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors this core exposes on /metrics, grounded on
// the teacher's infrastructure/metrics package. Only the HTTP request
// collectors are updated (by Middleware); the task, stage and merger
// collectors are registered but nothing in this repository updates them.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	TasksAdmittedTotal  *prometheus.CounterVec
	TasksCompletedTotal *prometheus.CounterVec
	TasksFailedTotal    *prometheus.CounterVec

	StageDuration *prometheus.HistogramVec

	MergerDedupRatio prometheus.Gauge
}

// NewMetrics builds a Metrics instance registered against its own
// registry, so test suites never collide with prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socscan_http_requests_total",
				Help: "Total HTTP requests served by the scan orchestration API.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "socscan_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		TasksAdmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socscan_tasks_admitted_total",
				Help: "Scan tasks admitted to the scheduler queue.",
			},
			[]string{"task_type", "priority"},
		),
		TasksCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socscan_tasks_completed_total",
				Help: "Scan tasks that reached COMPLETED.",
			},
			[]string{"task_type"},
		),
		TasksFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socscan_tasks_failed_total",
				Help: "Scan tasks that reached FAILED.",
			},
			[]string{"task_type", "reason"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "socscan_stage_duration_seconds",
				Help:    "ScannerEngine stage execution duration in seconds.",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"stage_id", "status"},
		),
		MergerDedupRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "socscan_merger_dedup_ratio",
				Help: "VulnerabilityMerger: 1 - (merged findings / raw findings) for the most recent task.",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.TasksAdmittedTotal, m.TasksCompletedTotal, m.TasksFailedTotal,
		m.StageDuration, m.MergerDedupRatio,
	)
	return m
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records per-request counters and latency, keyed by the
// matched route template rather than the raw path so cardinality stays
// bounded (spec DOMAIN STACK: prometheus/client_golang).
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	wrote   bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
