// Package metrics exposes Prometheus instruments for sync and the local API.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds a private registry and the daybook instruments.
type Metrics struct {
	registry          *prometheus.Registry
	syncRuns          *prometheus.CounterVec
	syncDuration      *prometheus.HistogramVec
	partitionsWritten *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	droppedRecords    *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "daybook_sync_runs_total",
				Help: "Sync cycles by collection and outcome",
			},
			[]string{"collection", "outcome"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "daybook_sync_duration_seconds",
				Help:    "Duration of a sync cycle",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collection"},
		),
		partitionsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "daybook_sync_partitions_written_total",
				Help: "Remote partitions written or deleted",
			},
			[]string{"collection"},
		),
		decodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "daybook_sync_decode_errors_total",
				Help: "Remote partitions that failed to decode",
			},
			[]string{"collection"},
		),
		droppedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "daybook_sync_dropped_records_total",
				Help: "Records dropped by the merge for failing validation",
			},
			[]string{"collection"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "daybook_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "daybook_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	m.registry.MustRegister(m.syncRuns, m.syncDuration, m.partitionsWritten,
		m.decodeErrors, m.droppedRecords, m.requestsTotal, m.requestDuration)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveSync records one finished sync cycle.
func (m *Metrics) ObserveSync(collection, outcome string, d time.Duration, written int) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(collection, outcome).Inc()
	m.syncDuration.WithLabelValues(collection).Observe(d.Seconds())
	m.partitionsWritten.WithLabelValues(collection).Add(float64(written))
}

// DecodeError counts an unreadable remote partition.
func (m *Metrics) DecodeError(collection string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(collection).Inc()
}

// Dropped counts records discarded by the merge.
func (m *Metrics) Dropped(collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.droppedRecords.WithLabelValues(collection).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latencies. route names the path label,
// keeping cardinality bounded.
func (m *Metrics) Middleware(route func(*http.Request) string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := route(r)
		m.requestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
