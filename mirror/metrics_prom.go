package mirror

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "daedalus"

// PromMetrics exports mirror metrics in the Prometheus exposition format.
// Each instance owns its registry so several can coexist in one process.
type PromMetrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	runsTotal           *prometheus.CounterVec
	runDuration         prometheus.Histogram
	runVersions         *prometheus.CounterVec
	batchesTotal        *prometheus.CounterVec
	batchDuration       prometheus.Histogram
	versionsTotal       *prometheus.CounterVec
	versionDuration     prometheus.Histogram
	uploadsTotal        *prometheus.CounterVec
	uploadBytes         *prometheus.CounterVec
	uploadDuration      *prometheus.HistogramVec
}

// NewPromMetrics creates and registers every collector.
func NewPromMetrics() *PromMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &PromMetrics{
		registry: reg,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mirror",
			Name:      "runs_total",
			Help:      "Total number of mirror runs by status and failure kind",
		}, []string{"status", "failure_kind"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "mirror",
			Name:      "run_duration_seconds",
			Help:      "Mirror run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		runVersions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mirror",
			Name:      "run_versions_total",
			Help:      "Versions seen by mirror runs, by disposition",
		}, []string{"disposition"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "batches_total",
			Help:      "Total number of scheduler batches",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "batch_duration_seconds",
			Help:      "Batch duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		versionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mirror",
			Name:      "versions_processed_total",
			Help:      "Versions processed, by status",
		}, []string{"status"}),
		versionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "mirror",
			Name:      "version_duration_seconds",
			Help:      "Per-version processing duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "storage",
			Name:      "uploads_total",
			Help:      "Object uploads by kind and status",
		}, []string{"kind", "status"}),
		uploadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "storage",
			Name:      "upload_bytes_total",
			Help:      "Bytes successfully uploaded, by kind",
		}, []string{"kind"}),
		uploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "storage",
			Name:      "upload_duration_seconds",
			Help:      "Upload duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.runsTotal,
		m.runDuration,
		m.runVersions,
		m.batchesTotal,
		m.batchDuration,
		m.versionsTotal,
		m.versionDuration,
		m.uploadsTotal,
		m.uploadBytes,
		m.uploadDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *PromMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PromMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(msToSeconds(latencyMS))
}

func (m *PromMetrics) RecordRun(status, failureKind string, latencyMS int64, counts RunCounts) {
	m.runsTotal.WithLabelValues(status, failureKind).Inc()
	m.runDuration.Observe(msToSeconds(latencyMS))
	m.runVersions.WithLabelValues("processed").Add(float64(counts.Processed))
	m.runVersions.WithLabelValues("skipped").Add(float64(counts.Skipped))
}

func (m *PromMetrics) RecordBatch(_ int, latencyMS int64, err error) {
	m.batchesTotal.WithLabelValues(statusLabel(err)).Inc()
	m.batchDuration.Observe(msToSeconds(latencyMS))
}

func (m *PromMetrics) RecordVersion(_ string, latencyMS int64, err error) {
	m.versionsTotal.WithLabelValues(statusLabel(err)).Inc()
	m.versionDuration.Observe(msToSeconds(latencyMS))
}

func (m *PromMetrics) RecordUpload(kind string, bytes int, latencyMS int64, err error) {
	m.uploadsTotal.WithLabelValues(kind, statusLabel(err)).Inc()
	if err == nil {
		m.uploadBytes.WithLabelValues(kind).Add(float64(bytes))
	}
	m.uploadDuration.WithLabelValues(kind).Observe(msToSeconds(latencyMS))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func msToSeconds(ms int64) float64 {
	return float64(max(ms, 0)) / 1000
}
