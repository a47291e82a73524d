// Package metrics exposes the coordinator's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the domain-level instruments the coordinator maintains.
type Metrics struct {
	registry *prometheus.Registry

	packagesIngested prometheus.Counter
	packagesInQueue  prometheus.Gauge
	packagesSuccess  prometheus.Counter
	packagesFail     prometheus.Counter
	scanDuration     prometheus.Histogram
}

// New constructs the metrics set on a fresh registry, alongside the standard
// Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := Metrics{
		registry: registry,
		packagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packages_ingested_total",
			Help: "Total number of packages queued for scanning.",
		}),
		packagesInQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packages_in_queue",
			Help: "Number of packages currently queued or pending.",
		}),
		packagesSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packages_success_total",
			Help: "Total number of packages scanned successfully.",
		}),
		packagesFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packages_fail_total",
			Help: "Total number of packages that failed to scan.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Time from dispatch to submitted outcome.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	registry.MustRegister(
		m.packagesIngested,
		m.packagesInQueue,
		m.packagesSuccess,
		m.packagesFail,
		m.scanDuration,
	)

	return &m
}

// Handler returns the exposition handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PackageIngested records a successful intake.
func (m *Metrics) PackageIngested() {
	m.packagesIngested.Inc()
	m.packagesInQueue.Inc()
}

// PackageSucceeded records a successful submit.
func (m *Metrics) PackageSucceeded(duration time.Duration) {
	m.packagesSuccess.Inc()
	m.packagesInQueue.Dec()
	m.scanDuration.Observe(duration.Seconds())
}

// PackageFailed records a failed scan.
func (m *Metrics) PackageFailed() {
	m.packagesFail.Inc()
	m.packagesInQueue.Dec()
}
