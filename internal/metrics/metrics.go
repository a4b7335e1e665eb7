// Package metrics provides Prometheus metrics for scribe.
//
// Features:
//   - Counters for fingerprints, profile updates, attributions, anomalies
//   - Histograms for extraction, attribution and network durations
//   - Gauge for the active calibration version
//   - HTTP handler for scraping
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every scribe metric name.
const Namespace = "scribe"

// Fingerprint results.
const (
	ResultOK           = "ok"
	ResultInsufficient = "insufficient"
	ResultInvalid      = "invalid"
	ResultError        = "error"
)

// Metrics holds all scribe collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FingerprintsTotal    *prometheus.CounterVec
	ProfileUpdatesTotal  prometheus.Counter
	AttributionsTotal    prometheus.Counter
	AnomaliesTotal       *prometheus.CounterVec
	NetworkAnalysesTotal prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec

	ExtractionDuration  prometheus.Histogram
	AttributionDuration prometheus.Histogram
	NetworkDuration     prometheus.Histogram
	NetworkPairs        prometheus.Histogram

	CalibrationVersion prometheus.Gauge
}

// New creates a Metrics instance registered on a fresh registry that also
// carries the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers all scribe collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FingerprintsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fingerprints_total",
			Help:      "Fingerprint extractions by result",
		}, []string{"result"}),
		ProfileUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "profile_updates_total",
			Help:      "Samples folded into author baselines",
		}),
		AttributionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attributions_total",
			Help:      "Attribution queries answered",
		}),
		AnomaliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "anomalies_total",
			Help:      "Anomaly reports by classification",
		}, []string{"classification"}),
		NetworkAnalysesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "network_analyses_total",
			Help:      "Network analysis runs",
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Failed operations by operation name",
		}, []string{"op"}),

		ExtractionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Time to extract and build one fingerprint",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		AttributionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "attribution_duration_seconds",
			Help:      "Time to rank candidate profiles",
			Buckets:   prometheus.DefBuckets,
		}),
		NetworkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "network_duration_seconds",
			Help:      "Time to analyze an account set",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		NetworkPairs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "network_pairs",
			Help:      "Account pairs compared per network analysis",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}),

		CalibrationVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "calibration_version",
			Help:      "Version of the active fingerprint calibration",
		}),
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordFingerprint records one extraction attempt.
func (m *Metrics) RecordFingerprint(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.FingerprintsTotal.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.ExtractionDuration.Observe(d.Seconds())
	}
}

// RecordProfileUpdate records a baseline update.
func (m *Metrics) RecordProfileUpdate() {
	if m == nil {
		return
	}
	m.ProfileUpdatesTotal.Inc()
}

// RecordAttribution records an answered attribution query.
func (m *Metrics) RecordAttribution(d time.Duration) {
	if m == nil {
		return
	}
	m.AttributionsTotal.Inc()
	m.AttributionDuration.Observe(d.Seconds())
}

// RecordAnomaly records a produced anomaly report.
func (m *Metrics) RecordAnomaly(classification string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(classification).Inc()
}

// RecordNetwork records a finished network analysis.
func (m *Metrics) RecordNetwork(d time.Duration, pairs int) {
	if m == nil {
		return
	}
	m.NetworkAnalysesTotal.Inc()
	m.NetworkDuration.Observe(d.Seconds())
	m.NetworkPairs.Observe(float64(pairs))
}

// RecordError records a failed operation.
func (m *Metrics) RecordError(op string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(op).Inc()
}

// SetCalibrationVersion publishes the active calibration version.
func (m *Metrics) SetCalibrationVersion(v int) {
	if m == nil {
		return
	}
	m.CalibrationVersion.Set(float64(v))
}

// Timer measures the duration of one operation.
type Timer struct {
	start time.Time
}

// StartTimer starts a Timer.
func StartTimer() Timer {
	return Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started.
func (t Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
