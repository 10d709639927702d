// Package metrics exposes Prometheus instrumentation for the recognition pipeline.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for recognition, the identity registry and attendance writes.
type Metrics struct {
	// Recognition verdicts by outcome (recognized, rejected, error) and reason
	Recognitions *prometheus.CounterVec

	// End-to-end recognition latency by outcome
	RecognitionLatency *prometheus.HistogramVec

	// Distance of the best candidate for every matched probe
	BestDistance prometheus.Histogram

	// Extraction collaborator latency by result (ok, error)
	ExtractionLatency *prometheus.HistogramVec

	// Registry reloads by result (success, failure)
	RegistryReloads *prometheus.CounterVec

	// Registry reload latency
	RegistryReloadLatency prometheus.Histogram

	// Identities in the current snapshot
	RegistryIdentities prometheus.Gauge

	// Requests served from a snapshot that failed to refresh
	RegistryStaleServes prometheus.Counter

	// Cohort lookups by result (hit, miss, error, unknown)
	CohortLookups *prometheus.CounterVec

	// Attendance writes by result (recorded, failed)
	AttendanceWrites *prometheus.CounterVec
}

// New creates a Metrics instance registered on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Recognitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_recognitions_total",
			Help: "Total recognition verdicts by outcome and reason",
		}, []string{"outcome", "reason"}),

		RecognitionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollcall_recognition_duration_seconds",
			Help:    "Duration of recognition requests including extraction",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),

		BestDistance: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollcall_match_best_distance",
			Help:    "Euclidean distance of the best candidate",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.8, 1.0, 1.5},
		}),

		ExtractionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollcall_extraction_duration_seconds",
			Help:    "Duration of face extraction calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"result"}),

		RegistryReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_registry_reloads_total",
			Help: "Identity registry reloads by result",
		}, []string{"result"}),

		RegistryReloadLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rollcall_registry_reload_duration_seconds",
			Help:    "Duration of identity registry reloads",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		RegistryIdentities: f.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_registry_identities",
			Help: "Identities in the current registry snapshot",
		}),

		RegistryStaleServes: f.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_registry_stale_serves_total",
			Help: "Requests served from a stale registry snapshot after a failed reload",
		}),

		CohortLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_cohort_lookups_total",
			Help: "Session cohort lookups by result",
		}, []string{"result"}),

		AttendanceWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rollcall_attendance_writes_total",
			Help: "Attendance upserts by result",
		}, []string{"result"}),
	}
}

// ObserveRecognition records one verdict and its latency.
func (m *Metrics) ObserveRecognition(outcome, reason string, d time.Duration) {
	if m != nil {
		m.Recognitions.WithLabelValues(outcome, reason).Inc()
		m.RecognitionLatency.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// ObserveBestDistance records the distance of the best candidate.
func (m *Metrics) ObserveBestDistance(d float64) {
	if m != nil {
		m.BestDistance.Observe(d)
	}
}

// ObserveExtraction records the duration of an extraction call.
func (m *Metrics) ObserveExtraction(d time.Duration, err error) {
	if m != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.ExtractionLatency.WithLabelValues(result).Observe(d.Seconds())
	}
}

// ObserveReload records a registry reload. identities is ignored for failed reloads.
func (m *Metrics) ObserveReload(success bool, d time.Duration, identities int) {
	if m == nil {
		return
	}
	m.RegistryReloadLatency.Observe(d.Seconds())
	if !success {
		m.RegistryReloads.WithLabelValues("failure").Inc()
		return
	}
	m.RegistryReloads.WithLabelValues("success").Inc()
	m.RegistryIdentities.Set(float64(identities))
}

// IncStaleServe records a request served from a stale snapshot.
func (m *Metrics) IncStaleServe() {
	if m != nil {
		m.RegistryStaleServes.Inc()
	}
}

// IncCohortLookup records a cohort lookup result.
func (m *Metrics) IncCohortLookup(result string) {
	if m != nil {
		m.CohortLookups.WithLabelValues(result).Inc()
	}
}

// IncAttendanceWrite records an attendance upsert result.
func (m *Metrics) IncAttendanceWrite(recorded bool) {
	if m != nil {
		result := "recorded"
		if !recorded {
			result = "failed"
		}
		m.AttendanceWrites.WithLabelValues(result).Inc()
	}
}
