// Package metrics exposes Prometheus instrumentation for the media
// pipeline: session lifecycle, playback scheduling, barge-in, and the
// upload path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the media pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Playback metrics
	ChunksScheduled prometheus.Counter
	ChunksDropped   prometheus.Counter
	BargeInsTotal   prometheus.Counter

	// Upload metrics
	UploadPartsTotal    prometheus.Counter
	UploadBytesTotal    prometheus.Counter
	UploadRetriesTotal  prometheus.Counter
	UploadFailuresTotal prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered on a
// fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "parley"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of currently active negotiation sessions",
	})

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of negotiation sessions by outcome",
		},
		[]string{"outcome"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Negotiation session duration in seconds",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"outcome"},
	)

	chunksScheduled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_chunks_scheduled_total",
		Help:      "Total counterpart audio chunks scheduled for playback",
	})

	chunksDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_chunks_dropped_total",
		Help:      "Total malformed counterpart audio chunks dropped",
	})

	bargeIns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barge_ins_total",
		Help:      "Total barge-in cancellations of counterpart playback",
	})

	uploadParts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_parts_total",
		Help:      "Total recording parts uploaded successfully",
	})

	uploadBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_bytes_total",
		Help:      "Total recording bytes uploaded successfully",
	})

	uploadRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_part_retries_total",
		Help:      "Total retried part uploads",
	})

	uploadFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upload_part_failures_total",
		Help:      "Total part uploads abandoned after exhausting retries",
	})

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by category",
		},
		[]string{"category"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		chunksScheduled,
		chunksDropped,
		bargeIns,
		uploadParts,
		uploadBytes,
		uploadRetries,
		uploadFailures,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionDuration:     sessionDuration,
		ChunksScheduled:     chunksScheduled,
		ChunksDropped:       chunksDropped,
		BargeInsTotal:       bargeIns,
		UploadPartsTotal:    uploadParts,
		UploadBytesTotal:    uploadBytes,
		UploadRetriesTotal:  uploadRetries,
		UploadFailuresTotal: uploadFailures,
		ErrorsTotal:         errorsTotal,
	}
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
