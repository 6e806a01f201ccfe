package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload outcomes used as the "outcome" label.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeTooLarge = "too_large"
	OutcomeError    = "error"
)

// Metrics holds the server's prometheus collectors on a private registry.
type Metrics struct {
	// InFlight is the number of inferences currently running.
	InFlight atomic.Int64

	uploads           *prometheus.CounterVec
	uploadBytes       prometheus.Histogram
	inferenceDuration *prometheus.HistogramVec
	inferenceFailures prometheus.Counter
	detections        prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yolo_uploads_total",
			Help: "Uploads received, by outcome",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "yolo_upload_bytes",
			Help:    "Size of accepted uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 6),
		}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yolo_inference_duration_seconds",
			Help:    "Model inference latency, by model mode",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		inferenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yolo_inference_failures_total",
			Help: "Inferences that returned an error or panicked",
		}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yolo_detections_total",
			Help: "Objects returned across all predictions",
		}),
	}

	m.registry.MustRegister(
		m.uploads,
		m.uploadBytes,
		m.inferenceDuration,
		m.inferenceFailures,
		m.detections,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "yolo_inference_in_flight",
			Help: "Inferences currently running",
		}, func() float64 { return float64(m.InFlight.Load()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveUpload records one upload outcome. size is only recorded for
// accepted uploads.
func (m *Metrics) ObserveUpload(outcome string, size int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	if outcome == OutcomeAccepted {
		m.uploadBytes.Observe(float64(size))
	}
}

// InferenceStarted marks one inference as running; call the returned func
// when it finishes.
func (m *Metrics) InferenceStarted() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Add(1)
	return func() { m.InFlight.Add(-1) }
}

// ObserveInference records a finished inference.
func (m *Metrics) ObserveInference(mode string, d time.Duration, detections int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.inferenceFailures.Inc()
		return
	}
	m.inferenceDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.detections.Add(float64(detections))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
