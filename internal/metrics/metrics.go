// Package metrics holds the Prometheus collectors exported by lobbycam.
//
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests and one-shot CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lobbycam"

// Metrics groups the collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	streamRestarts     prometheus.Counter
	streamStderrErrors *prometheus.CounterVec
	streamUp           prometheus.Gauge
	captures           *prometheus.CounterVec
	analyses           *prometheus.CounterVec
	analysisDuration   *prometheus.HistogramVec
	framesStored       prometheus.Gauge
	framesEvicted      prometheus.Counter
	published          *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		streamRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_restarts_total",
			Help:      "Total number of automatic transcoder restarts",
		}),
		streamStderrErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_stderr_errors_total",
			Help:      "Error lines reported by the transcoder, by category",
		}, []string{"category"}), // network, codec, auth, unknown
		streamUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_up",
			Help:      "1 while the transcoder process is running",
		}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Frame capture attempts, by result",
		}, []string{"result"}), // success, failure, skipped
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Backend analysis calls, by mode and outcome",
		}, []string{"mode", "outcome"}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Duration of backend analysis calls in seconds",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"mode"}),
		framesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_stored",
			Help:      "Analyzed frames currently held in memory",
		}),
		framesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_evicted_total",
			Help:      "Frames evicted from the ring buffer",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emitter_messages_total",
			Help:      "Messages handed to the MQTT broker, by topic kind and status",
		}, []string{"kind", "status"}),
	}

	m.registry.MustRegister(
		m.streamRestarts,
		m.streamStderrErrors,
		m.streamUp,
		m.captures,
		m.analyses,
		m.analysisDuration,
		m.framesStored,
		m.framesEvicted,
		m.published,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) StreamRestarted() {
	if m == nil {
		return
	}
	m.streamRestarts.Inc()
}

func (m *Metrics) StreamStderrError(category string) {
	if m == nil {
		return
	}
	m.streamStderrErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) StreamUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.streamUp.Set(1)
	} else {
		m.streamUp.Set(0)
	}
}

// CaptureResult records a capture attempt: success, failure or skipped
func (m *Metrics) CaptureResult(result string) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(result).Inc()
}

func (m *Metrics) AnalysisDone(mode, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(mode, outcome).Inc()
	m.analysisDuration.WithLabelValues(mode).Observe(took.Seconds())
}

func (m *Metrics) FramesStored(n int) {
	if m == nil {
		return
	}
	m.framesStored.Set(float64(n))
}

func (m *Metrics) FrameEvicted() {
	if m == nil {
		return
	}
	m.framesEvicted.Inc()
}

func (m *Metrics) Published(kind string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.published.WithLabelValues(kind, status).Inc()
}
