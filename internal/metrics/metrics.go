// Package metrics exposes Prometheus collectors for the recognition client
// and the dictation service. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pushtalk"

// Metrics holds the collectors registered for one process
type Metrics struct {
	registry *prometheus.Registry

	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	connectDuration   prometheus.Histogram
	connectFailures   *prometheus.CounterVec
	sessionsTotal     *prometheus.CounterVec
	stopDuration      prometheus.Histogram
	eventsDropped     prometheus.Counter
	transcriptsStored prometheus.Counter
	historyPruned     prometheus.Counter
}

// New registers the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "asr",
			Name:      "frames_sent_total",
			Help:      "Frames sent to the recognition server by message type",
		}, []string{"type"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "asr",
			Name:      "frames_received_total",
			Help:      "Decoded frames received from the recognition server by kind",
		}, []string{"kind"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "asr",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed or unknown",
		}, []string{"reason"}),

		connectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "asr",
			Name:      "connect_duration_seconds",
			Help:      "Time from connect to handshake sent",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		connectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "asr",
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts by error kind",
		}, []string{"kind"}),

		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dictation",
			Name:      "sessions_total",
			Help:      "Completed dictation sessions by outcome",
		}, []string{"outcome"}),

		stopDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dictation",
			Name:      "stop_duration_seconds",
			Help:      "Time spent waiting for the final result after stop",
			Buckets:   prometheus.DefBuckets,
		}),

		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dictation",
			Name:      "events_dropped_total",
			Help:      "Events not delivered to a slow subscriber",
		}),

		transcriptsStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "transcripts_stored_total",
			Help:      "Transcripts written to history",
		}),

		historyPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "transcripts_pruned_total",
			Help:      "Transcripts removed by retention cleanup",
		}),
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameSent(messageType string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(messageType).Inc()
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// ObserveConnect records a connection attempt. An empty errKind is a success.
func (m *Metrics) ObserveConnect(d time.Duration, errKind string) {
	if m == nil {
		return
	}
	if errKind != "" {
		m.connectFailures.WithLabelValues(errKind).Inc()
		return
	}
	m.connectDuration.Observe(d.Seconds())
}

// SessionFinished records how a stop resolved: final, timeout, error or cancelled
func (m *Metrics) SessionFinished(outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(outcome).Inc()
	m.stopDuration.Observe(waited.Seconds())
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) TranscriptStored() {
	if m == nil {
		return
	}
	m.transcriptsStored.Inc()
}

func (m *Metrics) HistoryPruned(n int64) {
	if m == nil {
		return
	}
	m.historyPruned.Add(float64(n))
}
