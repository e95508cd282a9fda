package server

import (
	"github.com/iselt/wiretap/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every relay collector
type Metrics struct {
	// Session
	SessionActive   prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionDuration prometheus.Histogram
	Disconnects     prometheus.Counter

	// Sockets
	SocketsAccepted prometheus.Counter
	SocketsSkipped  prometheus.Counter
	ProbesAnswered  prometheus.Counter

	// Frames
	FramesRelayed           *prometheus.CounterVec
	BytesRelayed            *prometheus.CounterVec
	FramesIntercepted       *prometheus.CounterVec
	FrameProcessingDuration prometheus.Histogram
	StreamEncrypted         *prometheus.GaugeVec

	// Hooks
	HookErrors    *prometheus.CounterVec
	ObserverDrops prometheus.Counter

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wiretap_session_active",
			Help: "1 while a client/server pair is being relayed",
		}),

		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wiretap_sessions_total",
			Help: "Total number of confirmed game sessions",
		}),

		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wiretap_session_duration_seconds",
			Help:    "Duration of relayed sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
		}),

		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wiretap_disconnects_total",
			Help: "Total number of relay teardowns",
		}),

		SocketsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wiretap_sockets_accepted_total",
			Help: "Client sockets accepted on the redirect listener",
		}),

		SocketsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wiretap_sockets_skipped_total",
			Help: "Client sockets closed because they matched the skip ordinal",
		}),

		ProbesAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wiretap_probes_answered_total",
			Help: "Pre-handshake connections answered with a server response",
		}),

		FramesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiretap_frames_relayed_total",
			Help: "Frames forwarded by direction",
		}, []string{"direction"}),

		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiretap_bytes_relayed_total",
			Help: "Bytes forwarded by direction",
		}, []string{"direction"}),

		FramesIntercepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiretap_frames_intercepted_total",
			Help: "Interceptor outcomes by direction and action",
		}, []string{"direction", "action"}),

		FrameProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wiretap_frame_processing_duration_seconds",
			Help:    "Time spent gating and forwarding a frame",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		StreamEncrypted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wiretap_stream_encrypted",
			Help: "1 when a direction has been inferred as encrypted",
		}, []string{"direction"}),

		HookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiretap_hook_errors_total",
			Help: "Errors and panics raised by hooks",
		}, []string{"hook"}),

		ObserverDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wiretap_observer_drops_total",
			Help: "Frames not delivered to observers because the queue was full",
		}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wiretap_errors_total",
			Help: "Total number of errors by type",
		}, []string{"error_type"}),
	}

	reg.MustRegister(
		metrics.SessionActive,
		metrics.SessionsTotal,
		metrics.SessionDuration,
		metrics.Disconnects,
		metrics.SocketsAccepted,
		metrics.SocketsSkipped,
		metrics.ProbesAnswered,
		metrics.FramesRelayed,
		metrics.BytesRelayed,
		metrics.FramesIntercepted,
		metrics.FrameProcessingDuration,
		metrics.StreamEncrypted,
		metrics.HookErrors,
		metrics.ObserverDrops,
		metrics.ErrorsTotal,
	)

	return metrics
}

// RecordSession records a confirmed session
func (m *Metrics) RecordSession() {
	m.SessionsTotal.Inc()
	m.SessionActive.Set(1)
}

// RecordDisconnection records a teardown and, for confirmed sessions, how long it lasted
func (m *Metrics) RecordDisconnection(wasActive bool, seconds float64) {
	m.Disconnects.Inc()
	m.SessionActive.Set(0)
	m.StreamEncrypted.Reset()
	if wasActive {
		m.SessionDuration.Observe(seconds)
	}
}

// RecordFrame records one forwarded frame
func (m *Metrics) RecordFrame(dir Direction, size int, seconds float64) {
	m.FramesRelayed.WithLabelValues(string(dir)).Inc()
	m.BytesRelayed.WithLabelValues(string(dir)).Add(float64(size))
	m.FrameProcessingDuration.Observe(seconds)
}

// RecordInterception records what the interceptors decided for a frame
func (m *Metrics) RecordInterception(dir Direction, action string) {
	m.FramesIntercepted.WithLabelValues(string(dir), action).Inc()
}

// RecordEncrypted flags a direction as encrypted or cleartext
func (m *Metrics) RecordEncrypted(dir Direction, encrypted bool) {
	v := 0.0
	if encrypted {
		v = 1
	}
	m.StreamEncrypted.WithLabelValues(string(dir)).Set(v)
}

// RecordError records an error metric under its classification
func (m *Metrics) RecordError(err error) {
	m.ErrorsTotal.WithLabelValues(errorType(err)).Inc()
}

func errorType(err error) string {
	switch {
	case common.IsConnectionError(err):
		return common.ErrorTypeConnection
	case common.IsConfigurationError(err):
		return common.ErrorTypeConfiguration
	case common.IsProtocolError(err):
		return common.ErrorTypeProtocol
	case common.IsSystemError(err):
		return common.ErrorTypeSystem
	}
	return "other"
}
