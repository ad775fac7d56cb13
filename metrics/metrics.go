// Package metrics exposes Prometheus instrumentation for conversation
// sessions. Registering is the caller's choice: pass
// prometheus.DefaultRegisterer for the usual global registry or a private
// one in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the realtime client
type Metrics struct {
	// Session lifecycle metrics
	SessionsStarted prometheus.Counter
	SessionsFailed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Credential and negotiation metrics
	TokenRequests       prometheus.Counter
	TokenFailures       prometheus.Counter
	NegotiationDuration prometheus.Histogram

	// Conversation metrics
	MessagesSent        prometheus.Counter
	MessagesReceived    prometheus.Counter
	TranscriptsReceived *prometheus.CounterVec
	ConfigUpdates       prometheus.Counter
	ProtocolErrors      *prometheus.CounterVec

	// Audio metrics
	AudioChunksReceived prometheus.Counter
	AudioBytesReceived  prometheus.Counter
	AudioChunksDropped  prometheus.Counter
}

// NewMetrics creates and registers all metrics against reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_sessions_started_total",
			Help: "Total number of conversation sessions started",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_sessions_failed_total",
			Help: "Total number of sessions that ended in error",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_session_duration_seconds",
			Help:    "Duration of conversation sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		TokenRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_token_requests_total",
			Help: "Total number of ephemeral token requests",
		}),
		TokenFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_token_failures_total",
			Help: "Total number of failed ephemeral token requests",
		}),
		NegotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_negotiation_duration_seconds",
			Help:    "Time from connect to an established peer connection",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_messages_sent_total",
			Help: "Total number of user messages sent",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_messages_received_total",
			Help: "Total number of assistant messages received",
		}),
		TranscriptsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_transcripts_received_total",
			Help: "Total number of finalized transcripts by role",
		}, []string{"role"}),
		ConfigUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_config_updates_total",
			Help: "Total number of session configuration updates pushed",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_protocol_errors_total",
			Help: "Total number of protocol errors by code",
		}, []string{"code"}),

		AudioChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_audio_chunks_received_total",
			Help: "Total number of synthesized audio chunks received",
		}),
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_audio_bytes_received_total",
			Help: "Total synthesized audio payload in bytes",
		}),
		AudioChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_audio_chunks_dropped_total",
			Help: "Total number of audio chunks dropped by the playback queue",
		}),
	}
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionFailed increments the failed sessions counter
func (m *Metrics) RecordSessionFailed() {
	m.SessionsFailed.Inc()
}

// RecordSessionEnded records the duration of a finished session
func (m *Metrics) RecordSessionEnded(durationSeconds float64) {
	m.SessionDuration.Observe(durationSeconds)
}

// RecordTokenRequest increments the ephemeral token request counter
func (m *Metrics) RecordTokenRequest() {
	m.TokenRequests.Inc()
}

// RecordTokenFailure increments the failed token request counter
func (m *Metrics) RecordTokenFailure() {
	m.TokenFailures.Inc()
}

// RecordNegotiation records the time a connection took to establish
func (m *Metrics) RecordNegotiation(durationSeconds float64) {
	m.NegotiationDuration.Observe(durationSeconds)
}

// RecordMessageSent increments the sent messages counter
func (m *Metrics) RecordMessageSent() {
	m.MessagesSent.Inc()
}

// RecordMessageReceived increments the received messages counter
func (m *Metrics) RecordMessageReceived() {
	m.MessagesReceived.Inc()
}

// RecordTranscript increments the transcript counter for a role
func (m *Metrics) RecordTranscript(role string) {
	m.TranscriptsReceived.WithLabelValues(role).Inc()
}

// RecordConfigUpdate increments the configuration update counter
func (m *Metrics) RecordConfigUpdate() {
	m.ConfigUpdates.Inc()
}

// RecordProtocolError increments the protocol error counter for a code
func (m *Metrics) RecordProtocolError(code string) {
	if code == "" {
		code = "unknown"
	}
	m.ProtocolErrors.WithLabelValues(code).Inc()
}

// RecordAudioChunk records one received audio chunk
func (m *Metrics) RecordAudioChunk(sizeBytes int) {
	m.AudioChunksReceived.Inc()
	m.AudioBytesReceived.Add(float64(sizeBytes))
}

// RecordAudioChunkDropped increments the dropped chunk counter
func (m *Metrics) RecordAudioChunkDropped() {
	m.AudioChunksDropped.Inc()
}
