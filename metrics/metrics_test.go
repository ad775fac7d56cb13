package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionStarted()
	m.RecordSessionStarted()
	m.RecordSessionFailed()
	m.RecordMessageSent()
	m.RecordMessageReceived()
	m.RecordTranscript("user")
	m.RecordTranscript("user")
	m.RecordTranscript("assistant")
	m.RecordConfigUpdate()
	m.RecordAudioChunk(4800)
	m.RecordAudioChunk(2400)
	m.RecordAudioChunkDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TranscriptsReceived.WithLabelValues("user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TranscriptsReceived.WithLabelValues("assistant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConfigUpdates))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AudioChunksReceived))
	assert.Equal(t, 7200.0, testutil.ToFloat64(m.AudioBytesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AudioChunksDropped))
}

func TestProtocolErrorCodeFallback(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordProtocolError("")
	m.RecordProtocolError("rate_limit")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolErrors.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolErrors.WithLabelValues("rate_limit")))
}

func TestNewMetricsRegistersEverything(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordSessionStarted()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
