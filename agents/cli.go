package agents

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	pkg "github.com/lingokit/realtime"
	"github.com/lingokit/realtime/audio"
	"github.com/lingokit/realtime/metrics"
	"github.com/lingokit/realtime/shared"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// VoiceAgent wires a conversation session, the capture device and a printer
// into a terminal voice-practice loop.
type VoiceAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	metrics *metrics.Metrics
	session *pkg.Session
	capture *audio.CaptureDevice

	mu        sync.Mutex
	started   time.Time
	unsubs    []func()
	done      chan struct{}
	closeOnce sync.Once
}

// Spawn builds the session, connects it and starts printing the
// conversation. It returns once the connection is live; the returned agent
// keeps running until Close or a transport-side disconnect.
func (a *VoiceAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	overrides pkg.Config,
	printer *shared.Printer,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.metrics = metrics.NewMetrics(prometheus.DefaultRegisterer)
	a.done = make(chan struct{})
	a.logger.Info("spawning voice agent")
	if err := a.printer.Writeln("🤖 Spawning voice agent...\n", 0); err != nil {
		a.logger.Error("printing spawning message", err)
	}

	// Capture device; a missing microphone downgrades to receive-only
	// inside the transport, it is not fatal here.
	capture, err := audio.NewCaptureDevice(a.logger)
	if err != nil {
		a.logger.Error("creating capture device", err)
		return err
	}
	a.capture = capture

	session, err := pkg.NewSession(a.logger, overrides, capture)
	if err != nil {
		a.logger.Error("creating session", err)
		return err
	}
	a.session = session
	a.logger.Info("session created successfully")

	if err := a.printer.Writeln("📋 Session Config\n", 0); err != nil {
		a.logger.Error("printing session config message", err)
	}
	resolved, err := pkg.ResolveConfig(overrides)
	if err != nil {
		return err
	}
	yamlBytes, err := yaml.MarshalWithOptions(configSnapshot(resolved), yaml.UseJSONMarshaler())
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing session config", err)
		return err
	}

	a.wireObservers()

	if err := a.printer.Writeln("\n📡 Connecting...", 0); err != nil {
		a.logger.Error("printing connecting message", err)
	}
	a.metrics.RecordSessionStarted()
	a.metrics.RecordTokenRequest()
	connectStart := time.Now()
	if err := session.Connect(ctx, capture); err != nil {
		a.metrics.RecordSessionFailed()
		var credErr *shared.CredentialError
		if errors.As(err, &credErr) {
			a.metrics.RecordTokenFailure()
		}
		a.logger.Error("connecting session", err)
		if perr := a.printer.Writeln("❌ Unable to connect. Check the token endpoint and your network.\n", 0); perr != nil {
			a.logger.Error("printing connect failure message", perr)
		}
		return err
	}
	a.metrics.RecordNegotiation(time.Since(connectStart).Seconds())
	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()
	if err := a.printer.Writeln("✅ Connected. Start speaking, or type a message.\n", 0); err != nil {
		a.logger.Error("printing connected message", err)
	}
	return nil
}

func (a *VoiceAgent) wireObservers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unsubs = []func(){
		a.session.OnTranscript(func(tr pkg.Transcript) {
			a.metrics.RecordTranscript(string(tr.Role))
			label := "🧑"
			if tr.Role == pkg.RoleAssistant {
				label = "🤖"
				a.metrics.RecordMessageReceived()
			}
			if err := a.printer.Writeln(label+" "+tr.Text, 0); err != nil {
				a.logger.Error("printing transcript", err)
			}
		}),
		a.session.OnAudioReceived(func(pcm []byte) {
			a.metrics.RecordAudioChunk(len(pcm))
		}),
		a.session.OnError(func(err error) {
			var protoErr *shared.ProtocolError
			if errors.As(err, &protoErr) {
				a.metrics.RecordProtocolError(protoErr.Code)
			}
			a.logger.Error("session error", err)
			if perr := a.printer.Writeln("⚠️  "+err.Error(), 0); perr != nil {
				a.logger.Error("printing session error", perr)
			}
		}),
		a.session.OnStatusChanged(func(st pkg.Status) {
			a.logger.Info("session status changed", zap.String("status", st.String()))
		}),
		a.session.OnDisconnected(func() {
			a.finish()
		}),
	}
}

// Say sends one typed user message into the conversation.
func (a *VoiceAgent) Say(text string) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return shared.ErrNotConnected
	}
	if err := session.SendText(text); err != nil {
		return err
	}
	a.metrics.RecordMessageSent()
	return nil
}

// SetInstructions swaps the coaching instructions mid-conversation.
func (a *VoiceAgent) SetInstructions(text string) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return shared.ErrNotConnected
	}
	if err := session.UpdateInstructions(text); err != nil {
		return err
	}
	a.metrics.RecordConfigUpdate()
	return nil
}

// MicLevel reports the current input level for a terminal meter.
func (a *VoiceAgent) MicLevel() float64 {
	a.mu.Lock()
	capture := a.capture
	a.mu.Unlock()
	if capture == nil {
		return 0
	}
	return capture.Level()
}

// Done is closed once the agent shuts down for any reason.
func (a *VoiceAgent) Done() <-chan struct{} {
	return a.done
}

// Close disconnects the session and releases the audio device.
func (a *VoiceAgent) Close() error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session != nil {
		session.Disconnect()
		session.Dispose()
	}
	a.finish()
	return nil
}

func (a *VoiceAgent) finish() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		for _, unsub := range a.unsubs {
			unsub()
		}
		a.unsubs = nil
		started := a.started
		capture := a.capture
		a.mu.Unlock()
		if capture != nil {
			capture.Stop()
		}
		if !started.IsZero() {
			a.metrics.RecordSessionEnded(time.Since(started).Seconds())
		}
		close(a.done)
		a.logger.Info("voice agent finished")
	})
}

// configSnapshot is the YAML-friendly view of the resolved configuration.
// The token endpoint is deliberately omitted from the dump.
func configSnapshot(cfg pkg.Config) map[string]any {
	maxTokens := any("unbounded")
	if cfg.MaxOutputTokens != pkg.MaxOutputTokensUnbounded {
		maxTokens = cfg.MaxOutputTokens
	}
	return map[string]any{
		"model":               cfg.Model,
		"voice":               cfg.Voice,
		"modalities":          cfg.Modalities,
		"input_audio_format":  cfg.InputAudioFormat,
		"output_audio_format": cfg.OutputAudioFormat,
		"transcription_model": cfg.InputTranscriptionModel,
		"turn_detection": map[string]any{
			"type":                cfg.TurnDetection.Type,
			"threshold":           cfg.TurnDetection.Threshold,
			"prefix_padding_ms":   cfg.TurnDetection.PrefixPaddingMs,
			"silence_duration_ms": cfg.TurnDetection.SilenceDurationMs,
		},
		"temperature":       cfg.Temperature,
		"max_output_tokens": maxTokens,
		"capture": map[string]any{
			"sample_rate":   cfg.Capture.SampleRate,
			"channel_count": cfg.Capture.ChannelCount,
		},
	}
}
