package realtime

import (
	"github.com/lingokit/realtime/audio"
	"github.com/lingokit/realtime/shared"
)

// MaxOutputTokensUnbounded removes the response token cap. It serializes as
// an explicit null on the wire.
const MaxOutputTokensUnbounded = -1

// TurnDetection is the server-side voice-activity policy deciding when the
// user has finished speaking.
type TurnDetection struct {
	Type              string
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// Config is the full session configuration. Build one with ResolveConfig so
// every field is populated; the mutable subset is patched through
// ConfigPatch while connected.
type Config struct {
	// TokenEndpoint mints the ephemeral credential. Required.
	TokenEndpoint string
	// NegotiationBaseURL hosts the SDP exchange endpoint.
	NegotiationBaseURL string

	Model        string
	Voice        string
	Instructions string
	Modalities   []string

	InputAudioFormat        string
	OutputAudioFormat       string
	InputTranscriptionModel string

	TurnDetection   TurnDetection
	Temperature     float64
	MaxOutputTokens int

	ICEServers []string
	Capture    audio.CaptureConstraints
	Debug      bool
}

func DefaultConfig() Config {
	return Config{
		NegotiationBaseURL:      "https://api.openai.com",
		Model:                   "gpt-4o-realtime-preview",
		Voice:                   "alloy",
		Instructions:            "You are a friendly, patient conversation partner. Speak clearly and at a natural pace.",
		Modalities:              []string{"text", "audio"},
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputTranscriptionModel: "whisper-1",
		TurnDetection: TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Temperature:     0.8,
		MaxOutputTokens: MaxOutputTokensUnbounded,
		ICEServers:      []string{"stun:stun.l.google.com:19302"},
		Capture:         audio.DefaultCaptureConstraints(),
	}
}

// ResolveConfig merges overrides onto the defaults and validates eagerly.
// Zero-valued fields take the default; a zero Temperature or
// MaxOutputTokens therefore means "default", not zero.
func ResolveConfig(overrides Config) (Config, error) {
	cfg := DefaultConfig()
	if overrides.TokenEndpoint != "" {
		cfg.TokenEndpoint = overrides.TokenEndpoint
	}
	if overrides.NegotiationBaseURL != "" {
		cfg.NegotiationBaseURL = overrides.NegotiationBaseURL
	}
	if overrides.Model != "" {
		cfg.Model = overrides.Model
	}
	if overrides.Voice != "" {
		cfg.Voice = overrides.Voice
	}
	if overrides.Instructions != "" {
		cfg.Instructions = overrides.Instructions
	}
	if len(overrides.Modalities) > 0 {
		cfg.Modalities = overrides.Modalities
	}
	if overrides.InputAudioFormat != "" {
		cfg.InputAudioFormat = overrides.InputAudioFormat
	}
	if overrides.OutputAudioFormat != "" {
		cfg.OutputAudioFormat = overrides.OutputAudioFormat
	}
	if overrides.InputTranscriptionModel != "" {
		cfg.InputTranscriptionModel = overrides.InputTranscriptionModel
	}
	if overrides.TurnDetection != (TurnDetection{}) {
		cfg.TurnDetection = overrides.TurnDetection
	}
	if overrides.Temperature != 0 {
		cfg.Temperature = overrides.Temperature
	}
	if overrides.MaxOutputTokens != 0 {
		cfg.MaxOutputTokens = overrides.MaxOutputTokens
	}
	if len(overrides.ICEServers) > 0 {
		cfg.ICEServers = overrides.ICEServers
	}
	if overrides.Capture != (audio.CaptureConstraints{}) {
		cfg.Capture = overrides.Capture
	}
	cfg.Debug = overrides.Debug
	if cfg.TokenEndpoint == "" {
		return Config{}, shared.ErrNoTokenEndpoint
	}
	return cfg, nil
}

// ConfigPatch is the mutable subset of Config. Nil fields are left
// untouched.
type ConfigPatch struct {
	Instructions            *string
	Voice                   *string
	Temperature             *float64
	MaxOutputTokens         *int
	TurnDetection           *TurnDetection
	Modalities              []string
	InputAudioFormat        *string
	OutputAudioFormat       *string
	InputTranscriptionModel *string
}

func (c *Config) apply(p ConfigPatch) {
	if p.Instructions != nil {
		c.Instructions = *p.Instructions
	}
	if p.Voice != nil {
		c.Voice = *p.Voice
	}
	if p.Temperature != nil {
		c.Temperature = *p.Temperature
	}
	if p.MaxOutputTokens != nil {
		c.MaxOutputTokens = *p.MaxOutputTokens
	}
	if p.TurnDetection != nil {
		c.TurnDetection = *p.TurnDetection
	}
	if len(p.Modalities) > 0 {
		c.Modalities = p.Modalities
	}
	if p.InputAudioFormat != nil {
		c.InputAudioFormat = *p.InputAudioFormat
	}
	if p.OutputAudioFormat != nil {
		c.OutputAudioFormat = *p.OutputAudioFormat
	}
	if p.InputTranscriptionModel != nil {
		c.InputTranscriptionModel = *p.InputTranscriptionModel
	}
}
