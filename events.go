package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types. The acknowledged-only types are parsed so they log
// cleanly; the session acts on the first five.
const (
	ServerEventTypeError                            ServerEventType = "error"
	ServerEventTypeSessionCreated                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                   ServerEventType = "session.updated"
	ServerEventTypeConversationItemCreated          ServerEventType = "conversation.item.created"
	ServerEventTypeInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeInputAudioBufferCommitted        ServerEventType = "input_audio_buffer.committed"
	ServerEventTypeInputAudioBufferSpeechStarted    ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped    ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeResponseCreated                  ServerEventType = "response.created"
	ServerEventTypeResponseDone                     ServerEventType = "response.done"
	ServerEventTypeResponseTextDelta                ServerEventType = "response.text.delta"
	ServerEventTypeResponseTextDone                 ServerEventType = "response.text.done"
	ServerEventTypeResponseAudioDelta               ServerEventType = "response.audio.delta"
	ServerEventTypeResponseAudioDone                ServerEventType = "response.audio.done"
	ServerEventTypeResponseAudioTranscriptDelta     ServerEventType = "response.audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone      ServerEventType = "response.audio_transcript.done"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  ClientEventType = "input_audio_buffer.clear"
)

// ServerEvent is one inbound data channel message. Unknown types parse
// successfully with a nil Param so the protocol can evolve without breaking
// the client.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   ServerEventParam
}

type ServerEventParam interface {
	New(map[string]any) error
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	// event_id is not sent on every path
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeSessionCreated:
		e.Param = new(ServerEventParamSessionCreated)
	case ServerEventTypeSessionUpdated:
		e.Param = new(ServerEventParamSessionUpdated)
	case ServerEventTypeConversationItemCreated:
		e.Param = new(ServerEventParamConversationItemCreated)
	case ServerEventTypeInputAudioTranscriptionCompleted:
		e.Param = new(ServerEventParamInputAudioTranscriptionCompleted)
	case ServerEventTypeInputAudioBufferCommitted:
		e.Param = new(ServerEventParamInputAudioBufferCommitted)
	case ServerEventTypeInputAudioBufferSpeechStarted:
		e.Param = new(ServerEventParamInputAudioBufferSpeechStarted)
	case ServerEventTypeInputAudioBufferSpeechStopped:
		e.Param = new(ServerEventParamInputAudioBufferSpeechStopped)
	case ServerEventTypeResponseCreated:
		e.Param = new(ServerEventParamResponseCreated)
	case ServerEventTypeResponseDone:
		e.Param = new(ServerEventParamResponseDone)
	case ServerEventTypeResponseTextDelta:
		e.Param = new(ServerEventParamResponseTextDelta)
	case ServerEventTypeResponseTextDone:
		e.Param = new(ServerEventParamResponseTextDone)
	case ServerEventTypeResponseAudioDelta:
		e.Param = new(ServerEventParamResponseAudioDelta)
	case ServerEventTypeResponseAudioDone:
		e.Param = new(ServerEventParamResponseAudioDone)
	case ServerEventTypeResponseAudioTranscriptDelta:
		e.Param = new(ServerEventParamResponseAudioTranscriptDelta)
	case ServerEventTypeResponseAudioTranscriptDone:
		e.Param = new(ServerEventParamResponseAudioTranscriptDone)
	default:
		e.Param = nil
		return nil
	}
	return e.Param.New(raw)
}

// ClientEvent is one outbound data channel message.
type ClientEvent struct {
	Type  ClientEventType
	Param ClientEventParam
}

type ClientEventParam interface {
	Json() map[string]any
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	resp := map[string]any{}
	if e.Param != nil {
		for k, v := range e.Param.Json() {
			resp[k] = v
		}
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// error
type ServerEventParamError struct {
	Code    string
	Message string
	Details any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		// some paths flatten the error fields onto the envelope
		errObj = m
	}
	if v, ok := errObj["code"].(string); ok {
		p.Code = v
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	}
	p.Details = errObj["details"]
	return nil
}

// session.created
type ServerEventParamSessionCreated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionCreated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

// session.updated
type ServerEventParamSessionUpdated struct {
	Session map[string]any
}

func (p *ServerEventParamSessionUpdated) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	} else {
		return errors.New("missing session")
	}
	return nil
}

// conversation.item.created
type ServerEventParamConversationItemCreated struct {
	ItemId string
	Role   string
	Text   string
}

func (p *ServerEventParamConversationItemCreated) New(m map[string]any) error {
	item, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	if v, ok := item["id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := item["role"].(string); ok {
		p.Role = v
	}
	content, _ := item["content"].([]any)
	for _, entry := range content {
		part, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := part["type"].(string); t != "text" && t != "input_text" && t != "audio" {
			continue
		}
		if text, ok := part["text"].(string); ok && text != "" {
			p.Text = text
			break
		}
		if transcript, ok := part["transcript"].(string); ok && transcript != "" {
			p.Text = transcript
			break
		}
	}
	return nil
}

// conversation.item.input_audio_transcription.completed
type ServerEventParamInputAudioTranscriptionCompleted struct {
	ItemId     string
	Transcript string
}

func (p *ServerEventParamInputAudioTranscriptionCompleted) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

// input_audio_buffer.committed
type ServerEventParamInputAudioBufferCommitted struct {
	ItemId string
}

func (p *ServerEventParamInputAudioBufferCommitted) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	return nil
}

// input_audio_buffer.speech_started
type ServerEventParamInputAudioBufferSpeechStarted struct {
	AudioStartMs int
}

func (p *ServerEventParamInputAudioBufferSpeechStarted) New(m map[string]any) error {
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioStartMs = v
	}
	return nil
}

// input_audio_buffer.speech_stopped
type ServerEventParamInputAudioBufferSpeechStopped struct {
	AudioEndMs int
}

func (p *ServerEventParamInputAudioBufferSpeechStopped) New(m map[string]any) error {
	if v, ok := asInt(m["audio_end_ms"]); ok {
		p.AudioEndMs = v
	}
	return nil
}

// response.created
type ServerEventParamResponseCreated struct {
	Response map[string]any
}

func (p *ServerEventParamResponseCreated) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	}
	return nil
}

// response.done
type ServerEventParamResponseDone struct {
	Response map[string]any
}

func (p *ServerEventParamResponseDone) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	}
	return nil
}

// response.text.delta
type ServerEventParamResponseTextDelta struct {
	ItemId string
	Delta  string
}

func (p *ServerEventParamResponseTextDelta) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

// response.text.done
type ServerEventParamResponseTextDone struct {
	ItemId string
	Text   string
}

func (p *ServerEventParamResponseTextDone) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := m["text"].(string); ok {
		p.Text = v
	}
	return nil
}

// response.audio.delta
type ServerEventParamResponseAudioDelta struct {
	ItemId string
	Delta  []byte
}

func (p *ServerEventParamResponseAudioDelta) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	encoded, ok := m["delta"].(string)
	if !ok {
		return errors.New("missing delta")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decoding audio delta: %w", err)
	}
	p.Delta = decoded
	return nil
}

// response.audio.done
type ServerEventParamResponseAudioDone struct {
	ItemId string
}

func (p *ServerEventParamResponseAudioDone) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	return nil
}

// response.audio_transcript.delta
type ServerEventParamResponseAudioTranscriptDelta struct {
	ItemId string
	Delta  string
}

func (p *ServerEventParamResponseAudioTranscriptDelta) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

// response.audio_transcript.done
type ServerEventParamResponseAudioTranscriptDone struct {
	ItemId     string
	Transcript string
}

func (p *ServerEventParamResponseAudioTranscriptDone) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	}
	return nil
}

// session.update
type ClientEventParamSessionUpdate struct {
	Session map[string]any
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// conversation.item.create
type ClientEventParamConversationItemCreate struct {
	Role Role
	Text string
}

func (p *ClientEventParamConversationItemCreate) Json() map[string]any {
	return map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": string(p.Role),
			"content": []map[string]any{
				{
					"type": "input_text",
					"text": p.Text,
				},
			},
		},
	}
}

// response.create
type ClientEventParamResponseCreate struct{}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	return map[string]any{}
}

// input_audio_buffer.append
type ClientEventParamInputAudioBufferAppend struct {
	Audio []byte
}

func (p *ClientEventParamInputAudioBufferAppend) Json() map[string]any {
	return map[string]any{
		"audio": base64.StdEncoding.EncodeToString(p.Audio),
	}
}

// input_audio_buffer.commit / input_audio_buffer.clear
type ClientEventParamEmpty struct{}

func (p *ClientEventParamEmpty) Json() map[string]any {
	return map[string]any{}
}

// newSessionUpdate builds the full session.update snapshot. It is always
// the complete configuration, never a delta, so a dropped update cannot
// leave the server with mixed old and new state.
func newSessionUpdate(cfg Config) *ClientEvent {
	var transcription any
	if cfg.InputAudioFormat != "" {
		transcription = map[string]any{"model": cfg.InputTranscriptionModel}
	}
	var maxTokens any
	if cfg.MaxOutputTokens != MaxOutputTokensUnbounded {
		maxTokens = cfg.MaxOutputTokens
	}
	return &ClientEvent{
		Type: ClientEventTypeSessionUpdate,
		Param: &ClientEventParamSessionUpdate{
			Session: map[string]any{
				"model":                     cfg.Model,
				"modalities":                cfg.Modalities,
				"instructions":              cfg.Instructions,
				"voice":                     cfg.Voice,
				"input_audio_format":        cfg.InputAudioFormat,
				"output_audio_format":       cfg.OutputAudioFormat,
				"input_audio_transcription": transcription,
				"turn_detection": map[string]any{
					"type":                cfg.TurnDetection.Type,
					"threshold":           cfg.TurnDetection.Threshold,
					"prefix_padding_ms":   cfg.TurnDetection.PrefixPaddingMs,
					"silence_duration_ms": cfg.TurnDetection.SilenceDurationMs,
				},
				"temperature":       cfg.Temperature,
				"max_output_tokens": maxTokens,
			},
		},
	}
}

func newConversationItemCreate(text string) *ClientEvent {
	return &ClientEvent{
		Type:  ClientEventTypeConversationItemCreate,
		Param: &ClientEventParamConversationItemCreate{Role: RoleUser, Text: text},
	}
}

func newResponseCreate() *ClientEvent {
	return &ClientEvent{
		Type:  ClientEventTypeResponseCreate,
		Param: &ClientEventParamResponseCreate{},
	}
}

func newInputAudioBufferAppend(pcm []byte) *ClientEvent {
	return &ClientEvent{
		Type:  ClientEventTypeInputAudioBufferAppend,
		Param: &ClientEventParamInputAudioBufferAppend{Audio: pcm},
	}
}

func newInputAudioBufferCommit() *ClientEvent {
	return &ClientEvent{
		Type:  ClientEventTypeInputAudioBufferCommit,
		Param: &ClientEventParamEmpty{},
	}
}

func newInputAudioBufferClear() *ClientEvent {
	return &ClientEvent{
		Type:  ClientEventTypeInputAudioBufferClear,
		Param: &ClientEventParamEmpty{},
	}
}
