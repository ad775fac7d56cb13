package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lingokit/realtime/audio"
	"github.com/lingokit/realtime/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	dataChannelReadyTimeout = 3 * time.Second
	// Fallback for transports that signal connected before channel-open;
	// the wait above is the real gate.
	connectSettleDelay = 250 * time.Millisecond
	audioQueueDepth    = 64
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// AudioSink consumes synthesized speech chunks. audio.CaptureDevice
// implements it.
type AudioSink interface {
	PlayPCM16(ctx context.Context, pcm []byte) error
}

// transportConn is what Session needs from a transport; satisfied by
// Transport and by test doubles.
type transportConn interface {
	Initialize(ctx context.Context) error
	SendData(payload []byte) error
	IsConnected() bool
	IsDataChannelOpen() bool
	ConnectionState() ConnectionSnapshot
	Close()
	Dispose()
	OnDataChannelMessage(fn func(payload []byte)) func()
	OnDataChannelReady(fn func()) func()
	OnAudioTrack(fn func(track *webrtc.TrackRemote)) func()
	OnDisconnected(fn func(reason string)) func()
	OnConnectionFailed(fn func(err error)) func()
}

var _ transportConn = (*Transport)(nil)

// Session is the top-level conversation state machine. It owns one
// transport at a time, translates configuration into protocol messages,
// decodes inbound events and keeps the append-only conversation history.
type Session struct {
	logger shared.LoggerAdapter

	mu           sync.Mutex
	cfg          Config
	status       Status
	disposed     bool
	transport    transportConn
	newTransport func(cfg Config) (transportConn, error)
	capture      *audio.CaptureDevice
	sink         AudioSink
	history      []Message
	lastErr      error
	unsubs       []func()
	audioQueue   chan []byte
	connCtx      context.Context
	connCancel   context.CancelFunc

	statusSig        signal[Status]
	connectedSig     signal[struct{}]
	disconnectedSig  signal[struct{}]
	textSig          signal[Message]
	transcriptionSig signal[Transcript]
	transcriptSig    signal[Transcript]
	audioSig         signal[[]byte]
	errorSig         signal[error]
}

// NewSession resolves overrides against the defaults and validates them
// eagerly. capture may be nil for a receive-only session driven entirely by
// an external sink.
func NewSession(logger shared.LoggerAdapter, overrides Config, capture *audio.CaptureDevice) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	cfg, err := ResolveConfig(overrides)
	if err != nil {
		return nil, err
	}
	s := &Session{
		logger:  logger,
		cfg:     cfg,
		status:  StatusDisconnected,
		capture: capture,
	}
	s.newTransport = func(cfg Config) (transportConn, error) {
		return NewTransport(logger, cfg, capture)
	}
	return s, nil
}

func (s *Session) OnStatusChanged(fn func(Status)) func() { return s.statusSig.subscribe(fn) }
func (s *Session) OnConnected(fn func()) func() {
	return s.connectedSig.subscribe(func(struct{}) { fn() })
}
func (s *Session) OnDisconnected(fn func()) func() {
	return s.disconnectedSig.subscribe(func(struct{}) { fn() })
}
func (s *Session) OnTextReceived(fn func(Message)) func() { return s.textSig.subscribe(fn) }
func (s *Session) OnTranscriptionReceived(fn func(Transcript)) func() {
	return s.transcriptionSig.subscribe(fn)
}

// OnTranscript fires for every finalized utterance of either role; this is
// the feed for transcript consumers such as the text-analysis engine.
func (s *Session) OnTranscript(fn func(Transcript)) func() { return s.transcriptSig.subscribe(fn) }
func (s *Session) OnAudioReceived(fn func([]byte)) func()  { return s.audioSig.subscribe(fn) }
func (s *Session) OnError(fn func(error)) func()           { return s.errorSig.subscribe(fn) }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

// Connect establishes the transport and pushes the session configuration
// once the data channel opens. It is a silent no-op while already
// connected or connecting, so concurrent calls initialize exactly once.
func (s *Session) Connect(ctx context.Context, sink AudioSink) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return shared.ErrDisposed
	}
	if s.status == StatusConnected || s.status == StatusConnecting {
		s.mu.Unlock()
		return nil
	}
	changed := s.transitionLocked(StatusConnecting)
	s.sink = sink
	t, err := s.newTransport(s.cfg)
	if err != nil {
		s.lastErr = err
		s.transitionLocked(StatusError)
		s.mu.Unlock()
		s.statusSig.emit(StatusConnecting)
		s.statusSig.emit(StatusError)
		return fmt.Errorf("creating transport: %w", err)
	}
	s.transport = t
	connCtx, connCancel := context.WithCancel(context.Background())
	s.connCtx, s.connCancel = connCtx, connCancel
	s.unsubs = []func(){
		t.OnDataChannelMessage(s.handleDataChannelMessage),
		t.OnAudioTrack(s.handleRemoteTrack),
		t.OnDisconnected(s.handleTransportDisconnected),
		t.OnConnectionFailed(s.handleTransportFailed),
	}
	s.mu.Unlock()
	if changed {
		s.statusSig.emit(StatusConnecting)
	}

	if err := t.Initialize(ctx); err != nil {
		s.mu.Lock()
		// A concurrent Disconnect or Dispose closed the transport under
		// us; that is not a failure.
		deliberate := s.disposed || s.status == StatusDisconnected
		var errChanged bool
		if !deliberate {
			s.lastErr = err
			s.detachTransportLocked()
			errChanged = s.transitionLocked(StatusError)
		}
		s.mu.Unlock()
		t.Close()
		if errChanged {
			s.statusSig.emit(StatusError)
		}
		return fmt.Errorf("initializing transport: %w", err)
	}

	s.mu.Lock()
	if s.disposed || s.status == StatusDisconnected {
		s.mu.Unlock()
		t.Close()
		return shared.ErrTransportClosed
	}
	queue := make(chan []byte, audioQueueDepth)
	s.audioQueue = queue
	connectedChanged := s.transitionLocked(StatusConnected)
	s.mu.Unlock()

	go s.audioPump(connCtx, queue, sink)
	if connectedChanged {
		s.statusSig.emit(StatusConnected)
	}
	s.connectedSig.emit(struct{}{})
	go s.pushInitialConfig()
	return nil
}

// pushInitialConfig sends the first session.update once the channel opens.
// Failures here are diagnostic only; the conversation is already live.
func (s *Session) pushInitialConfig() {
	if err := s.WaitForDataChannel(dataChannelReadyTimeout); err != nil {
		time.Sleep(connectSettleDelay)
		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		if t == nil || !t.IsDataChannelOpen() {
			s.logger.Warn("data channel not open, skipping initial session config", zap.Error(err))
			return
		}
	}
	if err := s.sendSessionConfig(); err != nil {
		s.logger.Warn("pushing initial session config failed", zap.Error(err))
	}
}

// WaitForDataChannel resolves immediately if the channel is already open,
// otherwise waits for the next ready signal up to timeout. Its listener is
// always detached on exit.
func (s *Session) WaitForDataChannel(timeout time.Duration) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return shared.ErrDisposed
	}
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return shared.ErrNotConnected
	}
	if t.IsDataChannelOpen() {
		return nil
	}
	ready := make(chan struct{}, 1)
	cancel := t.OnDataChannelReady(func() {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return shared.ErrDataChannelTimeout
	}
}

// SendText sends one user message and the explicit response trigger the
// protocol requires, then records the message locally. Nothing is recorded
// if either write fails.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return shared.ErrDisposed
	}
	if s.status != StatusConnected || s.transport == nil {
		s.mu.Unlock()
		return shared.ErrNotConnected
	}
	t := s.transport
	s.mu.Unlock()

	itemPayload, err := newConversationItemCreate(text).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling conversation item: %w", err)
	}
	responsePayload, err := newResponseCreate().MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling response trigger: %w", err)
	}
	if err := t.SendData(itemPayload); err != nil {
		return fmt.Errorf("sending conversation item: %w", err)
	}
	if err := t.SendData(responsePayload); err != nil {
		return fmt.Errorf("sending response trigger: %w", err)
	}

	msg := newUserMessage(text)
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
	s.transcriptSig.emit(Transcript{Role: RoleUser, Text: text})
	return nil
}

// SendAudioChunk appends raw PCM16 to the server-side input buffer.
func (s *Session) SendAudioChunk(pcm []byte) error {
	return s.sendClientEvent(newInputAudioBufferAppend(pcm))
}

// CommitAudioBuffer finalizes the input buffer into a conversation item.
func (s *Session) CommitAudioBuffer() error {
	return s.sendClientEvent(newInputAudioBufferCommit())
}

// ClearAudioBuffer discards any uncommitted input audio.
func (s *Session) ClearAudioBuffer() error {
	return s.sendClientEvent(newInputAudioBufferClear())
}

func (s *Session) sendClientEvent(ev *ClientEvent) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return shared.ErrDisposed
	}
	if s.status != StatusConnected || s.transport == nil {
		s.mu.Unlock()
		return shared.ErrNotConnected
	}
	t := s.transport
	s.mu.Unlock()
	payload, err := ev.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", ev.Type, err)
	}
	if err := t.SendData(payload); err != nil {
		return fmt.Errorf("sending %s: %w", ev.Type, err)
	}
	return nil
}

// UpdateInstructions updates the local configuration and, when connected,
// immediately re-sends the full session configuration so the server's
// authoritative state stays synchronized.
func (s *Session) UpdateInstructions(text string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return shared.ErrDisposed
	}
	s.cfg.Instructions = text
	connected := s.status == StatusConnected
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.sendSessionConfig()
}

// UpdateConfig merges the patch into the configuration. The re-send to the
// server runs in the background; its failures surface as error events since
// no caller is awaiting them.
func (s *Session) UpdateConfig(patch ConfigPatch) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return shared.ErrDisposed
	}
	s.cfg.apply(patch)
	connected := s.status == StatusConnected
	s.mu.Unlock()
	if connected {
		go func() {
			if err := s.sendSessionConfig(); err != nil {
				s.logger.Error("re-sending session config", err)
				s.errorSig.emit(err)
			}
		}()
	}
	return nil
}

// sendSessionConfig writes the full session.update snapshot, never a
// partial patch.
func (s *Session) sendSessionConfig() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return shared.ErrDisposed
	}
	t := s.transport
	cfg := s.cfg
	s.mu.Unlock()
	if t == nil {
		return shared.ErrNotConnected
	}
	payload, err := newSessionUpdate(cfg).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling session config: %w", err)
	}
	if err := t.SendData(payload); err != nil {
		return fmt.Errorf("sending session config: %w", err)
	}
	s.logger.Debug("session config sent")
	return nil
}

// Disconnect closes the transport and detaches the sink. No-op when
// already disconnected; always succeeds, even mid-Initialize.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.detachTransportLocked()
	changed := s.transitionLocked(StatusDisconnected)
	s.mu.Unlock()
	if t != nil {
		t.Close()
	}
	if changed {
		s.statusSig.emit(StatusDisconnected)
	}
	s.disconnectedSig.emit(struct{}{})
}

// Dispose is terminal: after it, every mutating call fails fast with no
// I/O and all listeners are detached. Idempotent.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	t := s.transport
	s.detachTransportLocked()
	changed := s.transitionLocked(StatusDisconnected)
	s.mu.Unlock()
	if t != nil {
		t.Dispose()
	}
	if changed {
		s.statusSig.emit(StatusDisconnected)
	}
	s.statusSig.clear()
	s.connectedSig.clear()
	s.disconnectedSig.clear()
	s.textSig.clear()
	s.transcriptionSig.clear()
	s.transcriptSig.clear()
	s.audioSig.clear()
	s.errorSig.clear()
	s.logger.Info("session disposed")
}

func (s *Session) transitionLocked(status Status) bool {
	if s.status == status {
		return false
	}
	s.logger.Debug(
		"status changed",
		zap.String("prev", s.status.String()),
		zap.String("new", status.String()),
	)
	s.status = status
	return true
}

func (s *Session) detachTransportLocked() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.transport = nil
	s.sink = nil
	s.audioQueue = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
		s.connCtx = nil
	}
}

// handleDataChannelMessage decodes one inbound protocol event. Malformed
// payloads and handler panics are logged and dropped; they must never
// terminate the listener.
func (s *Session) handleDataChannelMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling data channel message", fmt.Errorf("%v", r))
		}
	}()
	event := new(ServerEvent)
	if err := event.UnmarshalJSON(data); err != nil {
		s.logger.Warn("dropping malformed data channel message", zap.Error(err))
		return
	}
	if event.Param == nil {
		s.logger.Debug("ignoring unhandled event type", zap.String("type", string(event.Type)))
		return
	}
	switch p := event.Param.(type) {
	case *ServerEventParamConversationItemCreated:
		if p.Role != string(RoleAssistant) || p.Text == "" {
			return
		}
		msg := Message{
			ID:        p.ItemId,
			Role:      RoleAssistant,
			Text:      p.Text,
			Timestamp: time.Now(),
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		s.mu.Lock()
		s.history = append(s.history, msg)
		s.mu.Unlock()
		s.textSig.emit(msg)
		s.transcriptSig.emit(Transcript{Role: RoleAssistant, Text: p.Text})
	case *ServerEventParamInputAudioTranscriptionCompleted:
		transcript := Transcript{Role: RoleUser, Text: p.Transcript}
		s.transcriptionSig.emit(transcript)
		s.transcriptSig.emit(transcript)
	case *ServerEventParamResponseAudioDelta:
		s.audioSig.emit(p.Delta)
		s.mu.Lock()
		queue := s.audioQueue
		s.mu.Unlock()
		if queue != nil {
			select {
			case queue <- p.Delta:
			default:
				s.logger.Warn("audio queue full, dropping chunk", zap.Int("bytes", len(p.Delta)))
			}
		}
	case *ServerEventParamError:
		message := p.Message
		if message == "" {
			message = "Unknown error"
		}
		s.errorSig.emit(&shared.ProtocolError{Code: p.Code, Message: message})
	default:
		s.logger.Debug("acknowledged event", zap.String("type", string(event.Type)))
	}
}

// audioPump plays queued chunks one at a time so successive deltas come out
// in order and back to back.
func (s *Session) audioPump(ctx context.Context, queue <-chan []byte, sink AudioSink) {
	if sink == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-queue:
			if err := sink.PlayPCM16(ctx, chunk); err != nil && ctx.Err() == nil {
				s.logger.Warn("playing audio chunk", zap.Error(err))
			}
		}
	}
}

func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	capture := s.capture
	ctx := s.connCtx
	s.mu.Unlock()
	if capture == nil || ctx == nil {
		return
	}
	go func() {
		if err := capture.PlayRemoteTrack(ctx, track); err != nil {
			s.logger.Error("playing remote track", err)
		}
	}()
}

func (s *Session) handleTransportDisconnected(reason string) {
	s.logger.Info("transport disconnected", zap.String("reason", reason))
	s.mu.Lock()
	if s.disposed || s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.detachTransportLocked()
	changed := s.transitionLocked(StatusDisconnected)
	s.mu.Unlock()
	if changed {
		s.statusSig.emit(StatusDisconnected)
	}
	s.disconnectedSig.emit(struct{}{})
}

func (s *Session) handleTransportFailed(err error) {
	s.logger.Error("transport failed", err)
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	s.detachTransportLocked()
	changed := s.transitionLocked(StatusError)
	s.mu.Unlock()
	if changed {
		s.statusSig.emit(StatusError)
	}
	s.errorSig.emit(err)
}
