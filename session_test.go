package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/lingokit/realtime/shared"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	mu        sync.Mutex
	initCalls int
	initErr   error
	initHook  func()
	sendErr   error
	sent      [][]byte
	closed    bool
	disposed  bool
	dcOpen    bool
	onMessage func(payload []byte)
	readyNext int
	readySubs map[int]func()
	onDisc    func(reason string)
	onFailed  func(err error)
}

func newStubTransport() *stubTransport {
	return &stubTransport{dcOpen: true, readySubs: map[int]func(){}}
}

func (t *stubTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	t.initCalls++
	hook := t.initHook
	err := t.initErr
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (t *stubTransport) SendData(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, payload)
	return nil
}

func (t *stubTransport) IsConnected() bool { return true }

func (t *stubTransport) IsDataChannelOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dcOpen
}

func (t *stubTransport) ConnectionState() ConnectionSnapshot { return ConnectionSnapshot{} }

func (t *stubTransport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *stubTransport) Dispose() {
	t.mu.Lock()
	t.disposed = true
	t.mu.Unlock()
}

func (t *stubTransport) OnDataChannelMessage(fn func(payload []byte)) func() {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
	return func() {}
}

func (t *stubTransport) OnDataChannelReady(fn func()) func() {
	t.mu.Lock()
	id := t.readyNext
	t.readyNext++
	t.readySubs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.readySubs, id)
		t.mu.Unlock()
	}
}

func (t *stubTransport) OnAudioTrack(fn func(track *webrtc.TrackRemote)) func() { return func() {} }

func (t *stubTransport) OnDisconnected(fn func(reason string)) func() {
	t.mu.Lock()
	t.onDisc = fn
	t.mu.Unlock()
	return func() {}
}

func (t *stubTransport) OnConnectionFailed(fn func(err error)) func() {
	t.mu.Lock()
	t.onFailed = fn
	t.mu.Unlock()
	return func() {}
}

func (t *stubTransport) fireReady() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.readySubs))
	for _, fn := range t.readySubs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *stubTransport) deliver(tb testing.TB, payload string) {
	tb.Helper()
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	require.NotNil(tb, fn, "no data channel message handler attached")
	fn([]byte(payload))
}

func (t *stubTransport) sentTypes(tb testing.TB) []string {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	types := make([]string, 0, len(t.sent))
	for _, payload := range t.sent {
		var raw map[string]any
		require.NoError(tb, sonic.Unmarshal(payload, &raw))
		v, _ := raw["type"].(string)
		types = append(types, v)
	}
	return types
}

func newStubSession(t *testing.T) (*Session, *stubTransport) {
	t.Helper()
	s, err := NewSession(shared.NewNopLogger(), Config{TokenEndpoint: "http://localhost/token"}, nil)
	require.NoError(t, err)
	stub := newStubTransport()
	s.newTransport = func(cfg Config) (transportConn, error) { return stub, nil }
	return s, stub
}

func connectStubSession(t *testing.T) (*Session, *stubTransport) {
	t.Helper()
	s, stub := newStubSession(t)
	require.NoError(t, s.Connect(context.Background(), nil))
	require.Equal(t, StatusConnected, s.Status())
	// the initial session.update is pushed asynchronously; wait for it so
	// assertions on sent payloads are deterministic
	require.Eventually(t, func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return len(stub.sent) == 1
	}, time.Second, time.Millisecond)
	return s, stub
}

func TestNewSessionRequiresLogger(t *testing.T) {
	_, err := NewSession(nil, Config{TokenEndpoint: "http://localhost/token"}, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
}

func TestNewSessionRequiresTokenEndpoint(t *testing.T) {
	_, err := NewSession(shared.NewNopLogger(), Config{}, nil)
	assert.ErrorIs(t, err, shared.ErrNoTokenEndpoint)
}

func TestConnectTwiceInitializesOnce(t *testing.T) {
	s, stub := newStubSession(t)
	require.NoError(t, s.Connect(context.Background(), nil))
	require.NoError(t, s.Connect(context.Background(), nil))
	assert.Equal(t, 1, stub.initCalls)
	assert.Equal(t, StatusConnected, s.Status())
}

func TestConnectFailureSetsErrorStatus(t *testing.T) {
	s, stub := newStubSession(t)
	stub.initErr = fmt.Errorf("negotiation refused")

	var statuses []Status
	var mu sync.Mutex
	s.OnStatusChanged(func(st Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})

	err := s.Connect(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, StatusError, s.Status())
	assert.ErrorIs(t, s.LastError(), stub.initErr)
	assert.True(t, stub.closed)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusError}, statuses)
}

func TestDisconnectDuringInitializeStaysDisconnected(t *testing.T) {
	s, stub := newStubSession(t)
	stub.initHook = func() { s.Disconnect() }

	err := s.Connect(context.Background(), nil)
	assert.ErrorIs(t, err, shared.ErrTransportClosed)
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.True(t, stub.closed)
}

func TestDisposeFailsFastWithNoIO(t *testing.T) {
	s, stub := newStubSession(t)
	s.Dispose()

	assert.ErrorIs(t, s.Connect(context.Background(), nil), shared.ErrDisposed)
	assert.ErrorIs(t, s.SendText("hola"), shared.ErrDisposed)
	assert.ErrorIs(t, s.SendAudioChunk([]byte{1}), shared.ErrDisposed)
	assert.ErrorIs(t, s.UpdateInstructions("x"), shared.ErrDisposed)
	assert.Equal(t, 0, stub.initCalls)
	assert.Empty(t, stub.sent)

	// idempotent
	s.Dispose()
}

func TestSendTextWritesItemThenTrigger(t *testing.T) {
	s, stub := connectStubSession(t)

	require.NoError(t, s.SendText("Hola"))

	types := stub.sentTypes(t)
	require.Len(t, types, 3) // session.update from connect, then the pair
	assert.Equal(t, "session.update", types[0])
	assert.Equal(t, "conversation.item.create", types[1])
	assert.Equal(t, "response.create", types[2])

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, "Hola", history[0].Text)
	assert.NotEmpty(t, history[0].ID)
}

func TestSendTextFailureRecordsNothing(t *testing.T) {
	s, stub := connectStubSession(t)
	stub.mu.Lock()
	stub.sendErr = shared.ErrDataChannelClosed
	stub.mu.Unlock()

	err := s.SendText("Hola")
	assert.ErrorIs(t, err, shared.ErrDataChannelClosed)
	assert.Empty(t, s.History())
}

func TestSendTextRequiresConnection(t *testing.T) {
	s, _ := newStubSession(t)
	assert.ErrorIs(t, s.SendText("Hola"), shared.ErrNotConnected)
}

func TestAudioBufferEvents(t *testing.T) {
	s, stub := connectStubSession(t)

	require.NoError(t, s.SendAudioChunk([]byte{1, 2}))
	require.NoError(t, s.CommitAudioBuffer())
	require.NoError(t, s.ClearAudioBuffer())

	types := stub.sentTypes(t)
	require.Len(t, types, 4)
	assert.Equal(t, "input_audio_buffer.append", types[1])
	assert.Equal(t, "input_audio_buffer.commit", types[2])
	assert.Equal(t, "input_audio_buffer.clear", types[3])

	stub.mu.Lock()
	appendPayload := stub.sent[1]
	stub.mu.Unlock()
	var raw map[string]any
	require.NoError(t, sonic.Unmarshal(appendPayload, &raw))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2}), raw["audio"])
}

func TestUnknownEventTypeLeavesStateUntouched(t *testing.T) {
	s, stub := connectStubSession(t)

	var events int
	var mu sync.Mutex
	count := func() func(Message) {
		return func(Message) { mu.Lock(); events++; mu.Unlock() }
	}
	s.OnTextReceived(count())
	s.OnError(func(error) { mu.Lock(); events++; mu.Unlock() })

	stub.deliver(t, `{"type":"response.output_item.added","event_id":"ev_1"}`)

	assert.Equal(t, StatusConnected, s.Status())
	assert.Empty(t, s.History())
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, events)
}

func TestMalformedMessageIsDropped(t *testing.T) {
	s, stub := connectStubSession(t)
	stub.deliver(t, `{not json`)
	stub.deliver(t, `{"event_id":"ev_1"}`) // missing type
	assert.Equal(t, StatusConnected, s.Status())
	assert.Empty(t, s.History())
}

func TestAssistantItemAppendsHistoryAndEmits(t *testing.T) {
	s, stub := connectStubSession(t)

	var got Message
	var transcripts []Transcript
	var mu sync.Mutex
	s.OnTextReceived(func(m Message) { mu.Lock(); got = m; mu.Unlock() })
	s.OnTranscript(func(tr Transcript) { mu.Lock(); transcripts = append(transcripts, tr); mu.Unlock() })

	stub.deliver(t, `{
		"type": "conversation.item.created",
		"item": {
			"id": "item_1",
			"role": "assistant",
			"content": [{"type": "text", "text": "Muy bien"}]
		}
	}`)

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, RoleAssistant, history[0].Role)
	assert.Equal(t, "Muy bien", history[0].Text)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Muy bien", got.Text)
	require.Len(t, transcripts, 1)
	assert.Equal(t, Transcript{Role: RoleAssistant, Text: "Muy bien"}, transcripts[0])
}

func TestUserItemEchoIsIgnored(t *testing.T) {
	s, stub := connectStubSession(t)
	stub.deliver(t, `{
		"type": "conversation.item.created",
		"item": {"id": "item_1", "role": "user", "content": [{"type": "input_text", "text": "Hola"}]}
	}`)
	assert.Empty(t, s.History())
}

func TestTranscriptionCompletedEmitsUserTranscript(t *testing.T) {
	s, stub := connectStubSession(t)

	var transcriptions []Transcript
	var transcripts []Transcript
	var mu sync.Mutex
	s.OnTranscriptionReceived(func(tr Transcript) { mu.Lock(); transcriptions = append(transcriptions, tr); mu.Unlock() })
	s.OnTranscript(func(tr Transcript) { mu.Lock(); transcripts = append(transcripts, tr); mu.Unlock() })

	stub.deliver(t, `{
		"type": "conversation.item.input_audio_transcription.completed",
		"item_id": "item_1",
		"transcript": "como estas"
	}`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transcriptions, 1)
	assert.Equal(t, Transcript{Role: RoleUser, Text: "como estas"}, transcriptions[0])
	assert.Equal(t, transcriptions, transcripts)
}

func TestAudioDeltaEmitsDecodedChunk(t *testing.T) {
	s, stub := connectStubSession(t)

	var chunks [][]byte
	var mu sync.Mutex
	s.OnAudioReceived(func(pcm []byte) { mu.Lock(); chunks = append(chunks, pcm); mu.Unlock() })

	encoded := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	stub.deliver(t, fmt.Sprintf(`{"type":"response.audio.delta","item_id":"item_1","delta":%q}`, encoded))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte{1, 2, 3}, chunks[0])
}

func TestErrorEventEmitsProtocolError(t *testing.T) {
	s, stub := connectStubSession(t)

	var errs []error
	var mu sync.Mutex
	s.OnError(func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() })

	stub.deliver(t, `{"type":"error","error":{"code":"rate_limit","message":"slow down"}}`)
	stub.deliver(t, `{"type":"error"}`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 2)
	var protoErr *shared.ProtocolError
	require.ErrorAs(t, errs[0], &protoErr)
	assert.Equal(t, "rate_limit", protoErr.Code)
	assert.Equal(t, "slow down", protoErr.Message)
	require.ErrorAs(t, errs[1], &protoErr)
	assert.Equal(t, "Unknown error", protoErr.Message)
	assert.Equal(t, StatusConnected, s.Status(), "protocol errors must not drop the session")
}

func TestUpdateInstructionsResendsFullConfig(t *testing.T) {
	s, stub := connectStubSession(t)

	require.NoError(t, s.UpdateInstructions("Habla despacio"))

	stub.mu.Lock()
	last := stub.sent[len(stub.sent)-1]
	stub.mu.Unlock()
	var raw map[string]any
	require.NoError(t, sonic.Unmarshal(last, &raw))
	assert.Equal(t, "session.update", raw["type"])
	session, ok := raw["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Habla despacio", session["instructions"])
	// the snapshot carries every field, not just the change
	assert.Contains(t, session, "voice")
	assert.Contains(t, session, "turn_detection")
}

func TestUpdateInstructionsOfflineOnlyStoresLocally(t *testing.T) {
	s, stub := newStubSession(t)
	require.NoError(t, s.UpdateInstructions("Habla despacio"))
	assert.Empty(t, stub.sent)
}

func TestUpdateConfigPatch(t *testing.T) {
	s, _ := newStubSession(t)
	voice := "verse"
	temp := 0.6
	require.NoError(t, s.UpdateConfig(ConfigPatch{Voice: &voice, Temperature: &temp}))
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "verse", s.cfg.Voice)
	assert.Equal(t, 0.6, s.cfg.Temperature)
}

func TestDisconnectEmitsAndIsIdempotent(t *testing.T) {
	s, stub := connectStubSession(t)

	var disconnects int
	var mu sync.Mutex
	s.OnDisconnected(func() { mu.Lock(); disconnects++; mu.Unlock() })

	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, StatusDisconnected, s.Status())
	assert.True(t, stub.closed)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, disconnects)
}

func TestTransportFailureSurfacesAsError(t *testing.T) {
	s, stub := connectStubSession(t)

	var errs []error
	var mu sync.Mutex
	s.OnError(func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() })

	cause := fmt.Errorf("ice gave up")
	stub.mu.Lock()
	failed := stub.onFailed
	stub.mu.Unlock()
	require.NotNil(t, failed)
	failed(cause)

	assert.Equal(t, StatusError, s.Status())
	assert.ErrorIs(t, s.LastError(), cause)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
}

func TestWaitForDataChannel(t *testing.T) {
	t.Run("already open", func(t *testing.T) {
		s, _ := connectStubSession(t)
		assert.NoError(t, s.WaitForDataChannel(time.Millisecond))
	})

	t.Run("times out", func(t *testing.T) {
		s, stub := newStubSession(t)
		stub.mu.Lock()
		stub.dcOpen = false
		stub.mu.Unlock()
		require.NoError(t, s.Connect(context.Background(), nil))
		err := s.WaitForDataChannel(20 * time.Millisecond)
		assert.ErrorIs(t, err, shared.ErrDataChannelTimeout)
	})

	t.Run("resolves on ready", func(t *testing.T) {
		s, stub := newStubSession(t)
		stub.mu.Lock()
		stub.dcOpen = false
		stub.mu.Unlock()
		require.NoError(t, s.Connect(context.Background(), nil))
		go func() {
			time.Sleep(5 * time.Millisecond)
			stub.fireReady()
		}()
		assert.NoError(t, s.WaitForDataChannel(time.Second))
	})

	t.Run("not connected", func(t *testing.T) {
		s, _ := newStubSession(t)
		assert.ErrorIs(t, s.WaitForDataChannel(time.Millisecond), shared.ErrNotConnected)
	})
}

func TestListenerCancelStopsDelivery(t *testing.T) {
	s, stub := connectStubSession(t)

	var calls int
	var mu sync.Mutex
	cancel := s.OnAudioReceived(func([]byte) { mu.Lock(); calls++; mu.Unlock() })

	encoded := base64.StdEncoding.EncodeToString([]byte{9})
	payload := fmt.Sprintf(`{"type":"response.audio.delta","delta":%q}`, encoded)
	stub.deliver(t, payload)
	cancel()
	stub.deliver(t, payload)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// End to end over a real transport: a failing token endpoint must walk the
// status machine disconnected -> connecting -> error without ever building
// a peer connection.
func TestConnectAgainstFailingTokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token service down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewSession(shared.NewNopLogger(), Config{TokenEndpoint: srv.URL}, nil)
	require.NoError(t, err)
	defer s.Dispose()

	var statuses []Status
	var mu sync.Mutex
	s.OnStatusChanged(func(st Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})

	require.Equal(t, StatusDisconnected, s.Status())
	err = s.Connect(context.Background(), nil)
	require.Error(t, err)
	var credErr *shared.CredentialError
	assert.ErrorAs(t, err, &credErr)
	assert.Equal(t, StatusError, s.Status())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusError}, statuses)
}

func TestClearHistory(t *testing.T) {
	s, _ := connectStubSession(t)
	require.NoError(t, s.SendText("Hola"))
	require.Len(t, s.History(), 1)
	s.ClearHistory()
	assert.Empty(t, s.History())
}
