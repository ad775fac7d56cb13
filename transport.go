package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/lingokit/realtime/audio"
	"github.com/lingokit/realtime/shared"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	dataChannelLabel      = "oai"
	negotiationPath       = "/v1/realtime"
	protocolVersionHeader = "OpenAI-Beta"
	protocolVersionValue  = "realtime=v1"
)

type TransportStage int

const (
	StageUninitialized TransportStage = iota
	StageAcquiringToken
	StageNegotiating
	StageConnected
	StageClosed
)

func (s TransportStage) String() string {
	switch s {
	case StageUninitialized:
		return "uninitialized"
	case StageAcquiringToken:
		return "acquiring-token"
	case StageNegotiating:
		return "negotiating"
	case StageConnected:
		return "connected"
	case StageClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionSnapshot is a point-in-time view of the live transport handles.
type ConnectionSnapshot struct {
	PeerConnectionState webrtc.PeerConnectionState
	ICEConnectionState  webrtc.ICEConnectionState
	DataChannelState    webrtc.DataChannelState
	AudioStreaming      bool
}

// Transport owns the peer connection, the ephemeral credential and the data
// channel for exactly one connection attempt. It is never re-initializable:
// a retry is a fresh Transport.
type Transport struct {
	logger  shared.LoggerAdapter
	cfg     Config
	capture *audio.CaptureDevice

	mu         sync.Mutex
	stage      TransportStage
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	credential string
	micStarted bool
	hasMic     bool

	ctx    context.Context
	cancel context.CancelCauseFunc

	connectedSig    signal[struct{}]
	disconnectedSig signal[string]
	failedSig       signal[error]
	trackSig        signal[*webrtc.TrackRemote]
	messageSig      signal[[]byte]
	readySig        signal[struct{}]
	stateSig        signal[ConnectionSnapshot]
}

// NewTransport builds a transport for one connection attempt. capture may
// be nil; the conversation is then receive-only.
func NewTransport(logger shared.LoggerAdapter, cfg Config, capture *audio.CaptureDevice) (*Transport, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Transport{
		logger:  logger,
		cfg:     cfg,
		capture: capture,
		stage:   StageUninitialized,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (t *Transport) OnConnected(fn func()) func() {
	return t.connectedSig.subscribe(func(struct{}) { fn() })
}

func (t *Transport) OnDisconnected(fn func(reason string)) func() {
	return t.disconnectedSig.subscribe(fn)
}

func (t *Transport) OnConnectionFailed(fn func(err error)) func() {
	return t.failedSig.subscribe(fn)
}

func (t *Transport) OnAudioTrack(fn func(track *webrtc.TrackRemote)) func() {
	return t.trackSig.subscribe(fn)
}

func (t *Transport) OnDataChannelMessage(fn func(payload []byte)) func() {
	return t.messageSig.subscribe(fn)
}

func (t *Transport) OnDataChannelReady(fn func()) func() {
	return t.readySig.subscribe(func(struct{}) { fn() })
}

func (t *Transport) OnConnectionStateChanged(fn func(snapshot ConnectionSnapshot)) func() {
	return t.stateSig.subscribe(fn)
}

// Initialize runs token fetch, peer connection setup, microphone attach,
// data channel creation and the SDP exchange. Any failure tears everything
// down before the error surfaces. A concurrent Close aborts at the next
// checkpoint without installing a peer connection.
func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	if t.stage != StageUninitialized {
		err := shared.ErrAlreadyInitialized
		if t.stage == StageClosed {
			err = shared.ErrTransportClosed
		}
		t.mu.Unlock()
		return err
	}
	t.stage = StageAcquiringToken
	t.mu.Unlock()

	var credential string
	if t.cfg.TokenEndpoint != "" {
		cred, err := t.fetchCredential(ctx)
		if err != nil {
			t.Close()
			return err
		}
		credential = cred
	}

	t.mu.Lock()
	if t.stage == StageClosed {
		t.mu.Unlock()
		return shared.ErrTransportClosed
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(t.cfg.ICEServers),
	})
	if err != nil {
		t.mu.Unlock()
		t.Close()
		return &shared.TransportError{Op: "creating peer connection", Err: err}
	}
	t.pc = pc
	t.credential = credential
	t.wireStateHandlers(pc)

	// Local audio is optional; remote audio is not.
	if t.capture != nil {
		if err := t.capture.Start(t.cfg.Capture); err != nil {
			t.logger.Warn("microphone unavailable, continuing receive-only", zap.Error(err))
		} else {
			t.micStarted = true
			track, err := t.capture.WebRTCTrack()
			if err != nil {
				t.logger.Warn("creating microphone track failed, continuing receive-only", zap.Error(err))
			} else if _, err := pc.AddTrack(track); err != nil {
				t.logger.Warn("attaching microphone track failed, continuing receive-only", zap.Error(err))
			} else {
				t.hasMic = true
			}
		}
	}
	if !t.hasMic {
		if _, err := pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			t.mu.Unlock()
			t.Close()
			return &shared.TransportError{Op: "adding audio transceiver", Err: err}
		}
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		t.mu.Unlock()
		t.Close()
		return &shared.TransportError{Op: "creating data channel", Err: err}
	}
	t.dc = dc
	t.wireDataChannelHandlers(dc)
	t.stage = StageNegotiating
	t.mu.Unlock()

	if credential == "" {
		t.logger.Info("no credential available, skipping SDP negotiation")
		return nil
	}
	if err := t.negotiate(ctx, pc, credential); err != nil {
		t.Close()
		return err
	}
	return nil
}

func (t *Transport) negotiate(ctx context.Context, pc *webrtc.PeerConnection, credential string) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return &shared.NegotiationError{Stage: "offer", Err: err}
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return &shared.NegotiationError{Stage: "local-description", Err: err}
	}
	answer, err := t.exchangeSDP(ctx, offer.SDP, credential)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.stage == StageClosed {
		t.mu.Unlock()
		return shared.ErrTransportClosed
	}
	t.mu.Unlock()
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return &shared.NegotiationError{Stage: "answer", Err: err}
	}
	return nil
}

func (t *Transport) wireStateHandlers(pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state changed", zap.String("state", state.String()))
		var (
			connectedNow bool
			reason       string
			failure      error
		)
		t.mu.Lock()
		closedAlready := t.stage == StageClosed
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if t.stage == StageNegotiating {
				t.stage = StageConnected
				connectedNow = true
				if t.hasMic {
					go t.streamMic()
				}
			}
		case webrtc.PeerConnectionStateDisconnected:
			reason = "peer connection disconnected"
		case webrtc.PeerConnectionStateFailed:
			failure = errors.New("peer connection failed")
		case webrtc.PeerConnectionStateClosed:
			reason = "peer connection closed"
		}
		snapshot := t.snapshotLocked()
		t.mu.Unlock()

		t.stateSig.emit(snapshot)
		if connectedNow {
			t.connectedSig.emit(struct{}{})
		}
		if closedAlready {
			return
		}
		if failure != nil {
			t.Close()
			t.failedSig.emit(failure)
		} else if reason != "" {
			t.Close()
			t.disconnectedSig.emit(reason)
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debug("ICE connection state changed", zap.String("state", state.String()))
		t.mu.Lock()
		snapshot := t.snapshotLocked()
		t.mu.Unlock()
		t.stateSig.emit(snapshot)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.logger.Info(
			"received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		t.trackSig.emit(track)
	})
}

func (t *Transport) wireDataChannelHandlers(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		t.logger.Info("data channel open", zap.String("label", dc.Label()))
		t.mu.Lock()
		snapshot := t.snapshotLocked()
		t.mu.Unlock()
		t.readySig.emit(struct{}{})
		t.stateSig.emit(snapshot)
	})
	dc.OnClose(func() {
		t.logger.Debug("data channel closed")
		t.mu.Lock()
		snapshot := t.snapshotLocked()
		t.mu.Unlock()
		t.stateSig.emit(snapshot)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			t.logger.Warn("dropping non-string data channel message", zap.Int("bytes", len(msg.Data)))
			return
		}
		t.messageSig.emit(msg.Data)
	})
}

func (t *Transport) streamMic() {
	if err := t.capture.StreamTo(t.ctx); err != nil {
		t.logger.Error("streaming microphone to local track", err)
	}
}

// SendData writes one control message to the data channel. A closed or
// absent channel is a hard error; dropping a control message silently would
// desynchronize client and server state.
func (t *Transport) SendData(payload []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return &shared.TransportError{Op: "send", Err: shared.ErrDataChannelClosed}
	}
	if err := dc.Send(payload); err != nil {
		return &shared.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage == StageConnected
}

func (t *Transport) IsDataChannelOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dc != nil && t.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (t *Transport) Stage() TransportStage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

func (t *Transport) ConnectionState() ConnectionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Transport) snapshotLocked() ConnectionSnapshot {
	var snapshot ConnectionSnapshot
	if t.pc != nil {
		snapshot.PeerConnectionState = t.pc.ConnectionState()
		snapshot.ICEConnectionState = t.pc.ICEConnectionState()
	}
	if t.dc != nil {
		snapshot.DataChannelState = t.dc.ReadyState()
	}
	snapshot.AudioStreaming = t.stage == StageConnected && t.hasMic
	return snapshot
}

// Close stops local audio, closes the channel and the peer connection and
// discards the credential. Safe to call repeatedly; it always wins over an
// in-flight Initialize.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.stage == StageClosed {
		t.mu.Unlock()
		return
	}
	t.stage = StageClosed
	t.credential = ""
	dc, pc := t.dc, t.pc
	t.dc, t.pc = nil, nil
	capture, micStarted := t.capture, t.micStarted
	t.micStarted, t.hasMic = false, false
	t.mu.Unlock()

	t.cancel(shared.ErrTransportClosed)
	if capture != nil && micStarted {
		capture.Stop()
	}
	if dc != nil {
		if err := dc.Close(); err != nil {
			t.logger.Warn("closing data channel", zap.Error(err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			t.logger.Warn("closing peer connection", zap.Error(err))
		}
	}
	t.logger.Info("transport closed")
}

// Dispose closes the transport and detaches every observer. Terminal.
func (t *Transport) Dispose() {
	t.Close()
	t.connectedSig.clear()
	t.disconnectedSig.clear()
	t.failedSig.clear()
	t.trackSig.clear()
	t.messageSig.clear()
	t.readySig.clear()
	t.stateSig.clear()
}

// Done is closed once the transport shuts down for any reason.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

func (t *Transport) fetchCredential(ctx context.Context) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(t.cfg.TokenEndpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBodyString("{}")

	if err := t.do(ctx, req, resp); err != nil {
		return "", &shared.CredentialError{Err: err}
	}
	if resp.StatusCode() != fasthttp.StatusOK && resp.StatusCode() != fasthttp.StatusCreated {
		return "", &shared.CredentialError{
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("body: %s", resp.Body()),
		}
	}
	credential, err := parseCredential(resp.Body())
	if err != nil {
		return "", &shared.CredentialError{StatusCode: resp.StatusCode(), Err: err}
	}
	return credential, nil
}

func (t *Transport) exchangeSDP(ctx context.Context, offerSDP, credential string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(negotiationURI(t.cfg.NegotiationBaseURL, t.cfg.Model))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.SetContentType("application/sdp")
	req.Header.Set(protocolVersionHeader, protocolVersionValue)
	req.SetBodyString(offerSDP)

	if err := t.do(ctx, req, resp); err != nil {
		return "", &shared.NegotiationError{Stage: "exchange", Err: err}
	}
	if resp.StatusCode() != fasthttp.StatusOK && resp.StatusCode() != fasthttp.StatusCreated {
		return "", &shared.NegotiationError{
			Stage: "exchange",
			Err:   fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), resp.Body()),
		}
	}
	return string(resp.Body()), nil
}

// do performs one fasthttp round-trip, racing it against the caller context
// and the transport lifetime.
func (t *Transport) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return context.Cause(t.ctx)
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("performing HTTP request: %w", err)
		}
		return nil
	}
}

// parseCredential extracts the bearer token from a token endpoint response,
// preferring the nested client_secret.value over a flat token field.
func parseCredential(body []byte) (string, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	if cs, ok := raw["client_secret"].(map[string]any); ok {
		if v, ok := cs["value"].(string); ok && v != "" {
			return v, nil
		}
	}
	if v, ok := raw["token"].(string); ok && v != "" {
		return v, nil
	}
	return "", errors.New("no credential in token response")
}

func negotiationURI(baseURL, model string) string {
	return strings.TrimSuffix(baseURL, "/") + negotiationPath + "?model=" + url.QueryEscape(model)
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
