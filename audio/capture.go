package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/lingokit/realtime/shared"
	"github.com/pion/mediadevices"
	mdopus "github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	audioio "github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const (
	playbackBufferMs  = 100
	ringBufferSeconds = 3
)

// CaptureConstraints selects the microphone capture format. Zero fields
// fall back to the defaults. The processing flags map onto whatever the
// platform driver supports; drivers without the corresponding control
// ignore them.
type CaptureConstraints struct {
	SampleRate       int
	ChannelCount     int
	SampleSize       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func DefaultCaptureConstraints() CaptureConstraints {
	return CaptureConstraints{
		SampleRate:       24000,
		ChannelCount:     1,
		SampleSize:       16,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

func (c CaptureConstraints) withDefaults() CaptureConstraints {
	def := DefaultCaptureConstraints()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.ChannelCount <= 0 {
		c.ChannelCount = def.ChannelCount
	}
	if c.SampleSize <= 0 {
		c.SampleSize = def.SampleSize
	}
	return c
}

// CaptureDevice owns microphone acquisition, input level metering and PCM
// playback. Start and Stop are repeatable; the oto playback context is
// process-wide and survives Stop.
type CaptureDevice struct {
	logger shared.LoggerAdapter

	mu          sync.Mutex
	started     bool
	constraints CaptureConstraints
	volume      float64
	level       float64

	stream        mediadevices.MediaStream
	micTrack      mediadevices.Track
	localTrack    *webrtc.TrackLocalStaticSample
	frameDuration time.Duration
	meterStop     chan struct{}
	remoteRing    *pcmRing

	otoCtx   *oto.Context
	otoReady <-chan struct{}
}

func NewCaptureDevice(logger shared.LoggerAdapter) (*CaptureDevice, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &CaptureDevice{
		logger: logger,
		volume: 1,
	}, nil
}

// Start acquires the microphone and prepares the playback context. Partial
// resources are released before any error propagates.
func (d *CaptureDevice) Start(constraints CaptureConstraints) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	c := constraints.withDefaults()

	opusParams, err := mdopus.NewParams()
	if err != nil {
		return &shared.MediaError{Kind: shared.MediaErrorGeneric, Err: fmt.Errorf("creating opus params: %w", err)}
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(c.SampleRate)
			mc.ChannelCount = prop.Int(c.ChannelCount)
			mc.SampleSize = prop.Int(c.SampleSize)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return classifyMediaError(err)
	}
	audioTracks := stream.GetAudioTracks()
	if len(audioTracks) == 0 {
		d.releaseStream(stream)
		return &shared.MediaError{Kind: shared.MediaErrorDeviceNotFound, Err: errors.New("no audio track in microphone stream")}
	}
	mic := audioTracks[0]

	if d.otoCtx == nil {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   c.SampleRate,
			ChannelCount: c.ChannelCount,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   playbackBufferMs * time.Millisecond,
		})
		if err != nil {
			d.releaseStream(stream)
			return &shared.MediaError{Kind: shared.MediaErrorGeneric, Err: fmt.Errorf("creating playback context: %w", err)}
		}
		d.otoCtx = otoCtx
		d.otoReady = ready
	}

	d.meterStop = make(chan struct{})
	if at, ok := mic.(*mediadevices.AudioTrack); ok {
		go d.meterLoop(at.NewReader(false), d.meterStop)
	} else {
		d.logger.Debug("raw audio reader unavailable, level metering disabled")
	}

	frameDuration := time.Duration(opusParams.Latency)
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}

	d.constraints = c
	d.stream = stream
	d.micTrack = mic
	d.frameDuration = frameDuration
	d.started = true
	d.logger.Info(
		"capture device started",
		zap.Int("sampleRate", c.SampleRate),
		zap.Int("channels", c.ChannelCount),
	)
	return nil
}

// Level reports the RMS of recent microphone frames, normalized to [0, 1].
// It is 0 before Start.
func (d *CaptureDevice) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return 0
	}
	return d.level
}

// SetVolume clamps level to [0, 1] and applies it to every playback path.
func (d *CaptureDevice) SetVolume(level float64) {
	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}
	d.mu.Lock()
	d.volume = level
	d.mu.Unlock()
}

func (d *CaptureDevice) Volume() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume
}

// PlayPCM16 plays one little-endian PCM16 chunk at the configured rate and
// returns once playback completes naturally, so callers can sequence
// successive chunks deterministically.
func (d *CaptureDevice) PlayPCM16(ctx context.Context, data []byte) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return shared.ErrCaptureNotStarted
	}
	otoCtx, ready := d.otoCtx, d.otoReady
	rate, channels := d.constraints.SampleRate, d.constraints.ChannelCount
	volume := d.volume
	d.mu.Unlock()

	samples := BytesToPCM16(data)
	if len(samples) == 0 {
		return nil
	}
	applyGain(samples, volume)

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	player := otoCtx.NewPlayer(bytes.NewReader(PCM16Bytes(samples)))
	defer func() {
		if err := player.Close(); err != nil {
			d.logger.Warn("closing one-shot player", zap.Error(err))
		}
	}()
	player.Play()

	total := time.Duration(DurationSeconds(len(samples)/channels, rate) * float64(time.Second))
	deadline := time.NewTimer(total + time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// WebRTCTrack returns the Opus local track backed by the microphone,
// creating it on first use.
func (d *CaptureDevice) WebRTCTrack() (*webrtc.TrackLocalStaticSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil, shared.ErrCaptureNotStarted
	}
	if d.localTrack != nil {
		return d.localTrack, nil
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			SDPFmtpLine:  "minptime=10;useinbandfec=1",
			RTCPFeedback: nil,
		},
		"audio",
		"mic",
	)
	if err != nil {
		return nil, &shared.MediaError{Kind: shared.MediaErrorGeneric, Err: fmt.Errorf("creating local audio track: %w", err)}
	}
	d.localTrack = track
	return track, nil
}

// StreamTo pumps encoded microphone frames into the local track until ctx
// is done or the capture stream ends.
func (d *CaptureDevice) StreamTo(ctx context.Context) error {
	d.mu.Lock()
	mic, track, frameDuration := d.micTrack, d.localTrack, d.frameDuration
	d.mu.Unlock()
	if mic == nil || track == nil {
		return shared.ErrCaptureNotStarted
	}
	reader, err := mic.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		return &shared.MediaError{Kind: shared.MediaErrorGeneric, Err: fmt.Errorf("creating encoded mic reader: %w", err)}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				release()
				return nil
			}
			d.logger.Error("reading from microphone track", err)
			release()
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data[:],
			Duration: frameDuration,
		})
		release()
		if err != nil {
			d.logger.Error("writing sample to local track", err)
			continue
		}
	}
}

// PlayRemoteTrack decodes the remote Opus track at the capture rate and
// plays it until ctx is done or the track ends.
func (d *CaptureDevice) PlayRemoteTrack(ctx context.Context, track *webrtc.TrackRemote) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return shared.ErrCaptureNotStarted
	}
	otoCtx, ready := d.otoCtx, d.otoReady
	rate, channels := d.constraints.SampleRate, d.constraints.ChannelCount
	if d.remoteRing != nil {
		_ = d.remoteRing.Close()
	}
	ring := newPCMRing(ringBufferSeconds * rate * channels * 2)
	d.remoteRing = ring
	d.mu.Unlock()

	// The decoder resamples whatever the track carries down to the
	// configured capture format.
	decoder, err := opus.NewDecoder(rate, channels)
	if err != nil {
		return &shared.MediaError{Kind: shared.MediaErrorGeneric, Err: fmt.Errorf("creating opus decoder: %w", err)}
	}
	d.logger.Info(
		"playing remote audio",
		zap.String("codec", track.Codec().MimeType),
		zap.Int("sampleRate", rate),
		zap.Int("channels", channels),
	)

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	player := otoCtx.NewPlayer(ring)
	player.Play()
	defer func() {
		_ = ring.Close()
		if err := player.Close(); err != nil {
			d.logger.Warn("closing remote audio player", zap.Error(err))
		}
	}()

	// 120 ms is the largest opus frame.
	pcm := make([]int16, rate*120/1000*channels)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				d.logger.Error("reading RTP packet", err)
			}
			return nil
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			d.logger.Error("decoding opus frame", err)
			continue
		}
		frame := pcm[:n*channels]
		applyGain(frame, d.Volume())
		if dropped := ring.Write(PCM16Bytes(frame)); dropped > 0 {
			d.logger.Warn("playback ring dropped audio", zap.Int("droppedBytes", dropped))
		}
	}
}

// Stop releases the microphone and playback resources. Cleanup failures are
// logged, never returned, so they cannot mask a prior cause. Idempotent.
func (d *CaptureDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	if d.meterStop != nil {
		close(d.meterStop)
		d.meterStop = nil
	}
	if d.stream != nil {
		d.releaseStream(d.stream)
		d.stream = nil
	}
	if d.remoteRing != nil {
		_ = d.remoteRing.Close()
		d.remoteRing = nil
	}
	d.micTrack = nil
	d.localTrack = nil
	d.level = 0
	d.started = false
	d.logger.Info("capture device stopped")
}

func (d *CaptureDevice) releaseStream(stream mediadevices.MediaStream) {
	for _, t := range stream.GetTracks() {
		if err := t.Close(); err != nil {
			d.logger.Warn("closing media track", zap.Error(err))
		}
	}
}

func (d *CaptureDevice) meterLoop(reader audioio.Reader, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		chunk, release, err := reader.Read()
		if err != nil {
			if err != io.EOF {
				d.logger.Debug("level meter read failed", zap.Error(err))
			}
			return
		}
		level := rmsLevel(chunk)
		release()
		d.mu.Lock()
		d.level = level
		d.mu.Unlock()
	}
}

func applyGain(samples []int16, volume float64) {
	if volume == 1 {
		return
	}
	for i := range samples {
		samples[i] = int16(float64(samples[i]) * volume)
	}
}

// rmsLevel computes the normalized RMS of one capture chunk.
func rmsLevel(chunk wave.Audio) float64 {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		return rmsInt16(c.Data)
	case *wave.Int16NonInterleaved:
		if len(c.Data) == 0 {
			return 0
		}
		return rmsInt16(c.Data[0])
	case *wave.Float32Interleaved:
		return rmsFloat32(c.Data)
	default:
		return 0
	}
}

func rmsInt16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func rmsFloat32(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func classifyMediaError(err error) error {
	msg := strings.ToLower(err.Error())
	kind := shared.MediaErrorGeneric
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed"):
		kind = shared.MediaErrorPermissionDenied
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") || strings.Contains(msg, "failed to find"):
		kind = shared.MediaErrorDeviceNotFound
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		kind = shared.MediaErrorDeviceBusy
	}
	return &shared.MediaError{Kind: kind, Err: err}
}
