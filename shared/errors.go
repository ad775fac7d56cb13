package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger           = errors.New("no logger provided")
	ErrNoTokenEndpoint    = errors.New("no token endpoint configured")
	ErrDisposed           = errors.New("session disposed")
	ErrNotConnected       = errors.New("session not connected")
	ErrAlreadyInitialized = errors.New("transport already initialized")
	ErrTransportClosed    = errors.New("transport closed")
	ErrDataChannelClosed  = errors.New("data channel absent or not open")
	ErrCaptureNotStarted  = errors.New("capture device not started")
	ErrDataChannelTimeout = errors.New("timed out waiting for data channel")
)

// CredentialError reports a failed ephemeral token fetch.
type CredentialError struct {
	StatusCode int // zero when the request never reached the endpoint
	Err        error
}

func (e *CredentialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("credential fetch failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("credential fetch failed: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// NegotiationError reports an SDP exchange failure, tagged with the stage
// that failed (offer, local-description, exchange, answer).
type NegotiationError struct {
	Stage string
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

type MediaErrorKind int

const (
	MediaErrorGeneric MediaErrorKind = iota
	MediaErrorPermissionDenied
	MediaErrorDeviceNotFound
	MediaErrorDeviceBusy
)

func (k MediaErrorKind) String() string {
	switch k {
	case MediaErrorPermissionDenied:
		return "permission-denied"
	case MediaErrorDeviceNotFound:
		return "device-not-found"
	case MediaErrorDeviceBusy:
		return "device-busy"
	default:
		return "generic-failure"
	}
}

// MediaError reports a microphone or audio device failure.
type MediaError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media failure (%s): %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// TransportError reports a peer connection or data channel failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError carries an error the server reported over the data channel,
// or a malformed inbound message.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
	}
	return "protocol error: " + e.Message
}
