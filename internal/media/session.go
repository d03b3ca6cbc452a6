// Package media owns local device capture and the WebRTC peer connection
// for a single call. It imports only Pion libraries and stdlib; coupling to
// the rest of peerline is via the Session interface consumed by the call
// manager.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/signal"
)

// ConnectionState is the transport state of the peer connection, reported
// through Callbacks.OnConnectionStateChange. Convergence and failure of a
// call are detected here, locally, not via signaling messages.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrackInfo describes one track of a stream for presentation purposes.
type TrackInfo struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"` // "audio" | "video"
	Label string `json:"label,omitempty"`
}

// Stream is a borrowed handle to a local or remote media stream. The session
// owns the underlying tracks; holders only use the handle for display.
type Stream struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

// TrackStats is a live counter snapshot for one remote track.
type TrackStats struct {
	TrackID string `json:"track_id"`
	Kind    string `json:"kind"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Lost    uint64 `json:"lost"`
}

// Callbacks are owned by the call manager for the session's lifetime; they
// stop firing after Cleanup.
type Callbacks struct {
	OnRemoteStream          func(*Stream)
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnConnectionStateChange func(ConnectionState)
}

// Session is one call's worth of media: capture, peer connection, and
// SDP/ICE mechanics. Methods are called in this order on the happy path:
// CreateConnection, GetLocalStream, AddLocalTracks, then either CreateOffer
// (caller) or HandleOffer (callee), with AddICECandidate interleaved freely.
type Session interface {
	CreateConnection() error
	GetLocalStream(ctx context.Context, t signal.CallType) (*Stream, error)
	AddLocalTracks() error

	CreateOffer(ctx context.Context) (sdp string, err error)
	HandleOffer(ctx context.Context, offer string) (answer string, err error)
	HandleAnswer(ctx context.Context, answer string) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	// ToggleMic and ToggleCamera flip the enabled flag of the local track of
	// that kind and return the new enabled value. No renegotiation happens;
	// the remote party simply observes silence or frozen video.
	ToggleMic() bool
	ToggleCamera() bool

	Stats() []TrackStats

	// Cleanup releases capture devices and the peer connection. Idempotent;
	// callbacks are deregistered before anything is torn down.
	Cleanup()
}

// Factory creates a fresh Session for one call attempt. The call manager
// injects a fake factory in tests.
type Factory func(cb Callbacks) Session

// Config tunes the Pion-backed Session implementation.
type Config struct {
	// STUNServers in URL form, e.g. "stun:stun.l.google.com:19302".
	STUNServers []string

	// ICE timeouts. Generous defaults so a brief relay/NAT hiccup does not
	// immediately terminate the call.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// PreferredCam/PreferredMic select a capture device by ID or by a label
	// substring. Empty means the driver's first usable device.
	PreferredCam string
	PreferredMic string
}

// DefaultConfig matches the values NewFactory falls back to for zero fields.
func DefaultConfig() Config {
	return Config{
		STUNServers:         []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// ─── Acquisition errors ──────────────────────────────────────────────────────

// AcquireKind classifies why local device capture failed. Each kind maps to
// a distinct user-facing message; all of them drive the session to Failed.
type AcquireKind int

const (
	// AcquireInsecureContext: the environment forbids device access outright
	// (no capture backend is available to this process).
	AcquireInsecureContext AcquireKind = iota
	// AcquirePermissionDenied: the OS denied access to camera or microphone.
	AcquirePermissionDenied
	// AcquireUnknown: device busy, missing, or an unclassified driver error.
	AcquireUnknown
)

// Message is the user-facing text for this failure kind.
func (k AcquireKind) Message() string {
	switch k {
	case AcquireInsecureContext:
		return "media devices are not accessible in this environment"
	case AcquirePermissionDenied:
		return "camera/microphone permission denied"
	default:
		return "camera/microphone unavailable"
	}
}

// AcquireError wraps a capture failure with its classification.
type AcquireError struct {
	Kind AcquireKind
	Err  error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire local media: %s: %v", e.Kind.Message(), e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// AcquireKindOf extracts the classification from err, or AcquireUnknown if
// err is not an AcquireError.
func AcquireKindOf(err error) AcquireKind {
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return AcquireUnknown
}
