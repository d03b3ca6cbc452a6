//go:build !(linux && cgo)

package media

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/signal"
)

// captureKit has no capture backend on non-Linux platforms; calls proceed
// receive-only.
type captureKit struct{}

// newPeerConnection builds a PeerConnection with default codecs.
// Camera/mic capture via pion/mediadevices requires platform drivers
// (V4L2/malgo on Linux), which are not wired up here.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, *captureKit, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, nil, err
	}
	return pc, &captureKit{}, nil
}

// acquire always fails on this platform; the caller falls back to
// receive-only transceivers via AddLocalTracks with no tracks.
func (k *captureKit) acquire(_ signal.CallType) ([]webrtc.TrackLocal, func(), *Stream, error) {
	return nil, nil, nil, &AcquireError{
		Kind: AcquireInsecureContext,
		Err:  errors.New("local capture not supported on this platform"),
	}
}
