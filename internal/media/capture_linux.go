//go:build linux && cgo

package media

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/signal"
)

// captureKit carries the codec selector shared between the WebRTC media
// engine and GetUserMedia, so captured tracks encode with codecs the peer
// connection actually negotiates, plus the configured device preferences.
type captureKit struct {
	selector *mediadevices.CodecSelector
	cam      string
	mic      string
}

// newPeerConnection builds a PeerConnection with VP8+Opus codecs and a
// capture kit backed by pion/mediadevices (V4L2 + malgo on Linux).
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, *captureKit, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The Pion default disconnectedTimeout is 5 s, far
	// too short for paths with short outages during re-keying or failover.
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
	return pc, &captureKit{selector: selector, cam: cfg.PreferredCam, mic: cfg.PreferredMic}, nil
}

// preferredDevice resolves a configured device name against the enumerated
// devices of one kind: an exact device ID match or a case-insensitive label
// substring match wins. Empty name or no match falls back to the default.
func preferredDevice(devices []mediadevices.MediaDeviceInfo, kind mediadevices.MediaDeviceType, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	for _, d := range devices {
		if d.Kind != kind {
			continue
		}
		if d.DeviceID == name || strings.Contains(strings.ToLower(d.Label), strings.ToLower(name)) {
			return d.DeviceID, true
		}
	}
	log.Warnf("preferred device %q not found, using default", name)
	return "", false
}

// acquire captures local camera/microphone tracks for a call of type t.
//
// GetUserMedia fails as a unit if either requested track can't be opened,
// so for video calls it falls back from video+audio to video-only to
// audio-only before giving up: a busy microphone shouldn't prevent the
// camera from working and vice versa.
func (k *captureKit) acquire(t signal.CallType) ([]webrtc.TrackLocal, func(), *Stream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, nil, nil, &AcquireError{
			Kind: AcquireUnknown,
			Err:  fmt.Errorf("no media devices found"),
		}
	}
	for _, d := range devices {
		log.Debugf("media device: kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if t == signal.CallTypeVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	camID, camFound := preferredDevice(devices, mediadevices.VideoInput, k.cam)
	micID, micFound := preferredDevice(devices, mediadevices.AudioInput, k.mic)

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: k.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				if camFound {
					c.DeviceID = prop.StringExact(camID)
				}
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480: higher resolutions increase VP8 encoding
				// latency without helping a 1:1 call.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if micFound {
					c.DeviceID = prop.StringExact(micID)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		mdTracks := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
		info := make([]TrackInfo, 0, len(mdTracks))
		for _, track := range mdTracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			tracks = append(tracks, track)
			info = append(info, TrackInfo{
				ID:   track.ID(),
				Kind: track.Kind().String(),
			})
		}

		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		closeFn := func() {
			for _, t := range mdTracks {
				t.Close()
			}
		}
		return tracks, closeFn, &Stream{ID: stream.ID(), Tracks: info}, nil
	}

	return nil, nil, nil, &AcquireError{Kind: classifyCaptureErr(lastErr), Err: lastErr}
}

// classifyCaptureErr maps driver errors onto the acquisition taxonomy.
// Driver errors are stringly-typed, so this is best-effort matching.
func classifyCaptureErr(err error) AcquireKind {
	if err == nil {
		return AcquireUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "operation not permitted"):
		return AcquirePermissionDenied
	default:
		return AcquireUnknown
	}
}
