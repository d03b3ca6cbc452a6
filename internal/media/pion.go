package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/signal"
)

var log = logging.Logger("media")

// pliInterval is how often a keyframe request is sent for each remote video
// track, so a late joiner or a lossy path recovers a decodable picture.
const pliInterval = 3 * time.Second

// NewFactory returns a Factory producing Pion-backed sessions. Zero fields
// of cfg fall back to DefaultConfig values.
func NewFactory(cfg Config) Factory {
	def := DefaultConfig()
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = def.STUNServers
	}
	if cfg.DisconnectedTimeout == 0 {
		cfg.DisconnectedTimeout = def.DisconnectedTimeout
	}
	if cfg.FailedTimeout == 0 {
		cfg.FailedTimeout = def.FailedTimeout
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	return func(cb Callbacks) Session {
		return &pionSession{
			cfg:     cfg,
			cb:      cb,
			senders: make(map[*webrtc.RTPSender]webrtc.TrackLocal),
			stats:   make(map[string]*trackCounter),
			stopped: make(chan struct{}),
			micOn:   true,
			camOn:   true,
		}
	}
}

type trackCounter struct {
	kind    string
	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64

	seqInit bool
	lastSeq uint16
}

// update folds one received packet into the counters. Loss detection is a
// plain sequence-gap count; reordering shows up as transient loss, which is
// close enough for the debug surface this feeds.
func (c *trackCounter) update(p *rtp.Packet) {
	c.packets.Add(1)
	c.bytes.Add(uint64(p.MarshalSize()))
	if c.seqInit {
		if gap := p.SequenceNumber - c.lastSeq; gap > 1 && gap < 1<<15 {
			c.lost.Add(uint64(gap - 1))
		}
	}
	c.seqInit = true
	c.lastSeq = p.SequenceNumber
}

type pionSession struct {
	cfg Config

	mu      sync.Mutex
	cb      Callbacks
	pc      *webrtc.PeerConnection
	kit     *captureKit
	local   *Stream
	tracks  []webrtc.TrackLocal
	closeFn func()

	senders map[*webrtc.RTPSender]webrtc.TrackLocal
	micOn   bool
	camOn   bool

	remote    *Stream
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	stats   map[string]*trackCounter
	cleaned bool
	stopped chan struct{}
}

func (s *pionSession) CreateConnection() error {
	pc, kit, err := newPeerConnection(s.cfg)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if cb := s.callbacks().OnICECandidate; cb != nil {
			cb(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("peer connection state: %s", st)
		if cb := s.callbacks().OnConnectionStateChange; cb != nil {
			cb(mapConnState(st))
		}
	})

	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.onRemoteTrack(t)
	})

	s.mu.Lock()
	s.pc = pc
	s.kit = kit
	s.mu.Unlock()
	return nil
}

func (s *pionSession) GetLocalStream(ctx context.Context, t signal.CallType) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	kit := s.kit
	s.mu.Unlock()
	if kit == nil {
		return nil, errors.New("media: CreateConnection not called")
	}

	tracks, closeFn, stream, err := kit.acquire(t)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tracks = tracks
	s.closeFn = closeFn
	s.local = stream
	s.mu.Unlock()
	return stream, nil
}

func (s *pionSession) AddLocalTracks() error {
	s.mu.Lock()
	pc := s.pc
	tracks := s.tracks
	s.mu.Unlock()
	if pc == nil {
		return errors.New("media: no peer connection")
	}

	if len(tracks) == 0 {
		// No local capture. Still produce valid m-lines with ICE credentials
		// so the remote party's media can be received.
		addRecvOnlyTransceivers(pc)
		return nil
	}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		s.mu.Lock()
		s.senders[sender] = track
		s.mu.Unlock()
		// Drain RTCP on the sender so interceptors keep working.
		go drainRTCP(sender)
	}
	return nil
}

func (s *pionSession) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pc := s.conn()
	if pc == nil {
		return "", errors.New("media: no peer connection")
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (s *pionSession) HandleOffer(ctx context.Context, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pc := s.conn()
	if pc == nil {
		return "", errors.New("media: no peer connection")
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	s.flushPending(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (s *pionSession) HandleAnswer(ctx context.Context, answer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pc := s.conn()
	if pc == nil {
		return errors.New("media: no peer connection")
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.flushPending(pc)
	return nil
}

// AddICECandidate applies a remote candidate, or queues it while the remote
// description is not yet set. Early candidates are legitimate with trickle
// ICE; applying them before SetRemoteDescription fails in Pion.
func (s *pionSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	pc := s.pc
	if pc == nil || !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return pc.AddICECandidate(c)
}

// flushPending marks the remote description set and applies queued
// candidates. Individual failures are logged and swallowed; some
// candidates are expected to be unusable.
func (s *pionSession) flushPending(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Warnf("queued ICE candidate rejected: %v", err)
		}
	}
}

func (s *pionSession) ToggleMic() bool    { return s.toggle(webrtc.RTPCodecTypeAudio) }
func (s *pionSession) ToggleCamera() bool { return s.toggle(webrtc.RTPCodecTypeVideo) }

// toggle flips the enabled flag for the local track of the given kind.
// Disabling swaps the sender's track out for nil so nothing is encoded or
// sent; enabling swaps the original back in. No renegotiation.
func (s *pionSession) toggle(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	var on bool
	if kind == webrtc.RTPCodecTypeAudio {
		s.micOn = !s.micOn
		on = s.micOn
	} else {
		s.camOn = !s.camOn
		on = s.camOn
	}
	senders := make(map[*webrtc.RTPSender]webrtc.TrackLocal, len(s.senders))
	for sd, tr := range s.senders {
		senders[sd] = tr
	}
	s.mu.Unlock()

	for sender, track := range senders {
		if track.Kind() != kind {
			continue
		}
		var err error
		if on {
			err = sender.ReplaceTrack(track)
		} else {
			err = sender.ReplaceTrack(nil)
		}
		if err != nil {
			log.Warnf("toggle %s track: %v", kind, err)
		}
	}
	return on
}

func (s *pionSession) Stats() []TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackStats, 0, len(s.stats))
	for id, c := range s.stats {
		out = append(out, TrackStats{
			TrackID: id,
			Kind:    c.kind,
			Packets: c.packets.Load(),
			Bytes:   c.bytes.Load(),
			Lost:    c.lost.Load(),
		})
	}
	return out
}

// Cleanup deregisters callbacks, then closes capture devices and the peer
// connection. Safe to call more than once.
func (s *pionSession) Cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	s.cb = Callbacks{}
	closeFn := s.closeFn
	pc := s.pc
	s.mu.Unlock()

	close(s.stopped)
	if closeFn != nil {
		closeFn()
	}
	if pc != nil {
		pc.Close()
	}
}

func (s *pionSession) conn() *webrtc.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

func (s *pionSession) callbacks() Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return Callbacks{}
	}
	return s.cb
}

func (s *pionSession) onRemoteTrack(t *webrtc.TrackRemote) {
	counter := &trackCounter{kind: t.Kind().String()}

	s.mu.Lock()
	if s.remote == nil {
		s.remote = &Stream{ID: t.StreamID()}
	}
	s.remote.Tracks = append(s.remote.Tracks, TrackInfo{
		ID:   t.ID(),
		Kind: t.Kind().String(),
	})
	s.stats[t.ID()] = counter
	snapshot := *s.remote
	pc := s.pc
	s.mu.Unlock()

	log.Infof("remote %s track %s (stream %s)", t.Kind(), t.ID(), t.StreamID())
	if cb := s.callbacks().OnRemoteStream; cb != nil {
		cb(&snapshot)
	}

	if t.Kind() == webrtc.RTPCodecTypeVideo {
		go s.pliLoop(pc, uint32(t.SSRC()))
	}
	go s.readRemote(t, counter)
}

// readRemote keeps the receive pipeline flowing and accumulates stats until
// the track or the session ends.
func (s *pionSession) readRemote(t *webrtc.TrackRemote, counter *trackCounter) {
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("remote %s track read ended: %v", t.Kind(), err)
			}
			return
		}
		counter.update(pkt)
	}
}

// pliLoop periodically requests a keyframe for a remote video track.
func (s *pionSession) pliLoop(pc *webrtc.PeerConnection, ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				return
			}
		}
	}
}

// drainRTCP reads and discards sender reports so the interceptor chain
// (NACK, TWCC) keeps processing feedback.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("add recvonly %s transceiver: %v", kind, err)
		}
	}
}

func mapConnState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

// iceServers converts configured STUN URLs to Pion's server list.
func iceServers(cfg Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, u := range cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}
