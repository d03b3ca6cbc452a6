// Package call implements the per-client call session state machine: it
// mediates between the signaling relay and the media session, owns the one
// mutable call session, and exposes an observable snapshot plus imperative
// actions to a presentation layer.
//
// Coupling to the transport is via the Signaler interface only; coupling to
// WebRTC is via media.Factory. Both are injected, which is also how the
// tests drive the machine without devices or a network.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/media"
	"github.com/peerline/peerline/internal/signal"
)

var log = logging.Logger("call")

// nowFn is swapped out by tests that assert on call timing.
var nowFn = time.Now

// Signaler is the only surface the call package needs from the signaling
// layer. channel.Conn satisfies it; tests use a scripted fake.
type Signaler interface {
	Send(event string, payload any) error
	Subscribe() (<-chan *signal.Envelope, func())
	SubscribeState() (<-chan bool, func())
}

var (
	// ErrBusy: a non-idle session already exists. At most one call per client.
	ErrBusy = errors.New("call: another call is active")
	// ErrNoCall: the action needs an active session and there is none.
	ErrNoCall = errors.New("call: no active call")
	// ErrBadState: the action is not valid in the current state.
	ErrBadState = errors.New("call: invalid state for this action")
)

const (
	// defaultGraceDelay keeps a terminal state visible before resetting to
	// Idle. Resources are released before this delay starts counting.
	defaultGraceDelay = 2 * time.Second

	defaultTickInterval = time.Second

	// listenerBuf is the per-subscriber snapshot buffer; a subscriber that
	// stops draining loses intermediate snapshots, never the lock.
	listenerBuf = 16
)

// Options tune the Manager. Zero values select the defaults.
type Options struct {
	GraceDelay   time.Duration
	TickInterval time.Duration
}

// Manager owns the single call session of one client.
type Manager struct {
	sig      Signaler
	self     signal.Participant
	newMedia media.Factory
	grace    time.Duration
	tick     time.Duration

	mu sync.Mutex
	// gen is bumped whenever the current session is superseded (terminal
	// transition or reset). Asynchronous continuations capture gen and
	// discard their result if it moved, so late effects of a dead call
	// never touch a newer one.
	gen uint64

	callID   string
	state    State
	ctype    signal.CallType
	remote   signal.Participant
	isCaller bool

	media        media.Session
	localStream  *media.Stream
	remoteStream *media.Stream
	micOn        bool
	camOn        bool

	// acceptSeen/offerSent serialize the caller's offer: call:accepted may
	// arrive while media setup is still running, in which case the offer is
	// created as soon as setup completes instead of being lost.
	acceptSeen bool
	offerSent  bool
	// earlyCands buffers remote candidates that arrive before the media
	// session exists; flushed once setup completes.
	earlyCands []webrtc.ICECandidateInit

	startedAt  time.Time
	duration   time.Duration
	endReason  string
	failureMsg string

	tickStop   chan struct{}
	graceTimer *time.Timer

	listenerMu sync.RWMutex
	listeners  map[chan Session]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Manager bound to sig and starts dispatching signaling
// events. The subscriptions are taken out before New returns, so an event
// arriving the instant after cannot slip past the dispatch loop.
func New(sig Signaler, self signal.Participant, factory media.Factory, opts Options) *Manager {
	if opts.GraceDelay == 0 {
		opts.GraceDelay = defaultGraceDelay
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = defaultTickInterval
	}
	m := &Manager{
		sig:       sig,
		self:      self,
		newMedia:  factory,
		grace:     opts.GraceDelay,
		tick:      opts.TickInterval,
		state:     StateIdle,
		listeners: make(map[chan Session]struct{}),
		done:      make(chan struct{}),
	}
	events, cancelEvents := sig.Subscribe()
	states, cancelStates := sig.SubscribeState()
	go m.dispatchLoop(events, cancelEvents, states, cancelStates)
	return m
}

// Initiate starts an outbound call to calleeID. Valid from Idle; a terminal
// state still inside its grace period is reset immediately, so the next
// call does not wait for the "call ended" message to disappear.
//
// Media is NOT acquired here. The relay confirms with call:initiated first;
// acquiring on that confirmation keeps the camera light off when the callee
// is offline or busy.
func (m *Manager) Initiate(ctx context.Context, calleeID string, t signal.CallType) error {
	if !t.Valid() {
		return errors.New("call: unknown call type")
	}
	m.mu.Lock()
	if m.state.Terminal() {
		m.resetLocked()
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = StateCalling
	m.isCaller = true
	m.ctype = t
	m.remote = signal.Participant{ID: calleeID}
	m.micOn = true
	m.camOn = t == signal.CallTypeVideo
	m.mu.Unlock()
	m.notify()

	if err := m.sig.Send(signal.EventInitiate, signal.Initiate{Callee: calleeID, Type: t}); err != nil {
		m.mu.Lock()
		m.resetLocked()
		m.mu.Unlock()
		m.notify()
		return err
	}
	log.Infof("CALL [%s]: initiating %s call", calleeID, t)
	return nil
}

// Accept answers an incoming (Ringing) call. Media setup completes before
// call:accept is emitted; otherwise the caller's SDP offer can race ahead
// of our peer connection and stall negotiation permanently.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRinging || m.isCaller {
		m.mu.Unlock()
		return ErrBadState
	}
	gen := m.gen
	callID := m.callID
	m.mu.Unlock()

	if err := m.setupMedia(ctx, gen, callID); err != nil {
		m.failMedia(gen, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		// The call ended while we were acquiring devices.
		m.mu.Unlock()
		return ErrNoCall
	}
	m.mu.Unlock()

	if err := m.sig.Send(signal.EventAccept, signal.Accept{CallID: callID}); err != nil {
		m.failMedia(gen, err)
		return err
	}
	log.Infof("CALL [%s]: accepted", callID)
	return nil
}

// Reject declines an incoming call, or cancels an outbound one that has
// not connected yet. Both land in Rejected and emit call:reject.
func (m *Manager) Reject() error {
	m.mu.Lock()
	if m.state != StateRinging && m.state != StateCalling {
		m.mu.Unlock()
		return ErrBadState
	}
	callID := m.callID
	m.terminalLocked(StateRejected)
	m.mu.Unlock()
	m.notify()

	// callID can be empty for a caller cancelling before the relay assigned
	// one; the relay resolves the pending call by sender.
	if err := m.sig.Send(signal.EventReject, signal.Reject{CallID: callID}); err != nil {
		log.Warnf("CALL [%s]: send reject: %v", callID, err)
	}
	return nil
}

// End hangs up an established call.
func (m *Manager) End() error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return ErrBadState
	}
	callID := m.callID
	m.endReason = signal.ReasonHangup
	m.terminalLocked(StateEnded)
	m.mu.Unlock()
	m.notify()

	if err := m.sig.Send(signal.EventEnd, signal.End{CallID: callID}); err != nil {
		log.Warnf("CALL [%s]: send end: %v", callID, err)
	}
	log.Infof("CALL [%s]: ended", callID)
	return nil
}

// ToggleMic flips the local microphone and returns the new enabled value.
// Purely local: no renegotiation, no signaling event.
func (m *Manager) ToggleMic() (bool, error) {
	return m.toggle(true)
}

// ToggleCamera flips the local camera and returns the new enabled value.
func (m *Manager) ToggleCamera() (bool, error) {
	return m.toggle(false)
}

func (m *Manager) toggle(mic bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle || m.state.Terminal() {
		return false, ErrNoCall
	}
	defer m.notifyAsync()

	if m.media == nil {
		// No tracks exist yet (Ringing before accept, or Calling before
		// call:initiated). Only the flag flips; setup honors it later.
		if mic {
			m.micOn = !m.micOn
			return m.micOn, nil
		}
		m.camOn = !m.camOn
		return m.camOn, nil
	}

	if mic {
		m.micOn = m.media.ToggleMic()
		return m.micOn, nil
	}
	m.camOn = m.media.ToggleCamera()
	return m.camOn, nil
}

// Snapshot returns the current session for presentation.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// MediaStats returns live counters for the active call's tracks, or nil
// when no media session exists.
func (m *Manager) MediaStats() []media.TrackStats {
	m.mu.Lock()
	sess := m.media
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Stats()
}

// Subscribe returns a channel receiving a session snapshot after every
// state change, plus one per duration tick while connected. cancel
// unregisters and closes the channel.
func (m *Manager) Subscribe() (<-chan Session, func()) {
	ch := make(chan Session, listenerBuf)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close is the shutdown hook. It runs exactly once: any active call gets a
// best-effort terminal signal so the peer is not left hanging, then all
// resources are released synchronously before Close returns.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		state := m.state
		callID := m.callID
		m.mu.Unlock()

		switch state {
		case StateConnected:
			if err := m.sig.Send(signal.EventEnd, signal.End{CallID: callID}); err != nil {
				log.Debugf("CALL [%s]: shutdown end: %v", callID, err)
			}
		case StateCalling, StateRinging:
			if err := m.sig.Send(signal.EventReject, signal.Reject{CallID: callID}); err != nil {
				log.Debugf("CALL [%s]: shutdown reject: %v", callID, err)
			}
		}

		m.mu.Lock()
		m.resetLocked()
		m.mu.Unlock()

		m.listenerMu.Lock()
		for ch := range m.listeners {
			close(ch)
		}
		m.listeners = make(map[chan Session]struct{})
		m.listenerMu.Unlock()
	})
}

// setupMedia creates a fresh media session for the call identified by
// (gen, callID): peer connection, local capture, tracks. The manager's
// lock is NOT held across the blocking capture, and on completion the
// session is installed only if that call is still the live one.
func (m *Manager) setupMedia(ctx context.Context, gen uint64, callID string) error {
	cb := media.Callbacks{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			if err := m.sig.Send(signal.EventICECandidate, signal.ICECandidate{CallID: callID, Candidate: c}); err != nil {
				log.Warnf("CALL [%s]: send ice candidate: %v", callID, err)
			}
		},
		OnConnectionStateChange: func(st media.ConnectionState) {
			m.onConnState(gen, st)
		},
		OnRemoteStream: func(s *media.Stream) {
			m.onRemoteStream(gen, s)
		},
	}
	sess := m.newMedia(cb)

	if err := sess.CreateConnection(); err != nil {
		sess.Cleanup()
		return err
	}

	m.mu.Lock()
	ctype := m.ctype
	micOn, camOn := m.micOn, m.camOn
	m.mu.Unlock()

	localStream, err := sess.GetLocalStream(ctx, ctype)
	if err != nil {
		sess.Cleanup()
		return err
	}
	if err := sess.AddLocalTracks(); err != nil {
		sess.Cleanup()
		return err
	}

	// Honor toggles flipped while the devices were being acquired.
	if !micOn {
		sess.ToggleMic()
	}
	if ctype == signal.CallTypeVideo && !camOn {
		sess.ToggleCamera()
	}

	m.mu.Lock()
	if m.gen != gen || m.callID != callID {
		// Superseded while blocked on capture.
		m.mu.Unlock()
		sess.Cleanup()
		return nil
	}
	m.media = sess
	m.localStream = localStream
	early := m.earlyCands
	m.earlyCands = nil
	m.mu.Unlock()
	m.notify()

	for _, c := range early {
		if err := sess.AddICECandidate(c); err != nil {
			log.Warnf("CALL [%s]: buffered ice candidate: %v", callID, err)
		}
	}
	return nil
}

// failMedia drives the session for gen to Failed with a user-facing
// message and tells the remote party, so it is not left ringing.
func (m *Manager) failMedia(gen uint64, cause error) {
	msg := "call setup failed"
	var ae *media.AcquireError
	if errors.As(cause, &ae) {
		msg = ae.Kind.Message()
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	callID := m.callID
	m.failureMsg = msg
	m.endReason = signal.ReasonMediaFailure
	m.terminalLocked(StateFailed)
	m.mu.Unlock()
	m.notify()

	log.Errorf("CALL [%s]: failed: %v", callID, cause)
	if callID != "" {
		if err := m.sig.Send(signal.EventEnd, signal.End{CallID: callID}); err != nil {
			log.Warnf("CALL [%s]: send end after failure: %v", callID, err)
		}
	}
}

// terminalLocked moves the session to a terminal state. Resource release
// is synchronous and happens before the grace timer is scheduled: the
// devices must be free for the next call even while the terminal message
// is still on screen.
func (m *Manager) terminalLocked(to State) {
	m.stopTickerLocked()

	if m.media != nil {
		m.media.Cleanup()
		m.media = nil
	}
	m.localStream = nil
	m.remoteStream = nil
	m.earlyCands = nil
	m.acceptSeen = false
	m.offerSent = false

	m.state = to
	m.gen++
	gen := m.gen

	if m.graceTimer != nil {
		m.graceTimer.Stop()
	}
	m.graceTimer = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		if m.gen != gen || !m.state.Terminal() {
			m.mu.Unlock()
			return
		}
		m.resetLocked()
		m.mu.Unlock()
		m.notify()
	})
}

// resetLocked clears every session field and returns to Idle.
func (m *Manager) resetLocked() {
	m.stopTickerLocked()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	if m.media != nil {
		m.media.Cleanup()
		m.media = nil
	}

	m.callID = ""
	m.state = StateIdle
	m.ctype = ""
	m.remote = signal.Participant{}
	m.isCaller = false
	m.localStream = nil
	m.remoteStream = nil
	m.micOn = false
	m.camOn = false
	m.acceptSeen = false
	m.offerSent = false
	m.earlyCands = nil
	m.startedAt = time.Time{}
	m.duration = 0
	m.endReason = ""
	m.failureMsg = ""
	m.gen++
}

func (m *Manager) startTickerLocked(gen uint64) {
	m.stopTickerLocked()
	stop := make(chan struct{})
	m.tickStop = stop

	go func() {
		t := time.NewTicker(m.tick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-m.done:
				return
			case <-t.C:
				m.mu.Lock()
				if m.gen != gen || m.state != StateConnected {
					m.mu.Unlock()
					return
				}
				m.duration = time.Since(m.startedAt)
				m.mu.Unlock()
				m.notify()
			}
		}
	}()
}

func (m *Manager) stopTickerLocked() {
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
}

func (m *Manager) snapshotLocked() Session {
	return Session{
		CallID:         m.callID,
		State:          m.state,
		Type:           m.ctype,
		Remote:         m.remote,
		IsCaller:       m.isCaller,
		LocalStream:    m.localStream,
		RemoteStream:   m.remoteStream,
		MicEnabled:     m.micOn,
		CameraEnabled:  m.camOn,
		StartedAt:      m.startedAt,
		Duration:       m.duration,
		EndReason:      m.endReason,
		FailureMessage: m.failureMsg,
	}
}

// notify fans the current snapshot out to subscribers. Never called with
// m.mu held.
func (m *Manager) notify() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// notifyAsync is for call sites that hold m.mu.
func (m *Manager) notifyAsync() {
	go m.notify()
}
