package call

import (
	"context"

	"github.com/peerline/peerline/internal/media"
	"github.com/peerline/peerline/internal/signal"
)

// dispatchLoop consumes signaling events and connection state changes
// until Close. It is the only reader of the subscription, so handlers may
// block briefly; anything long (capture, SDP) runs in its own goroutine.
func (m *Manager) dispatchLoop(events <-chan *signal.Envelope, cancelEvents func(), states <-chan bool, cancelStates func()) {
	defer cancelEvents()
	defer cancelStates()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			m.handle(env)
		case connected, ok := <-states:
			if !ok {
				return
			}
			if !connected {
				m.onSignalingLost()
			}
		}
	}
}

func (m *Manager) handle(env *signal.Envelope) {
	switch env.Event {
	case signal.EventInitiated:
		var p signal.Initiated
		if err := env.Decode(&p); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		m.onInitiated(p)
	case signal.EventRinging:
		var p signal.Ringing
		if err := env.Decode(&p); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		m.onRinging(p)
	case signal.EventAccepted:
		var p signal.Accepted
		if err := env.Decode(&p); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		m.onAccepted(p)
	case signal.EventRejected:
		var p signal.Rejected
		if err := env.Decode(&p); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		m.onRejected(p)
	case signal.EventEnded:
		var p signal.Ended
		if err := env.Decode(&p); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		m.onEnded(p)
	case signal.EventSDPOffer:
		var p signal.SDP
		if err := env.Decode(&p); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		m.onOffer(p)
	case signal.EventSDPAnswer:
		var p signal.SDP
		if err := env.Decode(&p); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		m.onAnswer(p)
	case signal.EventICECandidate:
		var p signal.ICECandidate
		if err := env.Decode(&p); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		m.onCandidate(p)
	case signal.EventError:
		var p signal.Error
		if err := env.Decode(&p); err != nil {
			log.Warnf("bad %s payload: %v", env.Event, err)
			return
		}
		m.onServerError(p)
	default:
		log.Debugf("ignoring event %q", env.Event)
	}
}

// onInitiated is the relay's confirmation of our outbound call: it carries
// the server-assigned call ID and the callee's full identity. This, not
// Initiate, is where media setup starts, so the camera stays off when the
// callee is offline or busy.
func (m *Manager) onInitiated(p signal.Initiated) {
	m.mu.Lock()
	if m.state != StateCalling || !m.isCaller || m.callID != "" {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: discarding stale call:initiated", p.CallID)
		return
	}
	m.callID = p.CallID
	m.remote = p.Callee
	gen := m.gen
	m.mu.Unlock()
	m.notify()

	go func() {
		if err := m.setupMedia(context.Background(), gen, p.CallID); err != nil {
			m.failMedia(gen, err)
			return
		}
		m.maybeOffer(gen)
	}()
}

// onRinging is an inbound call. A client already in any non-idle state is
// busy and auto-rejects without disturbing its own session; this includes
// a terminal state still inside its grace period.
func (m *Manager) onRinging(p signal.Ringing) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		log.Infof("CALL [%s]: busy, auto-rejecting call from %s", p.CallID, p.Caller.ID)
		if err := m.sig.Send(signal.EventReject, signal.Reject{CallID: p.CallID}); err != nil {
			log.Warnf("CALL [%s]: send busy reject: %v", p.CallID, err)
		}
		return
	}
	m.callID = p.CallID
	m.state = StateRinging
	m.ctype = p.Type
	m.remote = p.Caller
	m.isCaller = false
	m.micOn = true
	m.camOn = p.Type == signal.CallTypeVideo
	m.mu.Unlock()
	m.notify()
	log.Infof("CALL [%s]: incoming %s call from %s", p.CallID, p.Type, p.Caller.ID)
}

// onAccepted marks the callee ready. The offer is created here if media
// setup already finished, or by setupMedia's continuation if not.
func (m *Manager) onAccepted(p signal.Accepted) {
	m.mu.Lock()
	if m.callID != p.CallID || m.state != StateCalling || !m.isCaller {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: discarding stale call:accepted", p.CallID)
		return
	}
	m.acceptSeen = true
	gen := m.gen
	m.mu.Unlock()

	go m.maybeOffer(gen)
}

// maybeOffer creates and sends the SDP offer exactly once, after both
// prerequisites hold: local media is ready and the callee has accepted.
func (m *Manager) maybeOffer(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || !m.acceptSeen || m.offerSent || m.media == nil {
		m.mu.Unlock()
		return
	}
	m.offerSent = true
	sess := m.media
	callID := m.callID
	m.mu.Unlock()

	sdp, err := sess.CreateOffer(context.Background())
	if err != nil {
		m.failMedia(gen, err)
		return
	}
	if err := m.sig.Send(signal.EventSDPOffer, signal.SDP{CallID: callID, SDP: sdp}); err != nil {
		m.failMedia(gen, err)
		return
	}
	log.Debugf("CALL [%s]: offer sent", callID)
}

// onOffer is received by the callee. Media is guaranteed to exist: the
// caller only offers after call:accepted, which we emit after setup.
func (m *Manager) onOffer(p signal.SDP) {
	m.mu.Lock()
	if m.callID != p.CallID || m.media == nil {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: discarding stale sdp-offer", p.CallID)
		return
	}
	gen := m.gen
	sess := m.media
	m.mu.Unlock()

	go func() {
		answer, err := sess.HandleOffer(context.Background(), p.SDP)
		if err != nil {
			m.failMedia(gen, err)
			return
		}
		if err := m.sig.Send(signal.EventSDPAnswer, signal.SDP{CallID: p.CallID, SDP: answer}); err != nil {
			m.failMedia(gen, err)
			return
		}
		log.Debugf("CALL [%s]: answer sent", p.CallID)
	}()
}

func (m *Manager) onAnswer(p signal.SDP) {
	m.mu.Lock()
	if m.callID != p.CallID || m.media == nil {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: discarding stale sdp-answer", p.CallID)
		return
	}
	gen := m.gen
	sess := m.media
	m.mu.Unlock()

	if err := sess.HandleAnswer(context.Background(), p.SDP); err != nil {
		m.failMedia(gen, err)
	}
}

// onCandidate applies a remote ICE candidate, buffering it when the media
// session does not exist yet (trickle ICE can outrun our setup).
func (m *Manager) onCandidate(p signal.ICECandidate) {
	m.mu.Lock()
	if m.callID != p.CallID || m.state.Terminal() || m.state == StateIdle {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: discarding stale ice-candidate", p.CallID)
		return
	}
	if m.media == nil {
		m.earlyCands = append(m.earlyCands, p.Candidate)
		m.mu.Unlock()
		return
	}
	sess := m.media
	m.mu.Unlock()

	if err := sess.AddICECandidate(p.Candidate); err != nil {
		// Individual candidate failures are survivable; the pair that
		// works is usually not the one that failed.
		log.Warnf("CALL [%s]: add ice candidate: %v", p.CallID, err)
	}
}

// onRejected reaches a Calling caller (the callee declined) and a Ringing
// callee (the caller cancelled before the call was answered). Both sides
// land in Rejected.
func (m *Manager) onRejected(p signal.Rejected) {
	m.mu.Lock()
	if m.callID != p.CallID || (m.state != StateCalling && m.state != StateRinging) {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: discarding stale call:rejected", p.CallID)
		return
	}
	m.terminalLocked(StateRejected)
	m.mu.Unlock()
	m.notify()
	log.Infof("CALL [%s]: rejected by %s", p.CallID, p.By)
}

func (m *Manager) onEnded(p signal.Ended) {
	m.mu.Lock()
	if m.callID != p.CallID || m.state == StateIdle || m.state.Terminal() {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: discarding stale call:ended", p.CallID)
		return
	}
	m.endReason = p.Reason
	m.terminalLocked(StateEnded)
	m.mu.Unlock()
	m.notify()
	log.Infof("CALL [%s]: ended by %s (%s)", p.CallID, p.By, p.Reason)
}

// onServerError applies the relay error policy: an error during call setup
// aborts to Failed; during an established call the media path is
// peer-to-peer and unaffected, so the error is only logged.
func (m *Manager) onServerError(p signal.Error) {
	m.mu.Lock()
	if p.CallID != "" && m.callID != "" && m.callID != p.CallID {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: discarding stale call:error", p.CallID)
		return
	}
	if m.state != StateCalling {
		m.mu.Unlock()
		log.Warnf("relay error: %s", p.Message)
		return
	}
	m.failureMsg = p.Message
	m.terminalLocked(StateFailed)
	m.mu.Unlock()
	m.notify()
	log.Errorf("CALL: relay error while calling: %s", p.Message)
}

// onSignalingLost applies the disconnect policy: setup phases cannot
// proceed without the relay and fail immediately; an established call
// keeps flowing peer-to-peer and only logs.
func (m *Manager) onSignalingLost() {
	m.mu.Lock()
	switch m.state {
	case StateCalling, StateRinging:
		m.failureMsg = "connection to server lost"
		m.terminalLocked(StateFailed)
		m.mu.Unlock()
		m.notify()
		log.Errorf("CALL: signaling lost during setup")
	case StateConnected:
		m.mu.Unlock()
		log.Warnf("CALL: signaling lost; call continues peer-to-peer")
	default:
		m.mu.Unlock()
	}
}

// onRemoteStream records the remote party's stream once its first track
// arrives, so subscribers can render it.
func (m *Manager) onRemoteStream(gen uint64, s *media.Stream) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.remoteStream = s
	callID := m.callID
	m.mu.Unlock()
	m.notify()
	log.Debugf("CALL [%s]: remote stream %s (%d tracks)", callID, s.ID, len(s.Tracks))
}

// onConnState reacts to the peer connection's transport state. Connected
// starts the call clock; Failed tears the call down and notifies the
// remote party via the relay.
func (m *Manager) onConnState(gen uint64, st media.ConnectionState) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	switch st {
	case media.StateConnected:
		if m.state == StateConnected {
			m.mu.Unlock()
			return
		}
		m.state = StateConnected
		m.startedAt = nowFn()
		m.duration = 0
		m.startTickerLocked(gen)
		callID := m.callID
		m.mu.Unlock()
		m.notify()
		log.Infof("CALL [%s]: connected", callID)
	case media.StateFailed:
		callID := m.callID
		m.failureMsg = "connection lost"
		m.endReason = signal.ReasonMediaFailure
		m.terminalLocked(StateFailed)
		m.mu.Unlock()
		m.notify()
		log.Errorf("CALL [%s]: peer connection failed", callID)
		if err := m.sig.Send(signal.EventEnd, signal.End{CallID: callID}); err != nil {
			log.Warnf("CALL [%s]: send end after connection failure: %v", callID, err)
		}
	case media.StateDisconnected:
		log.Warnf("CALL [%s]: peer connection disconnected, waiting for recovery", m.callID)
		m.mu.Unlock()
	default:
		m.mu.Unlock()
	}
}
