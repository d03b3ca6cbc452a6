package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerline/peerline/internal/signal"
	"github.com/peerline/peerline/internal/util"
)

// activeCall is one call the relay is brokering. Fields are fixed at
// creation except accepted.
type activeCall struct {
	id       string
	callerID string
	calleeID string
	ctype    signal.CallType
	accepted bool
}

func (ac *activeCall) other(userID string) string {
	if userID == ac.callerID {
		return ac.calleeID
	}
	return ac.callerID
}

func (ac *activeCall) involves(userID string) bool {
	return userID == ac.callerID || userID == ac.calleeID
}

// CallRecord is one finished call as kept in the relay's in-memory log,
// served at /calls.json for operators. Nothing is persisted.
type CallRecord struct {
	CallID   string          `json:"call_id"`
	Caller   string          `json:"caller"`
	Callee   string          `json:"callee"`
	Type     signal.CallType `json:"type"`
	Outcome  string          `json:"outcome"`
	Accepted bool            `json:"accepted"`
	EndedAt  int64           `json:"ended_at"`
}

const historyCap = 200

// router owns call state and applies the signaling protocol. All handlers
// run under mu; the actual sends go through the hub's buffered queues and
// never block the router.
type router struct {
	hub *hub

	// calls is keyed by call ID. committed maps a user to the one call they
	// are caller of or have accepted; a user can still be rung by several
	// calls at once, and their client busy-rejects the extras.
	mu        sync.Mutex
	calls     map[string]*activeCall
	committed map[string]string

	history *util.RingBuffer[CallRecord]
}

func newRouter(h *hub) *router {
	return &router{
		hub:       h,
		calls:     make(map[string]*activeCall),
		committed: make(map[string]string),
		history:   util.NewRingBuffer[CallRecord](historyCap),
	}
}

// handle dispatches one inbound envelope from a connected client.
func (r *router) handle(from *client, env *signal.Envelope) {
	switch env.Event {
	case signal.EventInitiate:
		var p signal.Initiate
		if err := env.Decode(&p); err != nil {
			r.sendError(from, "", "malformed call:initiate")
			return
		}
		r.onInitiate(from, p)
	case signal.EventAccept:
		var p signal.Accept
		if err := env.Decode(&p); err != nil {
			r.sendError(from, "", "malformed call:accept")
			return
		}
		r.onAccept(from, p)
	case signal.EventReject:
		var p signal.Reject
		if err := env.Decode(&p); err != nil {
			r.sendError(from, "", "malformed call:reject")
			return
		}
		r.onReject(from, p)
	case signal.EventEnd:
		var p signal.End
		if err := env.Decode(&p); err != nil {
			r.sendError(from, "", "malformed call:end")
			return
		}
		r.onEnd(from, p)
	case signal.EventSDPOffer, signal.EventSDPAnswer, signal.EventICECandidate:
		r.onForward(from, env)
	default:
		log.Debugf("ignoring %q from %s", env.Event, from.ident.ID)
	}
}

// onInitiate validates a new call, assigns its ID, and rings the callee.
// Every validation failure is reported to the caller as call:error so a
// Calling client fails instead of waiting forever.
func (r *router) onInitiate(from *client, p signal.Initiate) {
	if !p.Type.Valid() {
		r.sendError(from, "", "unknown call type")
		return
	}
	if p.Callee == "" || p.Callee == from.ident.ID {
		r.sendError(from, "", "invalid callee")
		return
	}
	callee, online := r.hub.lookup(p.Callee)
	if !online {
		r.sendError(from, "", "user is offline")
		return
	}

	r.mu.Lock()
	if _, busy := r.committed[from.ident.ID]; busy {
		r.mu.Unlock()
		r.sendError(from, "", "already in a call")
		return
	}
	ac := &activeCall{
		id:       uuid.NewString(),
		callerID: from.ident.ID,
		calleeID: p.Callee,
		ctype:    p.Type,
	}
	r.calls[ac.id] = ac
	r.committed[from.ident.ID] = ac.id
	r.mu.Unlock()

	log.Infof("CALL [%s]: %s -> %s (%s)", ac.id, ac.callerID, ac.calleeID, p.Type)
	r.hub.sendTo(ac.callerID, signal.EventInitiated, signal.Initiated{
		CallID: ac.id,
		Callee: callee.ident,
		Type:   p.Type,
	})
	r.hub.sendTo(ac.calleeID, signal.EventRinging, signal.Ringing{
		CallID: ac.id,
		Caller: from.ident,
		Type:   p.Type,
	})
}

func (r *router) onAccept(from *client, p signal.Accept) {
	r.mu.Lock()
	ac, ok := r.calls[p.CallID]
	if !ok || ac.calleeID != from.ident.ID || ac.accepted {
		r.mu.Unlock()
		r.sendError(from, p.CallID, "no such call")
		return
	}
	ac.accepted = true
	r.committed[ac.calleeID] = ac.id
	r.mu.Unlock()

	log.Infof("CALL [%s]: accepted by %s", ac.id, from.ident.ID)
	r.hub.sendTo(ac.callerID, signal.EventAccepted, signal.Accepted{CallID: ac.id})
}

// onReject handles both a callee declining and a caller cancelling. An
// empty call ID is legal for a caller that cancels before call:initiated
// reached it; the pending call is resolved by sender.
func (r *router) onReject(from *client, p signal.Reject) {
	r.mu.Lock()
	ac := r.resolveLocked(from.ident.ID, p.CallID)
	if ac == nil {
		r.mu.Unlock()
		return
	}
	r.dropLocked(ac, "rejected")
	r.mu.Unlock()

	log.Infof("CALL [%s]: rejected by %s", ac.id, from.ident.ID)
	r.hub.sendTo(ac.other(from.ident.ID), signal.EventRejected, signal.Rejected{
		CallID: ac.id,
		By:     from.ident.ID,
	})
}

func (r *router) onEnd(from *client, p signal.End) {
	r.mu.Lock()
	ac := r.resolveLocked(from.ident.ID, p.CallID)
	if ac == nil {
		r.mu.Unlock()
		return
	}
	r.dropLocked(ac, "ended")
	r.mu.Unlock()

	log.Infof("CALL [%s]: ended by %s", ac.id, from.ident.ID)
	r.hub.sendTo(ac.other(from.ident.ID), signal.EventEnded, signal.Ended{
		CallID: ac.id,
		By:     from.ident.ID,
		Reason: signal.ReasonHangup,
	})
}

// onForward relays SDP and ICE envelopes to the other party of the call
// without touching the payload beyond reading its call ID.
func (r *router) onForward(from *client, env *signal.Envelope) {
	var p struct {
		CallID string `json:"call_id"`
	}
	if err := env.Decode(&p); err != nil || p.CallID == "" {
		r.sendError(from, "", "malformed "+env.Event)
		return
	}

	r.mu.Lock()
	ac, ok := r.calls[p.CallID]
	r.mu.Unlock()
	if !ok || !ac.involves(from.ident.ID) {
		log.Debugf("CALL [%s]: dropping %s for unknown call", p.CallID, env.Event)
		return
	}
	r.hub.forward(ac.other(from.ident.ID), env)
}

// disconnected runs when a client's connection dies: every call it was
// party to ends with reason "disconnect" so the other side is not left in
// a dead call.
func (r *router) disconnected(userID string) {
	r.mu.Lock()
	var dropped []*activeCall
	for _, ac := range r.calls {
		if ac.involves(userID) {
			dropped = append(dropped, ac)
		}
	}
	for _, ac := range dropped {
		r.dropLocked(ac, "disconnect")
	}
	r.mu.Unlock()

	for _, ac := range dropped {
		log.Infof("CALL [%s]: %s disconnected", ac.id, userID)
		r.hub.sendTo(ac.other(userID), signal.EventEnded, signal.Ended{
			CallID: ac.id,
			By:     userID,
			Reason: signal.ReasonDisconnect,
		})
	}
}

// resolveLocked finds the call identified by callID, or by the sender's
// committed call when callID is empty. Returns nil when the sender is not
// a party or nothing matches (already-dropped calls are not an error).
func (r *router) resolveLocked(userID, callID string) *activeCall {
	if callID == "" {
		callID = r.committed[userID]
	}
	ac, ok := r.calls[callID]
	if !ok || !ac.involves(userID) {
		return nil
	}
	return ac
}

func (r *router) dropLocked(ac *activeCall, outcome string) {
	delete(r.calls, ac.id)
	if r.committed[ac.callerID] == ac.id {
		delete(r.committed, ac.callerID)
	}
	if r.committed[ac.calleeID] == ac.id {
		delete(r.committed, ac.calleeID)
	}
	r.history.Push(CallRecord{
		CallID:   ac.id,
		Caller:   ac.callerID,
		Callee:   ac.calleeID,
		Type:     ac.ctype,
		Outcome:  outcome,
		Accepted: ac.accepted,
		EndedAt:  time.Now().UnixMilli(),
	})
}

// recentCalls returns the call log, oldest first.
func (r *router) recentCalls() []CallRecord {
	return r.history.Snapshot()
}

func (r *router) sendError(to *client, callID, msg string) {
	log.Warnf("error to %s: %s", to.ident.ID, msg)
	r.hub.sendTo(to.ident.ID, signal.EventError, signal.Error{CallID: callID, Message: msg})
}
