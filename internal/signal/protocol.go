// Package signal defines the wire protocol spoken between clients and the
// signaling relay. Wire format: JSON envelopes over a persistent WebSocket.
//
// The relay never inspects SDP or ICE payloads; it only validates call
// membership and routes each event to the other party.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Event names for the call-control protocol. Every event except the very
// first (call:initiate) carries the relay-assigned call ID.
const (
	EventInitiate  = "call:initiate"  // caller → relay: start a call
	EventInitiated = "call:initiated" // relay → caller: call ID assigned
	EventRinging   = "call:ringing"   // relay → callee: incoming call
	EventAccept    = "call:accept"    // callee → relay
	EventAccepted  = "call:accepted"  // relay → caller: may now offer
	EventReject    = "call:reject"    // either → relay: decline/cancel before connect
	EventRejected  = "call:rejected"  // relay → other party
	EventEnd       = "call:end"       // either → relay: hang up
	EventEnded     = "call:ended"     // relay → other party

	EventSDPOffer     = "call:sdp-offer"     // caller → callee
	EventSDPAnswer    = "call:sdp-answer"    // callee → caller
	EventICECandidate = "call:ice-candidate" // either → other

	EventError = "call:error" // relay → affected party: server-side failure
)

// CallType selects the media requested for a call. Fixed for the lifetime
// of a session once chosen.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// Reasons carried on call:ended.
const (
	ReasonHangup       = "hangup"
	ReasonMediaFailure = "media-failure"
	ReasonDisconnect   = "disconnect"
)

// Participant is the identity snapshot of one party, carried on
// call:initiated (the callee, for the caller) and call:ringing (the caller,
// for the callee) so each side can render the other without a lookup.
type Participant struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Envelope is the outer wire type for every signaling message.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it with the event name.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return &Envelope{Event: event, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// ─── Payloads ────────────────────────────────────────────────────────────────

// Initiate is the only event without a call ID. The relay assigns one and
// answers with Initiated.
type Initiate struct {
	Callee string   `json:"callee"`
	Type   CallType `json:"type"`
}

type Initiated struct {
	CallID string      `json:"call_id"`
	Callee Participant `json:"callee"`
	Type   CallType    `json:"type"`
}

type Ringing struct {
	CallID string      `json:"call_id"`
	Caller Participant `json:"caller"`
	Type   CallType    `json:"type"`
}

type Accept struct {
	CallID string `json:"call_id"`
}

type Accepted struct {
	CallID string `json:"call_id"`
}

type Reject struct {
	CallID string `json:"call_id"`
}

type Rejected struct {
	CallID string `json:"call_id"`
	By     string `json:"by"`
}

type End struct {
	CallID string `json:"call_id"`
}

type Ended struct {
	CallID string `json:"call_id"`
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// SDP carries an offer or answer; the event name disambiguates.
type SDP struct {
	CallID string `json:"call_id"`
	SDP    string `json:"sdp"`
}

// ICECandidate forwards one discovered candidate to the other party.
type ICECandidate struct {
	CallID    string                  `json:"call_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Error reports a relay-side failure. CallID may be empty when the failure
// predates ID assignment (e.g. a rejected initiate).
type Error struct {
	CallID  string `json:"call_id,omitempty"`
	Message string `json:"message"`
}
