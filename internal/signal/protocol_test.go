package signal

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeWireShape(t *testing.T) {
	env, err := NewEnvelope(EventRinging, Ringing{
		CallID: "c1",
		Caller: Participant{ID: "alice", Username: "alice"},
		Type:   CallTypeVideo,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// The outer shape and key names are the wire contract with the relay.
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := wire["event"]; !ok {
		t.Fatal("missing event key")
	}
	var payload map[string]any
	if err := json.Unmarshal(wire["payload"], &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["call_id"] != "c1" {
		t.Fatalf("call_id = %v", payload["call_id"])
	}
	if payload["type"] != "video" {
		t.Fatalf("type = %v", payload["type"])
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	env := &Envelope{Event: EventAccepted}
	var p Accepted
	if err := env.Decode(&p); err == nil {
		t.Fatal("decoding an empty payload should fail")
	}
}

func TestCallTypeValid(t *testing.T) {
	if !CallTypeAudio.Valid() || !CallTypeVideo.Valid() {
		t.Fatal("known types reported invalid")
	}
	if CallType("screencast").Valid() || CallType("").Valid() {
		t.Fatal("unknown type reported valid")
	}
}
