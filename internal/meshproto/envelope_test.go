package meshproto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestEnvelope_WithSenderOverwritesClaim(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"offer","target":"B","sender":"mallory","sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Sender != "mallory" {
		t.Fatalf("sender=%q, want claimed value before stamping", env.Sender)
	}

	b, err := Encode(env.WithSender("A"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]any{"type": "offer", "target": "B", "sender": "A", "sdp": "v=0"}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s=%v, want %v (frame %s)", k, got[k], v, b)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("frame has extra members: %s", b)
	}
}

func TestEnvelope_BodyPassesThroughUnchanged(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"answer","target":"A","sdp":"v=0","custom":{"nested":[true,null]}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	b, err := env.WithSender("B").MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	back, err := ParseEnvelope(b)
	if err != nil {
		t.Fatalf("ParseEnvelope(round trip): %v", err)
	}
	if got := string(back.Body["custom"]); got != `{"nested":[true,null]}` {
		t.Fatalf("custom=%s", got)
	}
	if back.Sender != "B" || back.Target != "A" || back.Kind != MessageTypeAnswer {
		t.Fatalf("routing=%+v", back)
	}
}

func TestNewSignal_RejectsReservedBodyKeys(t *testing.T) {
	_, err := NewSignal(MessageTypeOffer, "B", map[string]any{"sender": "x"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err=%v, want ErrInvalidMessage", err)
	}
	if _, err := NewSignal(MessageTypeJoinNetwork, "B", nil); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err=%v, want ErrUnknownType", err)
	}
	if _, err := NewSignal(MessageTypeOffer, " ", nil); !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("err=%v, want ErrMissingTarget", err)
	}
}

func TestSessionDescriptionEnvelope(t *testing.T) {
	env, err := SessionDescriptionEnvelope("B", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"})
	if err != nil {
		t.Fatalf("SessionDescriptionEnvelope: %v", err)
	}
	if env.Kind != MessageTypeAnswer {
		t.Fatalf("kind=%q, want answer", env.Kind)
	}
	desc, err := env.SessionDescription()
	if err != nil {
		t.Fatalf("SessionDescription: %v", err)
	}
	if desc.Type != webrtc.SDPTypeAnswer || desc.SDP != "v=0\r\n" {
		t.Fatalf("desc=%+v", desc)
	}

	if _, err := SessionDescriptionEnvelope("B", webrtc.SessionDescription{Type: webrtc.SDPTypePranswer, SDP: "v=0"}); err == nil {
		t.Fatalf("expected error for pranswer")
	}
	if _, err := SessionDescriptionEnvelope("B", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}); err == nil {
		t.Fatalf("expected error for empty sdp")
	}
}

func TestCandidateEnvelope(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	init := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}

	env, err := CandidateEnvelope("B", init)
	if err != nil {
		t.Fatalf("CandidateEnvelope: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(env.Body["candidate"], &wire); err != nil {
		t.Fatalf("Unmarshal candidate: %v", err)
	}
	if wire["candidate"] != init.Candidate || wire["sdpMid"] != "0" || wire["sdpMLineIndex"] != float64(0) {
		t.Fatalf("candidate body=%s, want RTCIceCandidateInit member names", env.Body["candidate"])
	}
	b, err := Encode(env.WithSender("A"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := ParseEnvelope(b)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	got, err := back.ICECandidate()
	if err != nil {
		t.Fatalf("ICECandidate: %v", err)
	}
	if got.Candidate != init.Candidate || got.SDPMid == nil || *got.SDPMid != "0" || got.SDPMLineIndex == nil || *got.SDPMLineIndex != 0 {
		t.Fatalf("candidate=%+v", got)
	}
	if got.UsernameFragment != nil {
		t.Fatalf("usernameFragment=%v, want nil", *got.UsernameFragment)
	}

	if _, err := back.SessionDescription(); err == nil {
		t.Fatalf("expected error reading sdp from candidate envelope")
	}
}

func TestParseEnvelope_TypedRoutingMembers(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"ice-candidate","target":"B","candidate":{"candidate":"c"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Kind != MessageTypeICECandidate {
		t.Fatalf("kind=%q, want %q", env.Kind, MessageTypeICECandidate)
	}

	cases := map[string]error{
		`{"type":["offer"],"target":"B"}`:          ErrInvalidMessage,
		`{"type":"peer-list","target":"B"}`:        ErrUnknownType,
		`{"type":"offer","target":"B","sender":1}`: ErrInvalidMessage,
	}
	for data, want := range cases {
		if _, err := ParseEnvelope([]byte(data)); !errors.Is(err, want) {
			t.Fatalf("ParseEnvelope(%s) err=%v, want %v", data, err, want)
		}
	}
}
