package meshproto

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var errMissingSDP = errors.New("meshproto: missing sdp")

// SessionDescriptionEnvelope wraps an SDP offer or answer for target. The
// envelope kind follows desc.Type.
func SessionDescriptionEnvelope(target string, desc webrtc.SessionDescription) (Envelope, error) {
	var kind MessageType
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		kind = MessageTypeOffer
	case webrtc.SDPTypeAnswer:
		kind = MessageTypeAnswer
	default:
		return Envelope{}, fmt.Errorf("unsupported sdp type %q", desc.Type.String())
	}
	if desc.SDP == "" {
		return Envelope{}, errMissingSDP
	}
	return NewSignal(kind, target, map[string]any{"sdp": desc.SDP})
}

// CandidateEnvelope wraps a trickled ICE candidate for target.
func CandidateEnvelope(target string, init webrtc.ICECandidateInit) (Envelope, error) {
	return NewSignal(MessageTypeICECandidate, target, map[string]any{"candidate": init})
}

// SessionDescription extracts the SDP carried by an offer or answer.
func (e Envelope) SessionDescription() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch e.Kind {
	case MessageTypeOffer:
		t = webrtc.SDPTypeOffer
	case MessageTypeAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%s envelope carries no session description", e.Kind)
	}
	var sdp string
	ok, err := e.Field("sdp", &sdp)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if !ok || sdp == "" {
		return webrtc.SessionDescription{}, errMissingSDP
	}
	return webrtc.SessionDescription{Type: t, SDP: sdp}, nil
}

// ICECandidate extracts the candidate carried by an ice-candidate envelope.
func (e Envelope) ICECandidate() (webrtc.ICECandidateInit, error) {
	if e.Kind != MessageTypeICECandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%s envelope carries no candidate", e.Kind)
	}
	var cand webrtc.ICECandidateInit
	ok, err := e.Field("candidate", &cand)
	if err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	if !ok {
		return webrtc.ICECandidateInit{}, errors.New("meshproto: missing candidate")
	}
	return cand, nil
}
