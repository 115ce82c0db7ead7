package meshproto

import (
	"encoding/json"
	"fmt"
)

// Outbound is a parsed relay-to-client frame, as seen by a mesh client.
// Exactly one of the pointer fields is set, matching Type.
type Outbound struct {
	Type       MessageType
	PeerList   *PeerList
	PeerJoined *PeerJoined
	PeerLeft   *PeerLeft
	Signal     *Envelope
	Error      *Error
}

// ParseOutbound parses a frame sent by the relay. Unknown members are
// ignored so older clients keep working against newer relays.
func ParseOutbound(data []byte) (Outbound, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	out := Outbound{Type: head.Type}
	var err error
	switch {
	case head.Type == "":
		return Outbound{}, ErrMissingType
	case head.Type == MessageTypePeerList:
		out.PeerList = &PeerList{}
		err = json.Unmarshal(data, out.PeerList)
	case head.Type == MessageTypePeerJoined:
		out.PeerJoined = &PeerJoined{}
		err = json.Unmarshal(data, out.PeerJoined)
	case head.Type == MessageTypePeerLeft:
		out.PeerLeft = &PeerLeft{}
		err = json.Unmarshal(data, out.PeerLeft)
	case head.Type == MessageTypeError:
		out.Error = &Error{}
		err = json.Unmarshal(data, out.Error)
	case head.Type.IsSignal():
		var env Envelope
		env, err = ParseEnvelope(data)
		out.Signal = &env
	default:
		return Outbound{}, fmt.Errorf("%w %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return out, nil
}
