package meshproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type MessageType string

const (
	MessageTypeAuth         MessageType = "auth"
	MessageTypeJoinNetwork  MessageType = "join-network"
	MessageTypeLeaveNetwork MessageType = "leave-network"
	MessageTypePeerList     MessageType = "peer-list"
	MessageTypePeerJoined   MessageType = "peer-joined"
	MessageTypePeerLeft     MessageType = "peer-left"
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
	MessageTypeError        MessageType = "error"
)

// IsSignal reports whether t is one of the relayed signaling kinds.
func (t MessageType) IsSignal() bool {
	switch t {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		return true
	default:
		return false
	}
}

// ProtocolVersion is carried in every peer-list. Version 1 sent the peer-list
// as a bare PeerRecord array with no joiner id or network.
const ProtocolVersion = 2

// MaxUsernameLength bounds display names accepted in join-network.
const MaxUsernameLength = 64

var (
	ErrMissingType    = errors.New("meshproto: missing message type")
	ErrUnknownType    = errors.New("meshproto: unsupported message type")
	ErrMissingTarget  = errors.New("meshproto: signaling message missing target")
	ErrInvalidMessage = errors.New("meshproto: invalid message")
)

// Auth carries a credential for AUTH_MODE=api_key|jwt.
type Auth struct {
	Type   MessageType `json:"type"`
	APIKey string      `json:"apiKey,omitempty"`
	Token  string      `json:"token,omitempty"`
}

// JoinNetwork registers the sender under Username.
type JoinNetwork struct {
	Type     MessageType `json:"type"`
	Username string      `json:"username"`
	Network  string      `json:"network,omitempty"`
	Kind     string      `json:"kind,omitempty"`
}

// LeaveNetwork removes the sender from its network without closing the socket.
type LeaveNetwork struct {
	Type MessageType `json:"type"`
}

// PeerList is the snapshot sent to a joiner. Self is the joiner's own id.
type PeerList struct {
	Type    MessageType  `json:"type"`
	Version int          `json:"version"`
	Self    string       `json:"id"`
	Network string       `json:"network"`
	Peers   []PeerRecord `json:"peers"`
}

// PeerJoined announces a new member.
type PeerJoined struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Address string      `json:"ip,omitempty"`
	Kind    PeerKind    `json:"kind,omitempty"`
}

// PeerLeft announces a departed member.
type PeerLeft struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

// Error is sent before the relay closes a connection for a protocol violation.
type Error struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// Message is implemented by every relay-to-client frame.
type Message interface {
	MessageType() MessageType
}

func (m PeerList) MessageType() MessageType   { return MessageTypePeerList }
func (m PeerJoined) MessageType() MessageType { return MessageTypePeerJoined }
func (m PeerLeft) MessageType() MessageType   { return MessageTypePeerLeft }
func (m Error) MessageType() MessageType      { return MessageTypeError }
func (e Envelope) MessageType() MessageType   { return e.Kind }

// NewPeerList builds a peer-list frame. A nil peer slice is encoded as [].
func NewPeerList(self, network string, peers []PeerRecord) PeerList {
	if peers == nil {
		peers = []PeerRecord{}
	}
	return PeerList{Type: MessageTypePeerList, Version: ProtocolVersion, Self: self, Network: network, Peers: peers}
}

func NewPeerJoined(rec PeerRecord) PeerJoined {
	return PeerJoined{Type: MessageTypePeerJoined, ID: rec.ID, Name: rec.Name, Address: rec.Address, Kind: rec.Kind}
}

func NewPeerLeft(id string) PeerLeft {
	return PeerLeft{Type: MessageTypePeerLeft, ID: id}
}

func NewError(code, message string) Error {
	return Error{Type: MessageTypeError, Code: code, Message: message}
}

// Encode marshals a relay-to-client frame, filling in its type.
func Encode(m Message) ([]byte, error) {
	if env, ok := m.(Envelope); ok {
		return env.MarshalJSON()
	}
	return json.Marshal(m)
}

// Inbound is a parsed client-to-relay frame. Exactly one of the pointer
// fields is set, matching Type.
type Inbound struct {
	Type   MessageType
	Auth   *Auth
	Join   *JoinNetwork
	Leave  *LeaveNetwork
	Signal *Envelope
}

// ParseInbound parses and validates a client-to-relay frame.
func ParseInbound(data []byte) (Inbound, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch {
	case head.Type == "":
		return Inbound{}, ErrMissingType
	case head.Type == MessageTypeAuth:
		var msg Auth
		if err := decodeStrict(data, &msg); err != nil {
			return Inbound{}, err
		}
		if msg.APIKey == "" && msg.Token == "" {
			return Inbound{}, fmt.Errorf("%w: auth message missing apiKey/token", ErrInvalidMessage)
		}
		return Inbound{Type: head.Type, Auth: &msg}, nil
	case head.Type == MessageTypeJoinNetwork:
		var msg JoinNetwork
		if err := decodeStrict(data, &msg); err != nil {
			return Inbound{}, err
		}
		msg.Username = strings.TrimSpace(msg.Username)
		msg.Network = strings.TrimSpace(msg.Network)
		if msg.Username == "" {
			return Inbound{}, fmt.Errorf("%w: join-network missing username", ErrInvalidMessage)
		}
		if len(msg.Username) > MaxUsernameLength {
			return Inbound{}, fmt.Errorf("%w: username longer than %d bytes", ErrInvalidMessage, MaxUsernameLength)
		}
		if _, err := ParsePeerKind(msg.Kind); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return Inbound{Type: head.Type, Join: &msg}, nil
	case head.Type == MessageTypeLeaveNetwork:
		var msg LeaveNetwork
		if err := decodeStrict(data, &msg); err != nil {
			return Inbound{}, err
		}
		return Inbound{Type: head.Type, Leave: &msg}, nil
	case head.Type.IsSignal():
		env, err := ParseEnvelope(data)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Type: head.Type, Signal: &env}, nil
	default:
		return Inbound{}, fmt.Errorf("%w %q", ErrUnknownType, head.Type)
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	return nil
}
