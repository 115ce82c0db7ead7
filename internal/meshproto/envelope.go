package meshproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Routing members of a signaling envelope. Everything else is payload.
const (
	fieldType   = "type"
	fieldTarget = "target"
	fieldSender = "sender"
)

// Envelope is an offer, answer or ice-candidate in flight between two peers.
//
// Body holds every JSON member except the routing members, as raw JSON. The
// relay copies it through without decoding.
type Envelope struct {
	Kind   MessageType
	Target string
	Sender string
	Body   map[string]json.RawMessage
}

// ParseEnvelope parses a signaling frame. The routing members are validated;
// the body is not.
func ParseEnvelope(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if raw == nil {
		return Envelope{}, fmt.Errorf("%w: expected object", ErrInvalidMessage)
	}

	var env Envelope
	if err := unmarshalMember(raw, fieldType, &env.Kind); err != nil {
		return Envelope{}, err
	}
	if !env.Kind.IsSignal() {
		return Envelope{}, fmt.Errorf("%w %q", ErrUnknownType, env.Kind)
	}
	if err := unmarshalMember(raw, fieldTarget, &env.Target); err != nil {
		return Envelope{}, err
	}
	env.Target = strings.TrimSpace(env.Target)
	if env.Target == "" {
		return Envelope{}, ErrMissingTarget
	}
	if err := unmarshalMember(raw, fieldSender, &env.Sender); err != nil {
		return Envelope{}, err
	}

	delete(raw, fieldType)
	delete(raw, fieldTarget)
	delete(raw, fieldSender)
	env.Body = raw
	return env, nil
}

func unmarshalMember[T ~string](raw map[string]json.RawMessage, key string, v *T) error {
	member, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(member, v); err != nil {
		return fmt.Errorf("%w: %s must be a string", ErrInvalidMessage, key)
	}
	return nil
}

// WithSender returns a copy of e stamped with the relay-observed sender id.
// The body map is shared; it is never mutated after parsing.
func (e Envelope) WithSender(sender string) Envelope {
	e.Sender = sender
	return e
}

// MarshalJSON flattens the envelope back into a single JSON object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Body)+3)
	for k, v := range e.Body {
		out[k] = v
	}
	set := func(key, value string) error {
		if value == "" {
			return nil
		}
		b, err := json.Marshal(value)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}
	if err := set(fieldType, string(e.Kind)); err != nil {
		return nil, err
	}
	if err := set(fieldTarget, e.Target); err != nil {
		return nil, err
	}
	if err := set(fieldSender, e.Sender); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// NewSignal builds an envelope from arbitrary JSON-encodable body members.
func NewSignal(kind MessageType, target string, body map[string]any) (Envelope, error) {
	if !kind.IsSignal() {
		return Envelope{}, fmt.Errorf("%w %q", ErrUnknownType, kind)
	}
	if strings.TrimSpace(target) == "" {
		return Envelope{}, ErrMissingTarget
	}
	env := Envelope{Kind: kind, Target: target, Body: make(map[string]json.RawMessage, len(body))}
	for k, v := range body {
		switch k {
		case fieldType, fieldTarget, fieldSender:
			return Envelope{}, fmt.Errorf("%w: body must not set %q", ErrInvalidMessage, k)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s: %w", k, err)
		}
		env.Body[k] = b
	}
	return env, nil
}

// Field decodes one body member into v. It reports false when the member is
// absent.
func (e Envelope) Field(key string, v any) (bool, error) {
	raw, ok := e.Body[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
