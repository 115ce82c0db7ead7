package meshproto

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes unattended agents from interactive clients.
type PeerKind string

const (
	PeerKindAgent       PeerKind = "agent"
	PeerKindInteractive PeerKind = "interactive"
)

// ParsePeerKind accepts the wire names of PeerKind. An empty value maps to
// PeerKindInteractive, and "browser" is accepted as an alias for it.
func ParsePeerKind(raw string) (PeerKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(PeerKindInteractive), "browser":
		return PeerKindInteractive, nil
	case string(PeerKindAgent):
		return PeerKindAgent, nil
	default:
		return "", fmt.Errorf("unsupported peer kind %q", raw)
	}
}

// PeerRecord is the relay's view of one registered participant.
type PeerRecord struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Address    string   `json:"ip"`
	Kind       PeerKind `json:"kind"`
	LatencyMs  float64  `json:"latency"`
	TrafficIn  int64    `json:"trafficIn"`
	TrafficOut int64    `json:"trafficOut"`
}
