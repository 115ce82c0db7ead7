package registry

import "github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"

type EventType string

const (
	EventJoined EventType = "joined"
	EventLeft   EventType = "left"
)

// Event is a membership change.
type Event struct {
	Type    EventType
	Network string
	Peer    meshproto.PeerRecord
}
