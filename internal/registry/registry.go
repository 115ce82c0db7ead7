// Package registry tracks which signaling connections belong to which virtual
// network and relays handshake envelopes between members of the same network.
//
// The registry never blocks on a connection: Conn.Send must enqueue and
// return. Membership frames (peer-list, peer-joined, peer-left) are queued
// while the network's lock is held, so every connection observes membership
// changes of its network in one consistent order.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/notify"
)

// DefaultNetwork is used when a join request names no network.
const DefaultNetwork = "lan"

// Conn is the registry's handle on one signaling connection.
type Conn interface {
	ID() string
	// Send queues m for delivery. It must not block.
	Send(m meshproto.Message)
}

// JoinRequest describes the record to register for a connection.
type JoinRequest struct {
	Name    string
	Address string
	Kind    meshproto.PeerKind
	Network string
}

type Config struct {
	// DefaultNetwork replaces an empty JoinRequest.Network. Defaults to "lan".
	DefaultNetwork string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Registry is safe for concurrent use.
type Registry struct {
	defaultNetwork string
	log            *slog.Logger
	metrics        *metrics.Metrics
	events         *notify.Hub[Event]

	// mu guards index and networks. Lock order is mu, then network.mu.
	mu       sync.RWMutex
	index    map[string]*network
	networks map[string]*network
}

type network struct {
	name string

	mu      sync.Mutex
	seq     uint64
	members map[string]*member
}

type member struct {
	conn Conn
	rec  meshproto.PeerRecord
	seq  uint64
}

func New(cfg Config) *Registry {
	if cfg.DefaultNetwork == "" {
		cfg.DefaultNetwork = DefaultNetwork
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		defaultNetwork: cfg.DefaultNetwork,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		events:         notify.NewHub[Event](nil),
		index:          make(map[string]*network),
		networks:       make(map[string]*network),
	}
}

// Join registers conn under req and returns the other members of the network.
//
// The joiner is sent a peer-list carrying the same members, and every other
// member is sent peer-joined. A connection that is already registered has its
// record replaced; when the network differs it leaves the old one first.
func (r *Registry) Join(conn Conn, req JoinRequest) []meshproto.PeerRecord {
	id := conn.ID()
	netName := req.Network
	if netName == "" {
		netName = r.defaultNetwork
	}
	kind := req.Kind
	if kind == "" {
		kind = meshproto.PeerKindInteractive
	}
	rec := meshproto.PeerRecord{ID: id, Name: req.Name, Address: req.Address, Kind: kind}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.index[id]; old != nil && old.name != netName {
		r.removeLocked(old, id)
	}

	n := r.networks[netName]
	if n == nil {
		n = &network{name: netName, members: make(map[string]*member)}
		r.networks[netName] = n
	}
	r.index[id] = n

	n.mu.Lock()
	defer n.mu.Unlock()

	m := n.members[id]
	if m == nil {
		n.seq++
		m = &member{seq: n.seq}
		n.members[id] = m
	}
	m.conn = conn
	m.rec = rec

	others := n.snapshotLocked(id)
	conn.Send(meshproto.NewPeerList(id, netName, others))
	joined := meshproto.NewPeerJoined(rec)
	for otherID, other := range n.members {
		if otherID == id {
			continue
		}
		other.conn.Send(joined)
	}

	r.metrics.Inc(metrics.PeerJoined)
	r.events.Publish(Event{Type: EventJoined, Network: netName, Peer: rec})
	r.log.Debug("peer joined", "conn_id", id, "network", netName, "name", rec.Name, "peers", len(others))
	return others
}

// Relay delivers env from senderID to env.Target with the sender stamped by
// the relay. It reports false, and drops env, unless both ends are
// registered in the same network.
func (r *Registry) Relay(senderID string, env meshproto.Envelope) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.index[senderID]
	if n == nil || env.Target == senderID || r.index[env.Target] != n {
		r.metrics.Inc(metrics.SignalDropped)
		r.log.Debug("signal dropped", "conn_id", senderID, "target", env.Target, "kind", string(env.Kind))
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	target := n.members[env.Target]
	if target == nil {
		r.metrics.Inc(metrics.SignalDropped)
		return false
	}
	target.conn.Send(env.WithSender(senderID))
	r.metrics.Inc(metrics.SignalRelayed)
	return true
}

// Leave removes id from its network and tells the remaining members. It
// reports whether id was registered; calling it again is a no-op.
func (r *Registry) Leave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.index[id]
	if n == nil {
		return false
	}
	r.removeLocked(n, id)
	return true
}

// removeLocked requires r.mu held for writing.
func (r *Registry) removeLocked(n *network, id string) {
	delete(r.index, id)

	n.mu.Lock()
	m := n.members[id]
	delete(n.members, id)
	left := meshproto.NewPeerLeft(id)
	for _, other := range n.members {
		other.conn.Send(left)
	}
	empty := len(n.members) == 0
	n.mu.Unlock()

	if empty {
		delete(r.networks, n.name)
	}
	if m == nil {
		return
	}
	r.metrics.Inc(metrics.PeerLeft)
	r.events.Publish(Event{Type: EventLeft, Network: n.name, Peer: m.rec})
	r.log.Debug("peer left", "conn_id", id, "network", n.name)
}

// Peers returns the members of network in join order.
func (r *Registry) Peers(network string) []meshproto.PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.networks[network]
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshotLocked("")
}

// Lookup returns the record and network of a registered connection.
func (r *Registry) Lookup(id string) (meshproto.PeerRecord, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.index[id]
	if n == nil {
		return meshproto.PeerRecord{}, "", false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	m := n.members[id]
	if m == nil {
		return meshproto.PeerRecord{}, "", false
	}
	return m.rec, n.name, true
}

// NetworkInfo summarizes one non-empty network.
type NetworkInfo struct {
	Name  string `json:"name"`
	Peers int    `json:"peers"`
}

// Networks lists the non-empty networks sorted by name.
func (r *Registry) Networks() []NetworkInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NetworkInfo, 0, len(r.networks))
	for name, n := range r.networks {
		n.mu.Lock()
		out = append(out, NetworkInfo{Name: name, Peers: len(n.members)})
		n.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// Subscribe delivers membership events to fn until the returned function is
// called.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	return r.events.Subscribe(fn).Unsubscribe
}

// Close stops event delivery. Membership operations keep working.
func (r *Registry) Close() {
	r.events.Close()
}

func (n *network) snapshotLocked(exclude string) []meshproto.PeerRecord {
	ms := make([]*member, 0, len(n.members))
	for id, m := range n.members {
		if id == exclude {
			continue
		}
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].seq < ms[j].seq })
	out := make([]meshproto.PeerRecord, len(ms))
	for i, m := range ms {
		out[i] = m.rec
	}
	return out
}
