// Package mesh is the client side of the mesh: a session manager that tracks
// the peers of one network and simulates link setup and link telemetry, and
// the relay client that feeds it membership.
package mesh

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/notify"
)

// State is the session state, and also the per-peer link status.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateFailed       State = "FAILED"
)

const (
	DefaultHandshakeDelay    = 1500 * time.Millisecond
	DefaultHeartbeatInterval = 2 * time.Second

	initialLatencyMinMs = 10
	initialLatencyMaxMs = 50
	latencyFloorMs      = 5
	latencyJitterMs     = 5
	maxTrafficIn        = 500
	maxTrafficOut       = 200
)

// Peer is the client's mirror of a remote member plus the simulated state of
// the link to it.
type Peer struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Address    string             `json:"ip,omitempty"`
	Kind       meshproto.PeerKind `json:"kind,omitempty"`
	LatencyMs  float64            `json:"latency"`
	TrafficIn  int64              `json:"trafficIn"`
	TrafficOut int64              `json:"trafficOut"`
	Status     State              `json:"status"`
}

// Snapshot is what subscribers receive. Peers is never shared with the
// manager or with another subscriber.
type Snapshot struct {
	State State  `json:"state"`
	Peers []Peer `json:"peers"`
}

func (s Snapshot) clone() Snapshot {
	s.Peers = clonePeers(s.Peers)
	return s
}

func clonePeers(peers []Peer) []Peer {
	out := make([]Peer, len(peers))
	copy(out, peers)
	return out
}

// Handshaker establishes links to peers. A returned error moves the session
// to StateFailed. ctx is cancelled when the session is disconnected.
type Handshaker interface {
	Handshake(ctx context.Context, peers []Peer) error
}

type HandshakerFunc func(ctx context.Context, peers []Peer) error

func (f HandshakerFunc) Handshake(ctx context.Context, peers []Peer) error { return f(ctx, peers) }

type ManagerConfig struct {
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Rand drives simulated latency and traffic. It is only used under the
	// manager's lock.
	Rand *rand.Rand
	// Handshaker defaults to one that always succeeds.
	Handshaker Handshaker
	Logger     *slog.Logger

	// HandshakeDelay defaults to DefaultHandshakeDelay. A negative value
	// starts the handshake immediately.
	HandshakeDelay    time.Duration
	HeartbeatInterval time.Duration
}

// Manager drives one client's session. It is safe for concurrent use.
type Manager struct {
	clock      clock.Clock
	rand       *rand.Rand
	handshaker Handshaker
	log        *slog.Logger
	delay      time.Duration
	interval   time.Duration
	hub        *notify.Hub[Snapshot]

	mu    sync.Mutex
	state State
	peers []Peer
	// gen is bumped on every transition out of CONNECTING/CONNECTED so that
	// timer callbacks and ticks scheduled for an older session do nothing.
	gen      uint64
	timer    *clock.Timer
	cancel   context.CancelFunc
	ticker   *clock.Ticker
	stopTick chan struct{}
	closed   bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Handshaker == nil {
		cfg.Handshaker = HandshakerFunc(func(context.Context, []Peer) error { return nil })
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch {
	case cfg.HandshakeDelay == 0:
		cfg.HandshakeDelay = DefaultHandshakeDelay
	case cfg.HandshakeDelay < 0:
		cfg.HandshakeDelay = 0
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Manager{
		clock:      cfg.Clock,
		rand:       cfg.Rand,
		handshaker: cfg.Handshaker,
		log:        cfg.Logger,
		delay:      cfg.HandshakeDelay,
		interval:   cfg.HeartbeatInterval,
		hub:        notify.NewHub(Snapshot.clone),
		state:      StateDisconnected,
	}
}

// Connect starts a session. It reports false, and does nothing, unless the
// session is DISCONNECTED.
func (m *Manager) Connect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateDisconnected {
		return false
	}

	m.gen++
	gen := m.gen
	m.state = StateConnecting
	for i := range m.peers {
		m.peers[i].Status = StateConnecting
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.timer = m.clock.AfterFunc(m.delay, func() { m.runHandshake(ctx, gen) })
	m.log.Debug("mesh session connecting", "peers", len(m.peers), "handshake_delay", m.delay)
	m.publishLocked()
	return true
}

func (m *Manager) runHandshake(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	peers := clonePeers(m.peers)
	m.mu.Unlock()

	err := m.handshaker.Handshake(ctx, peers)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateConnecting {
		return
	}
	m.timer = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	if err != nil {
		m.state = StateFailed
		for i := range m.peers {
			m.peers[i].Status = StateFailed
		}
		m.log.Warn("mesh handshake failed", "err", err)
		m.publishLocked()
		return
	}

	m.state = StateConnected
	for i := range m.peers {
		m.peers[i].Status = StateConnected
		m.peers[i].LatencyMs = m.initialLatencyLocked()
	}
	m.startHeartbeatLocked(gen)
	m.log.Info("mesh session connected", "peers", len(m.peers))
	m.publishLocked()
}

func (m *Manager) startHeartbeatLocked(gen uint64) {
	ticker := m.clock.Ticker(m.interval)
	stop := make(chan struct{})
	m.ticker = ticker
	m.stopTick = stop
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.tick(gen)
			}
		}
	}()
}

func (m *Manager) tick(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateConnected {
		return
	}
	for i := range m.peers {
		p := &m.peers[i]
		jitter := (m.rand.Float64()*2 - 1) * latencyJitterMs
		p.LatencyMs = math.Max(latencyFloorMs, p.LatencyMs+jitter)
		p.TrafficIn = m.rand.Int64N(maxTrafficIn)
		p.TrafficOut = m.rand.Int64N(maxTrafficOut)
	}
	m.publishLocked()
}

// Disconnect ends the session from any state other than DISCONNECTED. A
// pending handshake is cancelled and the heartbeat stops; no heartbeat
// snapshot is published once Disconnect returns.
func (m *Manager) Disconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisconnected {
		return false
	}
	m.stopLocked()
	m.state = StateDisconnected
	for i := range m.peers {
		m.peers[i].Status = StateDisconnected
		m.peers[i].LatencyMs = 0
		m.peers[i].TrafficIn = 0
		m.peers[i].TrafficOut = 0
	}
	m.log.Info("mesh session disconnected")
	m.publishLocked()
	return true
}

// Reset moves a FAILED session back to DISCONNECTED.
func (m *Manager) Reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailed {
		return false
	}
	m.gen++
	m.state = StateDisconnected
	for i := range m.peers {
		m.peers[i].Status = StateDisconnected
	}
	m.publishLocked()
	return true
}

func (m *Manager) stopLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stopTick)
		m.ticker = nil
		m.stopTick = nil
	}
}

// Subscribe delivers the current snapshot first and then one snapshot per
// change, in order, until the returned function is called.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.hub.SubscribeWith(fn, m.snapshotLocked())
	return sub.Unsubscribe
}

// ApplyPeerList replaces the peer list with the relay's snapshot. Peers that
// were already known keep their link metrics.
func (m *Manager) ApplyPeerList(records []meshproto.PeerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := make(map[string]Peer, len(m.peers))
	for _, p := range m.peers {
		known[p.ID] = p
	}
	peers := make([]Peer, 0, len(records))
	for _, rec := range records {
		if p, ok := known[rec.ID]; ok {
			p.Name, p.Address, p.Kind = rec.Name, rec.Address, rec.Kind
			peers = append(peers, p)
			continue
		}
		peers = append(peers, m.newPeerLocked(rec))
	}
	m.peers = peers
	m.publishLocked()
}

// PeerJoined adds rec, or refreshes it when the id is already known.
func (m *Manager) PeerJoined(rec meshproto.PeerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.peers {
		if m.peers[i].ID == rec.ID {
			m.peers[i].Name, m.peers[i].Address, m.peers[i].Kind = rec.Name, rec.Address, rec.Kind
			m.publishLocked()
			return
		}
	}
	m.peers = append(m.peers, m.newPeerLocked(rec))
	m.publishLocked()
}

// PeerLeft removes the peer with id. It reports whether it was known.
func (m *Manager) PeerLeft(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.peers {
		if m.peers[i].ID == id {
			m.peers = append(m.peers[:i:i], m.peers[i+1:]...)
			m.publishLocked()
			return true
		}
	}
	return false
}

// ClearPeers forgets every peer, e.g. when the relay connection is lost.
func (m *Manager) ClearPeers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.peers) == 0 {
		return
	}
	m.peers = nil
	m.publishLocked()
}

func (m *Manager) newPeerLocked(rec meshproto.PeerRecord) Peer {
	p := Peer{
		ID:      rec.ID,
		Name:    rec.Name,
		Address: rec.Address,
		Kind:    rec.Kind,
		Status:  m.state,
	}
	if m.state == StateConnected {
		p.LatencyMs = m.initialLatencyLocked()
	}
	return p
}

func (m *Manager) initialLatencyLocked() float64 {
	return initialLatencyMinMs + m.rand.Float64()*(initialLatencyMaxMs-initialLatencyMinMs)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Peers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clonePeers(m.peers)
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Close disconnects and drops every subscriber. The manager cannot be
// reconnected afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopLocked()
	m.mu.Unlock()
	m.hub.Close()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{State: m.state, Peers: clonePeers(m.peers)}
}

func (m *Manager) publishLocked() {
	m.hub.Publish(m.snapshotLocked())
}
