package metrics

import "sync"

// Event names counted by the relay. Names are flat so they export as a single
// labelled Prometheus counter.
const (
	ConnAccepted          = "conn_accepted"
	ConnClosed            = "conn_closed"
	AuthFailed            = "auth_failed"
	OriginRejected        = "origin_rejected"
	PeerJoined            = "peer_joined"
	PeerLeft              = "peer_left"
	SignalRelayed         = "signal_relayed"
	SignalDropped         = "signal_dropped"
	SendQueueOverflow     = "send_queue_overflow"
	TargetBucketEvicted   = "target_bucket_evicted"
	DropReasonRateLimited = "rate_limited"
	DropReasonBadMessage  = "bad_message"
	DropReasonNotJoined   = "not_joined"
	DropReasonTooLarge    = "message_too_large"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so components can run without metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
