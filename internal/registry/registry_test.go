package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/metrics"
)

type recordingConn struct {
	id string

	mu   sync.Mutex
	msgs []meshproto.Message
}

func newConn(id string) *recordingConn { return &recordingConn{id: id} }

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(m meshproto.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *recordingConn) take() []meshproto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.msgs
	c.msgs = nil
	return out
}

func ids(recs []meshproto.PeerRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestJoin_SnapshotExcludesSelfAndListsEarlierPeers(t *testing.T) {
	r := New(Config{})

	var conns []*recordingConn
	for i := 0; i < 5; i++ {
		c := newConn(fmt.Sprintf("c%d", i))
		others := r.Join(c, JoinRequest{Name: fmt.Sprintf("user%d", i)})

		if len(others) != i {
			t.Fatalf("join %d: got %d peers, want %d", i, len(others), i)
		}
		for j, rec := range others {
			if rec.ID == c.id {
				t.Fatalf("join %d: snapshot contains self", i)
			}
			if want := conns[j].id; rec.ID != want {
				t.Fatalf("join %d: peer[%d]=%q, want %q", i, j, rec.ID, want)
			}
		}
		conns = append(conns, c)
	}

	// Drop c1 and make sure the next joiner sees the survivors only.
	r.Leave("c1")
	late := newConn("late")
	got := ids(r.Join(late, JoinRequest{Name: "late"}))
	want := []string{"c0", "c2", "c3", "c4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("snapshot=%v, want %v", got, want)
	}
}

func TestJoin_SendsPeerListAndBroadcastsPeerJoined(t *testing.T) {
	m := metrics.New()
	r := New(Config{Metrics: m})
	a, b := newConn("A"), newConn("B")

	r.Join(a, JoinRequest{Name: "alice", Address: "10.0.0.1"})
	msgs := a.take()
	if len(msgs) != 1 {
		t.Fatalf("alice got %d messages, want 1", len(msgs))
	}
	list, ok := msgs[0].(meshproto.PeerList)
	if !ok || list.Self != "A" || list.Network != DefaultNetwork || len(list.Peers) != 0 {
		t.Fatalf("alice peer-list=%#v", msgs[0])
	}

	r.Join(b, JoinRequest{Name: "bob", Kind: meshproto.PeerKindAgent})
	msgs = b.take()
	list, ok = msgs[0].(meshproto.PeerList)
	if !ok || len(list.Peers) != 1 || list.Peers[0].ID != "A" || list.Peers[0].Name != "alice" || list.Peers[0].Address != "10.0.0.1" {
		t.Fatalf("bob peer-list=%#v", msgs[0])
	}

	msgs = a.take()
	if len(msgs) != 1 {
		t.Fatalf("alice got %d messages, want 1", len(msgs))
	}
	joined, ok := msgs[0].(meshproto.PeerJoined)
	if !ok || joined.ID != "B" || joined.Name != "bob" || joined.Kind != meshproto.PeerKindAgent {
		t.Fatalf("alice peer-joined=%#v", msgs[0])
	}
	if got := m.Get(metrics.PeerJoined); got != 2 {
		t.Fatalf("peer_joined=%d, want 2", got)
	}
}

func TestJoin_DuplicateNamesAllowed(t *testing.T) {
	r := New(Config{})
	r.Join(newConn("A"), JoinRequest{Name: "same"})
	others := r.Join(newConn("B"), JoinRequest{Name: "same"})
	if len(others) != 1 || others[0].Name != "same" {
		t.Fatalf("others=%v", others)
	}
	if r.Len() != 2 {
		t.Fatalf("Len=%d, want 2", r.Len())
	}
}

func TestJoin_RejoinOtherNetworkLeavesOld(t *testing.T) {
	r := New(Config{})
	a, b, c := newConn("A"), newConn("B"), newConn("C")
	r.Join(a, JoinRequest{Name: "alice", Network: "one"})
	r.Join(b, JoinRequest{Name: "bob", Network: "one"})
	r.Join(c, JoinRequest{Name: "carol", Network: "two"})
	a.take()
	b.take()
	c.take()

	others := r.Join(a, JoinRequest{Name: "alice", Network: "two"})
	if got := ids(others); fmt.Sprint(got) != "[C]" {
		t.Fatalf("others=%v, want [C]", got)
	}

	msgs := b.take()
	if len(msgs) != 1 {
		t.Fatalf("bob got %d messages, want 1", len(msgs))
	}
	if left, ok := msgs[0].(meshproto.PeerLeft); !ok || left.ID != "A" {
		t.Fatalf("bob got %#v, want peer-left A", msgs[0])
	}
	if _, network, ok := r.Lookup("A"); !ok || network != "two" {
		t.Fatalf("Lookup(A) network=%q ok=%v", network, ok)
	}
	if got := ids(r.Peers("one")); fmt.Sprint(got) != "[B]" {
		t.Fatalf("one=%v, want [B]", got)
	}
}

func TestJoin_RejoinSameNetworkReplacesRecord(t *testing.T) {
	r := New(Config{})
	a, b := newConn("A"), newConn("B")
	r.Join(a, JoinRequest{Name: "alice"})
	r.Join(b, JoinRequest{Name: "bob"})
	r.Join(a, JoinRequest{Name: "alice2"})

	peers := r.Peers(DefaultNetwork)
	if len(peers) != 2 || peers[0].ID != "A" || peers[0].Name != "alice2" {
		t.Fatalf("peers=%v", peers)
	}
}

func TestLeave_IsIdempotentAndStopsRelay(t *testing.T) {
	r := New(Config{})
	a, b := newConn("A"), newConn("B")
	r.Join(a, JoinRequest{Name: "alice"})
	r.Join(b, JoinRequest{Name: "bob"})
	a.take()
	b.take()

	if !r.Leave("B") {
		t.Fatalf("first Leave=false, want true")
	}
	if r.Leave("B") {
		t.Fatalf("second Leave=true, want false")
	}
	msgs := a.take()
	if len(msgs) != 1 {
		t.Fatalf("alice got %d messages after double leave, want 1", len(msgs))
	}

	env, _ := meshproto.NewSignal(meshproto.MessageTypeOffer, "B", map[string]any{"sdp": "x"})
	if r.Relay("A", env) {
		t.Fatalf("Relay to departed peer reported delivery")
	}
	if got := b.take(); len(got) != 0 {
		t.Fatalf("departed peer received %v", got)
	}

	r.Leave("A")
	if nets := r.Networks(); len(nets) != 0 {
		t.Fatalf("Networks=%v, want none", nets)
	}
}

func TestRelay_DeliversToTargetOnly(t *testing.T) {
	r := New(Config{})
	conns := map[string]*recordingConn{}
	for _, id := range []string{"A", "B", "C", "D"} {
		conns[id] = newConn(id)
		r.Join(conns[id], JoinRequest{Name: id})
	}
	for _, c := range conns {
		c.take()
	}

	env, _ := meshproto.NewSignal(meshproto.MessageTypeOffer, "C", map[string]any{"sdp": "x"})
	env.Sender = "forged"
	if !r.Relay("A", env) {
		t.Fatalf("Relay=false, want true")
	}

	for id, c := range conns {
		msgs := c.take()
		if id != "C" {
			if len(msgs) != 0 {
				t.Fatalf("%s received %v", id, msgs)
			}
			continue
		}
		if len(msgs) != 1 {
			t.Fatalf("C got %d messages, want 1", len(msgs))
		}
		got, ok := msgs[0].(meshproto.Envelope)
		if !ok || got.Sender != "A" || got.Target != "C" {
			t.Fatalf("C got %#v", msgs[0])
		}
	}
}

func TestRelay_DropsAcrossNetworksAndUnregistered(t *testing.T) {
	m := metrics.New()
	r := New(Config{Metrics: m})
	a, b := newConn("A"), newConn("B")
	r.Join(a, JoinRequest{Name: "alice", Network: "one"})
	r.Join(b, JoinRequest{Name: "bob", Network: "two"})
	b.take()

	env, _ := meshproto.NewSignal(meshproto.MessageTypeOffer, "B", nil)
	if r.Relay("A", env) {
		t.Fatalf("cross-network relay delivered")
	}
	if r.Relay("stranger", env) {
		t.Fatalf("relay from unregistered sender delivered")
	}
	self, _ := meshproto.NewSignal(meshproto.MessageTypeOffer, "A", nil)
	if r.Relay("A", self) {
		t.Fatalf("relay to self delivered")
	}
	if got := b.take(); len(got) != 0 {
		t.Fatalf("bob received %v", got)
	}
	if got := m.Get(metrics.SignalDropped); got != 3 {
		t.Fatalf("signal_dropped=%d, want 3", got)
	}
}

func TestNetworks_SortedWithCounts(t *testing.T) {
	r := New(Config{DefaultNetwork: "home"})
	r.Join(newConn("A"), JoinRequest{Name: "a"})
	r.Join(newConn("B"), JoinRequest{Name: "b", Network: "alpha"})
	r.Join(newConn("C"), JoinRequest{Name: "c"})

	got := r.Networks()
	want := []NetworkInfo{{Name: "alpha", Peers: 1}, {Name: "home", Peers: 2}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Networks=%v, want %v", got, want)
	}
	if r.Peers("missing") != nil {
		t.Fatalf("Peers(missing) should be nil")
	}
}

func TestSubscribe_ReceivesMembershipEvents(t *testing.T) {
	r := New(Config{})
	defer r.Close()

	events := make(chan Event, 8)
	unsubscribe := r.Subscribe(func(e Event) { events <- e })
	defer unsubscribe()

	r.Join(newConn("A"), JoinRequest{Name: "alice"})
	r.Leave("A")

	for _, want := range []EventType{EventJoined, EventLeft} {
		select {
		case e := <-events:
			if e.Type != want || e.Peer.ID != "A" || e.Network != DefaultNetwork {
				t.Fatalf("event=%+v, want %s for A", e, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestConcurrentJoinRelayLeave(t *testing.T) {
	r := New(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newConn(fmt.Sprintf("c%d", i))
			r.Join(c, JoinRequest{Name: c.id})
			env, _ := meshproto.NewSignal(meshproto.MessageTypeICECandidate, fmt.Sprintf("c%d", (i+1)%32), nil)
			r.Relay(c.id, env)
			r.Leave(c.id)
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("Len=%d, want 0", r.Len())
	}
}
