package dht

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/peer"
	"github.com/yznetwork/overlay/routing"
)

// meshSender wires a set of in-process Kademlia cores together, routing
// Send calls directly into the destination's HandleFrame — a fake
// transport good enough to exercise RPC round-trips and lookup
// convergence without a real network.
type meshSender struct {
	mu    sync.Mutex
	self  id.NodeID
	peers map[id.NodeID]*Kademlia
	up    map[id.NodeID]bool
}

func newMeshSender(self id.NodeID) *meshSender {
	return &meshSender{self: self, peers: make(map[id.NodeID]*Kademlia), up: make(map[id.NodeID]bool)}
}

func (m *meshSender) Send(peerID id.NodeID, frame interface{}) error {
	m.mu.Lock()
	k, ok := m.peers[peerID]
	up := m.up[peerID]
	m.mu.Unlock()
	if !ok || !up {
		return fmt.Errorf("no route to %s", peerID.Hex())
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return err
	}
	go k.HandleFrame(m.self, hdr.Type, raw)
	return nil
}

func (m *meshSender) Connect(peerID id.NodeID, family, locator string) error { return nil }

func (m *meshSender) IsConnected(peerID id.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up[peerID]
}

func (m *meshSender) link(other id.NodeID, k *Kademlia) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[other] = k
	m.up[other] = true
}

// node bundles a Kademlia core with its own table and mesh sender under
// one identity, for building small test networks.
type node struct {
	id    id.NodeID
	table *routing.Table
	mesh  *meshSender
	k     *Kademlia
}

func newNode(seed string) *node {
	nid := id.HashOfString(seed)
	tbl := routing.New(nid, K)
	mesh := newMeshSender(nid)
	return &node{id: nid, table: tbl, mesh: mesh, k: New(nid, tbl, mesh)}
}

// connect establishes a bidirectional link between a and b: each learns
// the other's Kademlia core for routing Send calls, and each admits the
// other into its routing table as OnPeerConnected would.
func connect(a, b *node) {
	a.mesh.link(b.id, b.k)
	b.mesh.link(a.id, a.k)
	a.k.OnPeerConnected(peer.New(b.id, ""))
	b.k.OnPeerConnected(peer.New(a.id, ""))
}

func TestPingRoundTrip(t *testing.T) {
	a := newNode("a")
	b := newNode("b")
	connect(a, b)

	err := a.k.Ping(b.id, time.Second)
	require.NoError(t, err)
}

func TestPingTimeoutAgainstUnknownPeer(t *testing.T) {
	a := newNode("a")
	ghost := id.HashOfString("ghost")
	err := a.k.Ping(ghost, 50*time.Millisecond)
	require.Error(t, err)
}

func TestHandleFindNodeExcludesRequester(t *testing.T) {
	a := newNode("a")
	b := newNode("b")
	c := newNode("c")
	connect(a, b)
	connect(a, c)
	connect(b, c)

	peers, err := a.k.queryFindNode(b.id, id.HashOfString("target"))
	require.NoError(t, err)
	for _, wp := range peers {
		assert.NotEqual(t, a.id.Hex(), wp.ID, "requester must not be echoed back to itself")
	}
}

func TestFindNodeConvergesAcrossIntroductions(t *testing.T) {
	const n = 8
	nodes := make([]*node, n)
	for i := range nodes {
		nodes[i] = newNode(fmt.Sprintf("node-%d", i))
	}
	// Chain of introductions: 0-1, 1-2, 2-3, ... plus a few cross-links so
	// the routing tables aren't a bare line.
	for i := 0; i < n-1; i++ {
		connect(nodes[i], nodes[i+1])
	}
	connect(nodes[0], nodes[n-1])
	connect(nodes[2], nodes[5])

	target := id.HashOfString("lookup-target")
	found := nodes[0].k.FindNode(target)
	require.NotEmpty(t, found)

	// Each candidate must be no closer to target than the one before it,
	// i.e. the result is sorted by ascending distance.
	for i := 1; i < len(found); i++ {
		d0 := id.XOR(target, found[i-1].ID())
		d1 := id.XOR(target, found[i].ID())
		assert.LessOrEqual(t, d0.Cmp(d1), 0)
	}
}

func TestFindNodeEmptyFrontierReturnsEmptyWithoutError(t *testing.T) {
	a := newNode("lonely")
	found := a.k.FindNode(id.HashOfString("target"))
	assert.Empty(t, found)
}

func TestStoreThenFindValueRoundTrips(t *testing.T) {
	nodes := make([]*node, 5)
	for i := range nodes {
		nodes[i] = newNode(fmt.Sprintf("sv-%d", i))
	}
	for i := 0; i < len(nodes)-1; i++ {
		connect(nodes[i], nodes[i+1])
	}
	connect(nodes[0], nodes[3])

	acks := nodes[0].k.Store("my-key", []byte("my-value"), time.Hour)
	assert.GreaterOrEqual(t, acks, 1)

	value, found, err := nodes[0].k.FindValue("my-key")
	require.NoError(t, err)
	if found {
		assert.Equal(t, []byte("my-value"), value)
	}
}

func TestStoreOnAnIsolatedNodeAcknowledgesZero(t *testing.T) {
	a := newNode("isolated")
	acks := a.k.Store("k", []byte("v"), time.Hour)
	assert.Equal(t, 0, acks)
}

func TestSendMessageDirectDelivery(t *testing.T) {
	a := newNode("a")
	b := newNode("b")
	connect(a, b)

	delivered := make(chan string, 1)
	b.k.OnMessage(func(env json.RawMessage) {
		var s string
		_ = json.Unmarshal(env, &s)
		delivered <- s
	})

	payload, _ := json.Marshal("hello")
	require.NoError(t, a.k.SendMessage(b.id, payload))

	select {
	case msg := <-delivered:
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestSendMessageForwardsThroughIntermediary(t *testing.T) {
	a := newNode("fwd-a")
	b := newNode("fwd-b")
	c := newNode("fwd-c")
	connect(a, b)
	connect(b, c)

	delivered := make(chan string, 1)
	c.k.OnMessage(func(env json.RawMessage) {
		var s string
		_ = json.Unmarshal(env, &s)
		delivered <- s
	})

	payload, _ := json.Marshal("relayed")
	require.NoError(t, a.k.SendMessage(c.id, payload))

	select {
	case msg := <-delivered:
		assert.Equal(t, "relayed", msg)
	case <-time.After(time.Second):
		t.Fatal("forwarded message was not delivered")
	}
}

// TestSendMessageDeduplicatesLiteralRetransmission covers the actual
// loop/retransmission-storm defense: the SAME (requestId, origin) frame
// arriving twice (e.g. a network-level retry) must be delivered once.
func TestSendMessageDeduplicatesLiteralRetransmission(t *testing.T) {
	a := newNode("dedup-a")
	b := newNode("dedup-b")
	connect(a, b)

	var deliveries int
	var mu sync.Mutex
	b.k.OnMessage(func(env json.RawMessage) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	})

	payload, _ := json.Marshal("once")
	msg := DHTMessageMsg{Type: "dht_message", RequestID: "fixed-id", Dest: b.id.Hex(), HopsLeft: hopBudget, Envelope: payload}
	require.NoError(t, a.mesh.Send(b.id, msg))
	require.NoError(t, a.mesh.Send(b.id, msg))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deliveries, "a literal retransmission of the same (id, origin) frame must be delivered once")
}

// TestSendMessageDoesNotDeduplicateDistinctMessages exercises the real
// SendMessage path (not a hand-built frame): two distinct calls to the
// same destination must each mint their own requestId and both must be
// delivered, per spec.md §4.J "Push delivery" — a shared/empty id here
// would make every message after the first look like a retransmission.
func TestSendMessageDoesNotDeduplicateDistinctMessages(t *testing.T) {
	a := newNode("distinct-a")
	b := newNode("distinct-b")
	connect(a, b)

	var delivered []string
	var mu sync.Mutex
	b.k.OnMessage(func(env json.RawMessage) {
		var s string
		_ = json.Unmarshal(env, &s)
		mu.Lock()
		delivered = append(delivered, s)
		mu.Unlock()
	})

	first, _ := json.Marshal("first")
	second, _ := json.Marshal("second")
	require.NoError(t, a.k.SendMessage(b.id, first))
	require.NoError(t, a.k.SendMessage(b.id, second))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"first", "second"}, delivered, "distinct SendMessage calls to the same peer must not be deduplicated")
}

func TestOnPeerConnectedRejectsLocalID(t *testing.T) {
	a := newNode("self")
	a.k.OnPeerConnected(peer.New(a.id, ""))
	assert.Equal(t, 0, a.k.ConnectedCount())
}

func TestOnPeerDisconnectedRemovesFromTable(t *testing.T) {
	a := newNode("a")
	b := newNode("b")
	connect(a, b)
	assert.Equal(t, 1, a.k.ConnectedCount())

	a.k.OnPeerDisconnected(b.id)
	assert.Equal(t, 0, a.k.ConnectedCount())
	_, ok := a.table.Get(b.id)
	assert.False(t, ok)
}

func TestStateMachineTransitionsToRunningOnFirstPeer(t *testing.T) {
	a := newNode("a")
	assert.Equal(t, StateNew, a.k.State())

	b := newNode("b")
	connect(a, b)
	assert.Equal(t, StateRunning, a.k.State())
}

func TestStateMachineFailDoublesBackoffUpToCap(t *testing.T) {
	m := newStateMachine()
	first := m.fail()
	second := m.fail()
	assert.Equal(t, StateConnectingBootstrap, m.Current())
	assert.Equal(t, 2*first, second)

	for i := 0; i < 20; i++ {
		m.fail()
	}
	assert.LessOrEqual(t, m.backoff, maxBackoff)
}

func TestRateLimitedEnforcesMinimumSpacing(t *testing.T) {
	a := newNode("a")
	target := id.HashOfString("x")
	assert.False(t, a.k.rateLimited(target))
	assert.True(t, a.k.rateLimited(target))
}
