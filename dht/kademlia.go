package dht

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/internal/log"
	"github.com/yznetwork/overlay/internal/metrics"
	"github.com/yznetwork/overlay/peer"
	"github.com/yznetwork/overlay/routing"
)

// Constants, per spec.md §4.I.
const (
	K             = 20
	Alpha         = 3
	Replicate     = 3
	AggressiveRefreshInterval = 120 * time.Second
	StandardRefreshInterval   = 1800 * time.Second
	PingInterval              = 300 * time.Second
	BucketMaintenanceInterval = 180 * time.Second
	StaleCleanupInterval      = 300 * time.Second
	FindNodeMinInterval       = 5 * time.Second

	lookupTimeout = 5 * time.Second
	roundTimeout  = 2 * time.Second
	hopBudget     = 8

	ephemeralCacheBytes = 32 * 1024 * 1024
)

var (
	metLookups   = metrics.GetOrRegisterCounter("dht/lookups")
	metStores    = metrics.GetOrRegisterCounter("dht/stores")
	metRPCIn     = metrics.GetOrRegisterMeter("dht/rpc_in")
	metForwarded = metrics.GetOrRegisterCounter("dht/messages_forwarded")
)

// Sender is the subset of transport.ConnectionManager the DHT core needs.
type Sender interface {
	Send(peerID id.NodeID, frame interface{}) error
	Connect(peerID id.NodeID, family, locator string) error
	IsConnected(peerID id.NodeID) bool
}

// Kademlia is the DHT core (component I): it owns no network socket of
// its own, instead riding on a routing.Table and a transport Sender.
type Kademlia struct {
	localID id.NodeID
	table   *routing.Table
	conns   Sender
	cache   *fastcache.Cache

	mu          sync.Mutex
	pending     map[string]chan json.RawMessage
	lastFindAt  map[id.NodeID]time.Time
	connectedAlive int

	dedup *messageDedup
	state *stateMachine

	onMessage func(envelope json.RawMessage)

	stop chan struct{}
	log  log.Logger
}

// New constructs a Kademlia core bound to table and conns.
func New(localID id.NodeID, table *routing.Table, conns Sender) *Kademlia {
	return &Kademlia{
		localID:    localID,
		table:      table,
		conns:      conns,
		cache:      fastcache.New(ephemeralCacheBytes),
		pending:    make(map[string]chan json.RawMessage),
		lastFindAt: make(map[id.NodeID]time.Time),
		dedup:      newMessageDedup(),
		state:      newStateMachine(),
		stop:       make(chan struct{}),
		log:        log.NewModuleLogger(log.DHT),
	}
}

func (k *Kademlia) State() State { return k.state.Current() }

// LocalID returns this node's own identifier.
func (k *Kademlia) LocalID() id.NodeID { return k.localID }

// ConnectedCount reports the number of peers currently admitted to the
// routing table with an active connection, used by the pub/sub health
// gate ("assert DHT RUNNING and >=1 connected peer").
func (k *Kademlia) ConnectedCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connectedAlive
}

// OnMessage registers the handler for application-level payloads that
// terminate at this node via DHT_MESSAGE.
func (k *Kademlia) OnMessage(f func(envelope json.RawMessage)) { k.onMessage = f }

func newRequestID() string {
	v, _ := uuid.GenerateUUID()
	return v
}

// Ping sends a PING to peerID and blocks for the PONG, updating liveness.
func (k *Kademlia) Ping(peerID id.NodeID, timeout time.Duration) error {
	reqID := newRequestID()
	ch := k.awaitReply(reqID)
	defer k.cancelReply(reqID)

	start := time.Now()
	if err := k.conns.Send(peerID, PingMsg{Type: "ping", RequestID: reqID}); err != nil {
		if r, ok := k.table.Get(peerID); ok {
			r.RecordFailure()
		}
		return errs.New(errs.Unreachable, "ping send failed", err)
	}
	select {
	case raw := <-ch:
		var pong PongMsg
		if err := json.Unmarshal(raw, &pong); err != nil {
			return errs.New(errs.Unknown, "malformed pong", err)
		}
		if r, ok := k.table.Get(peerID); ok {
			r.RecordPing(time.Since(start))
		}
		return nil
	case <-time.After(timeout):
		if r, ok := k.table.Get(peerID); ok {
			r.RecordFailure()
		}
		return errs.New(errs.Timeout, "ping timed out", nil)
	}
}

func (k *Kademlia) awaitReply(reqID string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	k.mu.Lock()
	k.pending[reqID] = ch
	k.mu.Unlock()
	return ch
}

func (k *Kademlia) cancelReply(reqID string) {
	k.mu.Lock()
	delete(k.pending, reqID)
	k.mu.Unlock()
}

// HandleFrame dispatches one inbound frame from peerID by type, updating
// the routing table with the caller as a fresh entry before replying, per
// spec.md §4.I handleRPC contract.
func (k *Kademlia) HandleFrame(from id.NodeID, frameType string, raw json.RawMessage) {
	metRPCIn.Mark(1)
	k.touchCaller(from)

	switch frameType {
	case "ping":
		k.handlePing(from, raw)
	case "pong", "nodes", "value", "stored":
		k.deliverReply(raw)
	case "find_node":
		k.handleFindNode(from, raw)
	case "find_value":
		k.handleFindValue(from, raw)
	case "store":
		k.handleStore(from, raw)
	case "dht_message":
		k.handleDHTMessage(from, raw)
	default:
		k.log.Debug("unrecognized dht frame", "type", frameType, "from", from)
	}
}

func (k *Kademlia) deliverReply(raw json.RawMessage) {
	var hdr struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil || hdr.RequestID == "" {
		return
	}
	k.mu.Lock()
	ch, ok := k.pending[hdr.RequestID]
	k.mu.Unlock()
	if !ok {
		return // late or unsolicited reply, discarded per §5 cancellation contract
	}
	select {
	case ch <- raw:
	default:
	}
}

// touchCaller re-adds the caller as a fresh routing-table entry, the
// "re-add semantics" handleRPC requires before any reply is sent.
func (k *Kademlia) touchCaller(from id.NodeID) {
	if from.IsZero() || from.Equal(k.localID) {
		return
	}
	if r, ok := k.table.Get(from); ok {
		r.Touch()
		return
	}
	r := peer.New(from, "")
	r.Touch()
	k.table.AddNode(r)
}

func (k *Kademlia) handlePing(from id.NodeID, raw json.RawMessage) {
	var ping PingMsg
	if err := json.Unmarshal(raw, &ping); err != nil {
		return
	}
	k.conns.Send(from, PongMsg{Type: "pong", RequestID: ping.RequestID, TS: time.Now().Unix()})
}

func (k *Kademlia) handleFindNode(from id.NodeID, raw json.RawMessage) {
	var req FindNodeMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	target, err := id.FromHexExact(req.Target)
	if err != nil {
		return
	}
	closest := k.table.FindClosest(target, K)
	peers := make([]WirePeer, 0, len(closest))
	for _, r := range closest {
		if r.ID().Equal(from) {
			continue
		}
		peers = append(peers, wirePeerFrom(r.ID(), r.Metadata()))
	}
	k.conns.Send(from, NodesMsg{Type: "nodes", RequestID: req.RequestID, Peers: peers})
}

func (k *Kademlia) handleFindValue(from id.NodeID, raw json.RawMessage) {
	var req FindValueMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	if v, ok := k.cache.HasGet(nil, []byte(req.Key)); ok {
		k.conns.Send(from, ValueMsg{Type: "value", RequestID: req.RequestID, Found: true, Value: v})
		return
	}
	target := id.HashOfString(req.Key)
	closest := k.table.FindClosest(target, K)
	peers := make([]WirePeer, 0, len(closest))
	for _, r := range closest {
		peers = append(peers, wirePeerFrom(r.ID(), r.Metadata()))
	}
	k.conns.Send(from, ValueMsg{Type: "value", RequestID: req.RequestID, Found: false, Peers: peers})
}

func (k *Kademlia) handleStore(from id.NodeID, raw json.RawMessage) {
	var req StoreMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	k.cache.Set([]byte(req.Key), req.Value)
	k.conns.Send(from, StoredMsg{Type: "stored", RequestID: req.RequestID, OK: true})
}

// OnPeerConnected adds a fresh, wire-valid peer to the routing table and
// triggers a one-shot refresh of the affected bucket.
func (k *Kademlia) OnPeerConnected(r *peer.Record) {
	if !id.IsValidWireFormat(r.ID().Hex()) || r.ID().Equal(k.localID) {
		return
	}
	if err := k.table.AddNode(r); err != nil {
		k.log.Debug("routing table rejected peer", "peer", r.ID(), "err", err)
		return
	}
	k.mu.Lock()
	k.connectedAlive++
	k.mu.Unlock()

	if k.state.Current() < StateRunning {
		k.state.transition(StateBootstrapped)
		k.state.transition(StateRunning)
	}

	if idx, ok := k.table.BucketIndexOf(r.ID()); ok {
		go k.refreshBucket(idx)
	}
}

// OnPeerDisconnected removes the peer from the routing table and records
// a failure against it.
func (k *Kademlia) OnPeerDisconnected(peerID id.NodeID) {
	if r, ok := k.table.Get(peerID); ok {
		r.RecordFailure()
	}
	k.table.RemoveNode(peerID)
	k.mu.Lock()
	if k.connectedAlive > 0 {
		k.connectedAlive--
	}
	k.mu.Unlock()
}

// rateLimited enforces the per-peer FIND_NODE minimum spacing.
func (k *Kademlia) rateLimited(peerID id.NodeID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	last, ok := k.lastFindAt[peerID]
	now := time.Now()
	if ok && now.Sub(last) < FindNodeMinInterval {
		return true
	}
	k.lastFindAt[peerID] = now
	return false
}
