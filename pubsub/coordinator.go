package pubsub

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/yznetwork/overlay/dht"
	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/internal/log"
	"github.com/yznetwork/overlay/internal/metrics"
	"github.com/yznetwork/overlay/peer"
	"github.com/yznetwork/overlay/store"
)

// Constants from spec.md §4.J.
const (
	maxRetries       = 3
	backoffBase      = 500 * time.Millisecond
	backoffJitter    = 0.25
	joinTimeout      = 5 * time.Second
	gcSweepInterval  = 5 * time.Minute
	defaultMsgTTL    = 1 * time.Hour
)

var (
	metSubscribes   = metrics.GetOrRegisterCounter("pubsub/subscribes")
	metPublishes    = metrics.GetOrRegisterCounter("pubsub/publishes")
	metDedupDropped = metrics.GetOrRegisterCounter("pubsub/dedup_dropped")
	metPushFailures = metrics.GetOrRegisterCounter("pubsub/push_failures")
)

// Handler is the application callback invoked on delivery of a pub/sub
// message. Payload semantics are out of scope (spec.md §1); the core
// only guarantees dedup'd, at-least-once delivery per topic.
type Handler func(topicID string, env MessageEnvelope)

// localSubscription is this node's own subscriber-side state for one
// topic: its name, the version seen at join time, and the handler that
// receives its messages.
type localSubscription struct {
	topicID       string
	lastVersion   uint64
	handler       Handler
}

// joinInFlight dedups concurrent Subscribe calls for the same topic
// (spec.md §4.J "Concurrent joins"): the second caller awaits the
// first's result instead of issuing a second RPC.
type joinInFlight struct {
	done   chan struct{}
	result *SubscribeResult
	err    error
}

// Coordinator implements component J: topic coordinator election,
// subscription, publication, dedup and retrying joins, layered on a
// dht.Kademlia for peer discovery and message routing.
type Coordinator struct {
	localID id.NodeID
	kad     *dht.Kademlia
	conns   dht.Sender
	persist store.Store
	log     log.Logger

	mu   sync.Mutex
	subs map[id.NodeID]*localSubscription // H(topicID) -> local subscriber state
	joins map[id.NodeID]*joinInFlight

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	ownedMu sync.Mutex
	owned   map[id.NodeID]*topicState // topics this node currently coordinates

	dedup *receiverDedup

	stop chan struct{}
}

// New constructs a Coordinator bound to kad (for lookups and message
// routing), conns (for direct pub/sub RPC frames) and persist (durable
// topic state per spec.md §6).
func New(kad *dht.Kademlia, conns dht.Sender, persist store.Store) *Coordinator {
	c := &Coordinator{
		localID: kad.LocalID(),
		kad:     kad,
		conns:   conns,
		persist: persist,
		log:     log.NewModuleLogger(log.PubSub),
		subs:    make(map[id.NodeID]*localSubscription),
		joins:   make(map[id.NodeID]*joinInFlight),
		pending: make(map[string]chan json.RawMessage),
		owned:   make(map[id.NodeID]*topicState),
		dedup:   newReceiverDedup(),
		stop:    make(chan struct{}),
	}
	kad.OnMessage(c.handleRoutedEnvelope)
	return c
}

// Run drives the periodic garbage-collection sweep of every topic this
// node currently coordinates, until Close is called.
func (c *Coordinator) Run() {
	ticker := time.NewTicker(gcSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepOwnedTopics()
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) Close() { close(c.stop) }

func (c *Coordinator) sweepOwnedTopics() {
	now := time.Now()
	c.ownedMu.Lock()
	topics := make([]*topicState, 0, len(c.owned))
	for _, t := range c.owned {
		topics = append(topics, t)
	}
	c.ownedMu.Unlock()
	for _, t := range topics {
		t.sweepExpired(now)
		if c.persist != nil {
			t.persist(c.persist)
		}
	}
}

func newRequestID() string {
	v, _ := uuid.GenerateUUID()
	return v
}

func (c *Coordinator) awaitReply(reqID string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Coordinator) cancelReply(reqID string) {
	c.pendingMu.Lock()
	delete(c.pending, reqID)
	c.pendingMu.Unlock()
}

func (c *Coordinator) deliverReply(raw json.RawMessage) {
	var hdr struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil || hdr.RequestID == "" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[hdr.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- raw:
	default:
	}
}

// healthGate asserts the pre-join conditions of spec.md §4.J "Health
// gate": the DHT has reached RUNNING and at least one peer is connected.
func (c *Coordinator) healthGate() error {
	if c.kad.State() != dht.StateRunning {
		return errs.New(errs.NetworkIsolated, "dht_not_ready: DHT has not reached RUNNING", nil)
	}
	if c.kad.ConnectedCount() == 0 {
		return errs.New(errs.NetworkIsolated, "network_isolation: zero connected peers", nil)
	}
	return nil
}

// electCoordinator picks the live peer (candidates from a findNode
// lookup, plus the local node itself) with smallest XOR distance to
// target, per spec.md §3/§4.J "Coordinator".
func (c *Coordinator) electCoordinator(target id.NodeID) (id.NodeID, *peer.Record) {
	candidates := c.kad.FindNode(target)
	bestID := c.localID
	bestDist := id.XOR(target, c.localID)
	var bestRecord *peer.Record
	for _, r := range candidates {
		d := id.XOR(target, r.ID())
		if d.Cmp(bestDist) < 0 {
			bestDist = d
			bestID = r.ID()
			bestRecord = r
		}
	}
	return bestID, bestRecord
}

// ensureConnected best-effort connects to a coordinator candidate
// discovered via lookup but not yet linked, using its advertised
// listeningAddress. NAT-restricted peers without one fail closed with a
// retryable CoordinatorUnavailable.
func (c *Coordinator) ensureConnected(peerID id.NodeID, record *peer.Record) error {
	if c.conns.IsConnected(peerID) {
		return nil
	}
	if record == nil {
		return errs.New(errs.CoordinatorUnavail, "coordinator candidate not connected and not resolvable", nil)
	}
	addr, ok := record.MetadataValue("listeningAddress")
	if !ok || addr == "" {
		return errs.New(errs.CoordinatorUnavail, "coordinator candidate has no reachable address", nil)
	}
	if err := c.conns.Connect(peerID, "stream", addr); err != nil {
		return errs.New(errs.CoordinatorUnavail, "failed to connect to coordinator candidate", err)
	}
	return nil
}

// withRetry runs attempt once and then retries it up to maxRetries more
// times (maxRetries+1 attempts in all) with exponential backoff
// (base 500ms, ±25% jitter), per spec.md §4.J "Retry/backoff". It stops
// early on a non-retryable error.
func withRetry(attempt func() (*SubscribeResult, error)) (*SubscribeResult, error) {
	var lastErr error
	delay := backoffBase
	for try := 0; try <= maxRetries; try++ {
		res, err := attempt()
		if err == nil {
			return res, nil
		}
		lastErr = err
		e, ok := err.(*errs.Error)
		if !ok || !errs.Retryable(e.Kind) || try == maxRetries {
			return nil, err
		}
		jitter := 1 + (rand.Float64()*2-1)*backoffJitter
		time.Sleep(time.Duration(float64(delay) * jitter))
		delay *= 2
	}
	return nil, lastErr
}
