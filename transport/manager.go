package transport

import (
	"encoding/json"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/internal/log"
	"github.com/yznetwork/overlay/internal/metrics"
	"github.com/yznetwork/overlay/peer"
)

var (
	metConnected    = metrics.GetOrRegisterCounter("transport/connected")
	metDisconnected = metrics.GetOrRegisterCounter("transport/disconnected")
	metCollisions   = metrics.GetOrRegisterCounter("transport/collisions")
	metKeepAlive    = metrics.GetOrRegisterMeter("transport/pings")
)

// MaxConnections bounds the live connection set; past this, the lowest
// quality-scored peer is evicted to make room for a higher-value one, per
// spec.md §5 "Resource bounds" (default 50).
const MaxConnections = 50

// connState tracks the keep-alive bookkeeping the ConnectionManager needs
// per peer, layered on top of the shared peer.Record.
type connState struct {
	handle       Handle
	record       *peer.Record
	missedPings  int
	backgrounded bool
	lastPingSent time.Time
	pendingPing  string
}

// ConnectionManager unifies the stream and datagram transport families
// behind one connect/send/isConnected surface, owning collision
// resolution, the HELLO handshake, and adaptive keep-alive, per
// spec.md §4.E.
type ConnectionManager struct {
	mu           sync.Mutex
	localID      id.NodeID
	protoVer     string
	buildID      string
	localMeta    map[string]string
	stream       *StreamTransport
	datagram     *DatagramTransport
	peers        map[id.NodeID]*connState
	events       chan PeerEvent
	onConnect    func(r *peer.Record)
	onDisconnect func(id.NodeID)
	onMessage    func(peerID id.NodeID, kind string, raw json.RawMessage)
	log          log.Logger
	stop         chan struct{}
}

// NewConnectionManager wires both transport families (either may be nil
// if that family is unused by this node type) to a single event loop.
func NewConnectionManager(localID id.NodeID, protoVer, buildID string) *ConnectionManager {
	events := make(chan PeerEvent, 256)
	return &ConnectionManager{
		localID:  localID,
		protoVer: protoVer,
		buildID:  buildID,
		peers:    make(map[id.NodeID]*connState),
		events:   events,
		log:      log.NewModuleLogger(log.Transport),
		stop:     make(chan struct{}),
	}
}

// SetLocalMetadata installs the metadata (nodeType, isBridgeNode,
// listeningAddress, publicKey, ...) this node advertises on every HELLO
// it sends, per spec.md §4.E "Metadata on handshake".
func (m *ConnectionManager) SetLocalMetadata(md map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localMeta = md
}

// AttachStream installs the stream transport family and begins reading
// its lifecycle events.
func (m *ConnectionManager) AttachStream(addr string) error {
	st, err := NewStreamTransport(addr, m.localID, m.events)
	if err != nil {
		return err
	}
	m.stream = st
	return nil
}

// AttachDatagram installs the datagram transport family.
func (m *ConnectionManager) AttachDatagram(signaller Signaller) {
	m.datagram = NewDatagramTransport(m.localID, signaller, m.events)
}

// OnPeerConnected/OnPeerDisconnected register the observers the DHT layer
// uses to learn about routing-table-relevant lifecycle events.
func (m *ConnectionManager) OnPeerConnected(f func(r *peer.Record))   { m.onConnect = f }
func (m *ConnectionManager) OnPeerDisconnected(f func(id.NodeID))     { m.onDisconnect = f }

// Run drives the event loop and keep-alive ticker until Close is called.
func (m *ConnectionManager) Run() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-ticker.C:
			m.sweepKeepAlive()
		case <-m.stop:
			return
		}
	}
}

func (m *ConnectionManager) Close() error {
	close(m.stop)
	if m.stream != nil {
		m.stream.Close()
	}
	return nil
}

func (m *ConnectionManager) handleEvent(ev PeerEvent) {
	switch ev.Kind {
	case EventPeerConnected:
		m.handleConnected(ev)
	case EventPeerDisconnected:
		m.handleDisconnected(ev.PeerID)
	case EventMessage:
		m.handleMessage(ev)
	}
}

// handleConnected applies collision resolution (the lexicographically
// smaller NodeID keeps the outbound link) before admitting a new peer,
// then sends HELLO and registers the resulting record.
func (m *ConnectionManager) handleConnected(ev PeerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.peers[ev.PeerID]; ok {
		metCollisions.Inc(1)
		if m.localID.Hex() < ev.PeerID.Hex() {
			// Local side wins the collision; keep the existing link and
			// drop the new one.
			ev.Handle.Close()
			return
		}
		existing.handle.Close()
	}

	r := peer.New(ev.PeerID, "")
	r.SetConnection(ev.Handle)
	for k, v := range ev.Metadata {
		r.SetMetadata(k, v)
	}
	m.peers[ev.PeerID] = &connState{handle: ev.Handle, record: r}
	metConnected.Inc(1)

	ev.Handle.Send(Hello{
		Type:            "hello",
		NodeID:          m.localID.Hex(),
		ProtocolVersion: m.protoVer,
		BuildID:         m.buildID,
		Metadata:        m.localMeta,
	})

	if m.onConnect != nil {
		m.onConnect(r)
	}
}

func (m *ConnectionManager) handleDisconnected(peerID id.NodeID) {
	m.mu.Lock()
	cs, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	cs.record.ClearConnection()
	metDisconnected.Inc(1)
	if m.onDisconnect != nil {
		m.onDisconnect(peerID)
	}
}

func (m *ConnectionManager) handleMessage(ev PeerEvent) {
	kind, err := FrameType(ev.Message)
	if err != nil {
		return
	}
	m.mu.Lock()
	cs, ok := m.peers[ev.PeerID]
	m.mu.Unlock()
	if !ok {
		return
	}
	switch kind {
	case "pong":
		cs.missedPings = 0
		cs.record.RecordPing(time.Since(cs.lastPingSent))
	default:
		cs.record.Touch()
	}
	if m.onMessage != nil && kind != "hello" {
		m.onMessage(ev.PeerID, kind, ev.Message)
	}
}

// OnMessage registers the single dispatcher every inbound application
// frame (everything but "hello", which the manager consumes itself) is
// handed to. The caller is expected to switch on kind and route to the
// DHT core or the pub/sub coordinator.
func (m *ConnectionManager) OnMessage(f func(peerID id.NodeID, kind string, raw json.RawMessage)) {
	m.onMessage = f
}

// Backgrounded marks a peer as having its tab/app backgrounded, relaxing
// the keep-alive interval from 60s to 300s per spec.md §4.E.
func (m *ConnectionManager) Backgrounded(peerID id.NodeID, backgrounded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.peers[peerID]; ok {
		cs.backgrounded = backgrounded
		cs.record.SetMetadata("tabVisible", boolString(!backgrounded))
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// sweepKeepAlive sends a PING to any peer whose interval has elapsed and
// disconnects anyone who has missed MaxMissedPings in a row.
func (m *ConnectionManager) sweepKeepAlive() {
	now := time.Now()
	m.mu.Lock()
	due := make([]id.NodeID, 0)
	for pid, cs := range m.peers {
		interval := KeepAliveNormal
		if cs.backgrounded {
			interval = KeepAliveRelaxed
		}
		if now.Sub(cs.lastPingSent) >= interval {
			due = append(due, pid)
		}
	}
	m.mu.Unlock()

	for _, pid := range due {
		m.pingPeer(pid, now)
	}
}

func (m *ConnectionManager) pingPeer(pid id.NodeID, now time.Time) {
	m.mu.Lock()
	cs, ok := m.peers[pid]
	if !ok {
		m.mu.Unlock()
		return
	}
	if cs.pendingPing != "" {
		cs.missedPings++
		if cs.missedPings >= MaxMissedPings {
			delete(m.peers, pid)
			m.mu.Unlock()
			cs.handle.Close()
			cs.record.ClearConnection()
			if m.onDisconnect != nil {
				m.onDisconnect(pid)
			}
			return
		}
	}
	reqID, _ := uuid.GenerateUUID()
	cs.pendingPing = reqID
	cs.lastPingSent = now
	h := cs.handle
	m.mu.Unlock()

	metKeepAlive.Mark(1)
	if err := h.Send(Ping{Type: "ping", RequestID: reqID}); err != nil {
		m.handleDisconnected(pid)
	}
}

// Send routes a frame to an already-connected peer.
func (m *ConnectionManager) Send(peerID id.NodeID, frame interface{}) error {
	m.mu.Lock()
	cs, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.Unreachable, "peer not connected", nil)
	}
	return cs.handle.Send(frame)
}

// Connect dials peerID via the requested family ("stream" picks the TCP
// transport with locator as host:port; "datagram" picks WebRTC and
// ignores locator). Admission still flows through the same collision
// resolution as an inbound connection once the handshake completes.
func (m *ConnectionManager) Connect(peerID id.NodeID, family, locator string) error {
	m.mu.Lock()
	atCapacity := len(m.peers) >= MaxConnections
	m.mu.Unlock()
	if atCapacity {
		if !m.evictLowestQuality() {
			return errs.New(errs.RoutingTableFull, "connection capacity reached", nil)
		}
	}

	switch family {
	case FamilyStream:
		if m.stream == nil {
			return errs.New(errs.TransportRefused, "stream transport not attached", nil)
		}
		h, err := m.stream.Connect(peerID, locator)
		if err != nil {
			return err
		}
		m.handleConnected(PeerEvent{Kind: EventPeerConnected, PeerID: peerID, Handle: h})
		return nil
	case FamilyDatagram:
		if m.datagram == nil {
			return errs.New(errs.TransportRefused, "datagram transport not attached", nil)
		}
		_, err := m.datagram.Connect(peerID, locator)
		return err
	default:
		return errs.New(errs.Unknown, "unknown transport family: "+family, nil)
	}
}

func (m *ConnectionManager) IsConnected(peerID id.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[peerID]
	return ok
}

// evictLowestQuality drops the lowest QualityScore connection to make
// room for a new one, per spec.md §4.E connection-cap eviction policy.
// Returns false if no peer was eligible (e.g. all connected under a
// grace period not modeled here).
func (m *ConnectionManager) evictLowestQuality() bool {
	m.mu.Lock()
	var worstID id.NodeID
	var worst *connState
	worstScore := float64(1 << 30)
	for pid, cs := range m.peers {
		score := cs.record.QualityScore()
		if score < worstScore {
			worstScore = score
			worst = cs
			worstID = pid
		}
	}
	if worst == nil {
		m.mu.Unlock()
		return false
	}
	delete(m.peers, worstID)
	m.mu.Unlock()

	worst.handle.Close()
	worst.record.ClearConnection()
	if m.onDisconnect != nil {
		m.onDisconnect(worstID)
	}
	return true
}
