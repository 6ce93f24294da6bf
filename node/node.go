package node

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/yznetwork/overlay/bootstrap"
	"github.com/yznetwork/overlay/bootstrap/client"
	"github.com/yznetwork/overlay/dht"
	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/identity"
	"github.com/yznetwork/overlay/internal/log"
	"github.com/yznetwork/overlay/peer"
	"github.com/yznetwork/overlay/pubsub"
	"github.com/yznetwork/overlay/routing"
	"github.com/yznetwork/overlay/store"
	"github.com/yznetwork/overlay/transport"
)

// Node is one overlay participant: it owns the identity, the persisted
// store, the routing table, the transport ConnectionManager, the DHT core
// and the pub/sub coordinator, wiring them the way spec.md §2's control
// flow describes ("a node boots, loads or generates an identity (F),
// connects to the bootstrap server (G<->H) ... participates in Kademlia
// (I) ... applications layer pub/sub (J) over (I)").
//
// Node itself is the only thing resembling the teacher's node.Node
// singleton, and it is an explicit value — never package-level state —
// per the design notes' "NodeContext" re-architecture.
type Node struct {
	cfg     *Config
	keyPair *identity.KeyPair
	persist store.Store
	table   *routing.Table
	conns   *transport.ConnectionManager
	kad     *dht.Kademlia
	pubsub  *pubsub.Coordinator
	verify  *identity.Verifier
	anchor  *trustAnchor

	bootClient *client.Client
	bootSender *bootstrap.WSSender

	mu         sync.Mutex
	membership *identity.MembershipToken

	log  log.Logger
	stop chan struct{}
}

// New assembles a Node from cfg. It loads or generates the identity and
// opens the persisted store, but does not yet touch the network — call
// Start for that.
func New(cfg *Config) (*Node, error) {
	persist, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	kp, err := loadOrGenerateIdentity(persist)
	if err != nil {
		persist.Close()
		return nil, err
	}

	localID := kp.NodeID()
	table := routing.New(localID, dht.K)
	conns := transport.NewConnectionManager(localID, ProtocolVersion, cfg.buildID())
	conns.SetLocalMetadata(cfg.registrationMetadata(kp))
	kad := dht.New(localID, table, conns)
	anchor := newTrustAnchor()
	if cfg.GenesisPublicKeyHex != "" {
		if pub, err := decodeGenesisPublicKey(cfg.GenesisPublicKeyHex); err == nil {
			anchor.seedGenesis(identity.NodeIDFromPublicKey(pub), pub)
		}
	}

	n := &Node{
		cfg:     cfg,
		keyPair: kp,
		persist: persist,
		table:   table,
		conns:   conns,
		kad:     kad,
		verify:  identity.NewVerifier(anchor),
		anchor:  anchor,
		log:     log.NewModuleLogger(log.Cmd),
		stop:    make(chan struct{}),
	}
	n.pubsub = pubsub.New(kad, conns, persist)
	n.wireTransport()
	return n, nil
}

// LocalID returns this node's own NodeID.
func (n *Node) LocalID() id.NodeID { return n.keyPair.NodeID() }

// DHT returns the Kademlia core, for callers embedding the Node that need
// direct lookup/store access.
func (n *Node) DHT() *dht.Kademlia { return n.kad }

// PubSub returns the topic coordinator.
func (n *Node) PubSub() *pubsub.Coordinator { return n.pubsub }

// wireTransport connects the ConnectionManager's lifecycle callbacks to
// the DHT core and trust anchor, and its message dispatcher to the DHT
// and pub/sub frame handlers, per the design notes' "typed message
// channels replacing event-emitter callbacks".
func (n *Node) wireTransport() {
	n.conns.OnPeerConnected(func(r *peer.Record) {
		n.anchor.learn(r.ID(), r.Metadata())
		n.kad.OnPeerConnected(r)
	})
	n.conns.OnPeerDisconnected(func(peerID id.NodeID) {
		n.kad.OnPeerDisconnected(peerID)
	})
	n.conns.OnMessage(func(peerID id.NodeID, kind string, raw json.RawMessage) {
		n.dispatchFrame(peerID, kind, raw)
	})
}

func (n *Node) dispatchFrame(peerID id.NodeID, kind string, raw json.RawMessage) {
	if len(kind) >= 7 && kind[:7] == "pubsub_" {
		n.pubsub.HandleFrame(peerID, kind, raw)
		return
	}
	n.kad.HandleFrame(peerID, kind, raw)
}

// Start opens the local transport (stream for server-style nodes,
// datagram signalling for client-style/bridge nodes), then runs the
// bootstrap handshake, per spec.md §2's control flow.
func (n *Node) Start() error {
	if n.cfg.ListenAddress != "" {
		if err := n.conns.AttachStream(n.cfg.ListenAddress); err != nil {
			return err
		}
	}

	sender, err := bootstrap.DialRelay(n.cfg.BootstrapURL)
	if err != nil {
		return errs.New(errs.Unreachable, "dialing bootstrap coordinator", err)
	}
	n.bootSender = sender
	n.bootClient = client.New(n.LocalID(), ProtocolVersion, n.cfg.buildID(), sender)

	n.conns.AttachDatagram(n.bootClient)

	go n.conns.Run()
	go n.kad.Run()
	go n.pubsub.Run()
	go bootstrap.ReadLoop(sender, n.bootClient.HandleFrame)

	n.wireBootstrapCallbacks()

	if err := n.bootClient.Register(n.cfg.registrationMetadata(n.keyPair)); err != nil {
		return errs.New(errs.Unreachable, "sending bootstrap register", err)
	}
	if n.cfg.IsBridgeNode && n.cfg.BridgeAuthToken != "" {
		if err := n.bootClient.SendBootstrapAuth(n.cfg.BridgeAuthToken, n.cfg.BootstrapURL); err != nil {
			n.log.Warn("sending bootstrap_auth credential", "err", err)
		}
	}
	return n.requestOnboarding()
}

func (n *Node) requestOnboarding() error {
	_, err := n.bootClient.GetPeersOrGenesis(20, n.cfg.registrationMetadata(n.keyPair))
	if err != nil {
		return errs.New(errs.Unreachable, "sending get_peers_or_genesis", err)
	}
	return nil
}

// wireBootstrapCallbacks hooks the three onboarding outcomes from
// spec.md §4.G onto this node's membership state and transport.
func (n *Node) wireBootstrapCallbacks() {
	n.bootClient.OnGenesisAssigned(func(token *identity.MembershipToken) {
		n.mu.Lock()
		n.membership = token
		n.mu.Unlock()
		n.verifyReceivedToken(token)
		n.persistMembership(token)
		n.log.Info("genesis membership token assigned", "nodeId", n.LocalID())
	})

	n.bootClient.OnOnboardingHelper(func(advert client.PeerAdvert, token *identity.MembershipToken) {
		n.connectToHelper(advert, token)
	})

	n.bootClient.OnBridgeCoordinated(func(bridge client.PeerAdvert, token *identity.MembershipToken) {
		n.connectToHelper(bridge, token)
	})

	n.bootClient.OnOnboardingPeerRequested(n.handleOnboardingPeerRequested)
}

// handleOnboardingPeerRequested answers the bootstrap server's
// get_onboarding_peer ask, per spec.md §4.F scenario 2 and §4.H step 3
// scenario 3. A direct (non-bridge) helper vouches for itself by issuing
// a chained membership token; a bridge instead names the closest peer
// from its own routing table for the joiner to connect to, without a
// token, since the bridge has no standing to sign on that peer's behalf.
func (n *Node) handleOnboardingPeerRequested(requestID string, newNodeID id.NodeID, newNodeMetadata map[string]string) (client.PeerAdvert, *identity.MembershipToken) {
	if n.cfg.IsBridgeNode {
		return n.nameBridgeHelper(newNodeID)
	}
	return n.vouchForJoiner(newNodeID)
}

func (n *Node) selfAdvert() client.PeerAdvert {
	return client.PeerAdvert{NodeID: n.LocalID().Hex(), Metadata: n.cfg.registrationMetadata(n.keyPair)}
}

// vouchForJoiner implements the inviter side of spec.md §4.F: this
// already-admitted node mints a single-use invitation for newNodeID,
// consumes it immediately against its own trust anchor to guard against
// a retried get_onboarding_peer double-issuing, then chains a real
// membership token from it.
func (n *Node) vouchForJoiner(newNodeID id.NodeID) (client.PeerAdvert, *identity.MembershipToken) {
	invitation := identity.IssueInvitation(n.keyPair, newNodeID, invitationTTL)
	if err := n.verify.VerifyAndConsume(invitation, newNodeID, n.keyPair.Public); err != nil {
		n.log.Warn("self-issued invitation failed verification, declining to vouch", "joiner", newNodeID, "err", err)
		return n.selfAdvert(), nil
	}
	token := identity.IssueInvited(n.keyPair, newNodeID, genesisTokenTTL)
	return n.selfAdvert(), token
}

// nameBridgeHelper implements the bridge side of spec.md §4.H scenario 3:
// "R replies naming A" — the closest peer R's own routing table knows to
// the joiner's ID.
func (n *Node) nameBridgeHelper(newNodeID id.NodeID) (client.PeerAdvert, *identity.MembershipToken) {
	closest := n.table.FindClosestAlive(newNodeID, 1)
	if len(closest) == 0 {
		return n.selfAdvert(), nil
	}
	r := closest[0]
	return client.PeerAdvert{NodeID: r.ID().Hex(), Metadata: r.Metadata()}, nil
}

func (n *Node) connectToHelper(advert client.PeerAdvert, token *identity.MembershipToken) {
	peerID, err := id.FromHexExact(advert.NodeID)
	if err != nil {
		n.log.Warn("bootstrap advertised malformed peer id", "id", advert.NodeID, "err", err)
		return
	}
	if token != nil {
		n.mu.Lock()
		n.membership = token
		n.mu.Unlock()
		n.verifyReceivedToken(token)
		n.persistMembership(token)
	}

	locator, direct := advert.Metadata["listeningAddress"]
	family := transport.FamilyDatagram
	if direct && locator != "" {
		family = transport.FamilyStream
	}
	if err := n.conns.Connect(peerID, family, locator); err != nil {
		n.log.Warn("failed to connect to onboarding helper", "peer", peerID, "err", err)
	}
}

// verifyReceivedToken checks a freshly-assigned membership token against
// the trust anchor, per spec.md §4.F "verify(token) checks issuer
// signature chain". Cryptographic verification is only possible once the
// issuer's public key is known (seeded from Config.GenesisPublicKeyHex,
// or learned from a chained inviter's HELLO); absent that, the token is
// still accepted because it arrived over the already-authenticated
// bootstrap link, but the gap is logged rather than silently ignored.
func (n *Node) verifyReceivedToken(token *identity.MembershipToken) {
	if err := n.verify.VerifyMembership(token, n.LocalID()); err != nil {
		n.log.Warn("membership token did not verify against trust anchor", "err", err)
	}
}

func (n *Node) persistMembership(token *identity.MembershipToken) {
	buf, err := json.Marshal(token)
	if err != nil {
		n.log.Warn("encoding membership token for persistence", "err", err)
		return
	}
	if err := n.persist.Put(store.KeyMembershipToken, buf); err != nil {
		n.log.Warn("persisting membership token", "err", err)
	}
}

// Membership returns the currently-held membership token, if any.
func (n *Node) Membership() *identity.MembershipToken {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.membership
}

// Stop tears down the transport, pub/sub loop and persisted store.
func (n *Node) Stop() error {
	close(n.stop)
	n.conns.Close()
	n.kad.Close()
	n.pubsub.Close()
	if n.bootSender != nil {
		n.bootSender.Close()
	}
	return n.persist.Close()
}

// AwaitRunning blocks until the DHT state machine reaches RUNNING or
// timeout elapses, used by callers (and tests) that need a connected node
// before issuing lookups/publishes.
func (n *Node) AwaitRunning(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.kad.State() == dht.StateRunning {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return n.kad.State() == dht.StateRunning
}
