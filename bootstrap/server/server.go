// Package server implements component H: the bootstrap protocol server.
// It is a pure in-memory registry of currently connected participants —
// per spec.md §4.H it never persists long-term routing state.
package server

import (
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/yznetwork/overlay/bootstrap/client"
	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/identity"
	"github.com/yznetwork/overlay/internal/log"
	"github.com/yznetwork/overlay/internal/metrics"
)

var (
	metRegistrations = metrics.GetOrRegisterCounter("bootstrap/registrations")
	metGenesis       = metrics.GetOrRegisterCounter("bootstrap/genesis_assigned")
	metVersionMismatch = metrics.GetOrRegisterCounter("bootstrap/version_mismatch")
)

const fallbackBuildSentinel = "unknown"

// onboardingPeerTimeout bounds how long GetPeersOrGenesis waits for the
// get_onboarding_peer round-trip of spec.md §6 before falling back to
// naming the helper/bridge directly, untokened.
const onboardingPeerTimeout = 2 * time.Second

// participant is the server's view of one connected node.
type participant struct {
	id              id.NodeID
	protocolVersion string
	buildID         string
	metadata        map[string]string
	sender          client.Sender
	registeredAt    time.Time
}

func (p *participant) isBridge() bool    { return p.metadata["isBridgeNode"] == "true" }
func (p *participant) listeningAddress() (string, bool) {
	v, ok := p.metadata["listeningAddress"]
	return v, ok && v != ""
}

// Config controls genesis assignment and version gating.
type Config struct {
	CreateNewDHT    bool
	ProtocolVersion string
	BuildID         string
	Genesis         *identity.KeyPair
	GenesisTTL      time.Duration
}

// Server is the registry plus genesis/onboarding decision logic.
type Server struct {
	mu      sync.Mutex
	cfg     Config
	started time.Time
	peers   map[id.NodeID]*participant
	auth    *authGate
	log     log.Logger

	onboardMu  sync.Mutex
	onboarding map[string]chan OnboardingPeerResponseData
}

// New constructs a bootstrap Server. auth may be nil to disable the
// bootstrap_auth backchannel entirely.
func New(cfg Config, auth *authGate) *Server {
	return &Server{
		cfg:        cfg,
		started:    time.Now(),
		peers:      make(map[id.NodeID]*participant),
		auth:       auth,
		onboarding: make(map[string]chan OnboardingPeerResponseData),
		log:        log.NewModuleLogger(log.Bootstrap),
	}
}

// Register processes a `register` frame. The caller (the relay owner)
// sends the `registered` or `version_mismatch` reply based on the
// returned error.
func (s *Server) Register(req client.RegisterRequest, sender client.Sender) error {
	if !versionCompatible(s.cfg.ProtocolVersion, req.ProtocolVersion) {
		metVersionMismatch.Inc(1)
		return errs.New(errs.VersionIncompatible, "protocol version mismatch", nil)
	}
	if !buildIDCompatible(s.cfg.BuildID, req.BuildID) {
		metVersionMismatch.Inc(1)
		return errs.New(errs.VersionIncompatible, "build id mismatch", nil)
	}

	nodeID, err := id.FromHexExact(req.NodeID)
	if err != nil {
		return errs.New(errs.InvalidIDFormat, "malformed nodeId in register", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[nodeID] = &participant{
		id:              nodeID,
		protocolVersion: req.ProtocolVersion,
		buildID:         req.BuildID,
		metadata:        req.Metadata,
		sender:          sender,
		registeredAt:    time.Now(),
	}
	metRegistrations.Inc(1)
	return nil
}

// Unregister removes a participant on disconnect.
func (s *Server) Unregister(nodeID id.NodeID) {
	s.mu.Lock()
	delete(s.peers, nodeID)
	s.mu.Unlock()
}

// RelaySignal forwards an opaque WebRTC signalling frame to the
// currently-registered participant to, used before the two sides have
// any direct (stream or datagram) connection of their own.
func (s *Server) RelaySignal(to id.NodeID, frame interface{}) error {
	s.mu.Lock()
	p, ok := s.peers[to]
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.Unreachable, "signal recipient not registered", nil)
	}
	return p.sender.Send(frame)
}

// versionCompatible implements the §6 "Version gate": mismatching major
// or minor refuses the connection; patch differences are fine.
func versionCompatible(server, client string) bool {
	sMaj, sMin, sOk := majorMinor(server)
	cMaj, cMin, cOk := majorMinor(client)
	if !sOk || !cOk {
		return false
	}
	return sMaj == cMaj && sMin == cMin
}

func majorMinor(v string) (string, string, bool) {
	var major, minor string
	i, n := 0, len(v)
	for i < n && v[i] != '.' {
		major += string(v[i])
		i++
	}
	if i >= n {
		return major, "", major != ""
	}
	i++
	for i < n && v[i] != '.' {
		minor += string(v[i])
		i++
	}
	return major, minor, major != "" && minor != ""
}

// buildIDCompatible implements the §6 version gate's advisory build-id
// rule: mismatches are tolerated unless both sides report a genuine
// (non-fallback-sentinel) value, in which case a mismatch is fatal.
func buildIDCompatible(server, client string) bool {
	if server == client {
		return true
	}
	if server == "" || server == fallbackBuildSentinel || client == "" || client == fallbackBuildSentinel {
		return true
	}
	return false
}

// Decision is the outcome of GetPeersOrGenesis, translated by the caller
// into a `response` frame's `data` payload.
type Decision struct {
	Status           string
	IsGenesis        bool
	MembershipToken  *identity.MembershipToken
	OnboardingHelper *client.PeerAdvert
	Message          string
}

// GetPeersOrGenesis implements the three-way decision tree of spec.md §4.H.
// For the helper-coordinated and bridge-routed branches it forwards a
// get_onboarding_peer request to the chosen participant and relays back
// whatever peer/token it names (spec.md §4.F scenario 2, §4.H step 3
// scenario 3), rather than assuming the selected participant itself is
// the one the requester should connect to.
func (s *Server) GetPeersOrGenesis(requesterID id.NodeID, maxPeers int) (Decision, error) {
	s.mu.Lock()
	requester, ok := s.peers[requesterID]
	if !ok {
		s.mu.Unlock()
		return Decision{}, errs.New(errs.Unknown, "get_peers_or_genesis from unregistered participant", nil)
	}

	if s.cfg.CreateNewDHT && !s.hasExistingDHTMembers(requesterID) && !requester.isBridge() {
		token := identity.IssueGenesis(s.cfg.Genesis, requesterID, s.cfg.GenesisTTL)
		metGenesis.Inc(1)
		s.mu.Unlock()
		return Decision{Status: client.StatusGenesis, IsGenesis: true, MembershipToken: token}, nil
	}

	var helper *participant
	status := ""
	if _, hasAddr := requester.listeningAddress(); hasAddr {
		if h := s.closestDirectMember(requesterID); h != nil {
			helper, status = h, client.StatusHelperCoordinating
		}
	}
	if helper == nil {
		if b := s.anyBridge(); b != nil {
			helper, status = b, client.StatusEmergencyBridgeRouting
		}
	}
	requesterMetadata := requester.metadata
	s.mu.Unlock()

	if helper == nil {
		return Decision{Status: client.StatusNetworkEmpty, Message: "no bridge or direct peer available"}, nil
	}

	fallback := &client.PeerAdvert{NodeID: helper.id.Hex(), Metadata: helper.metadata}
	resp, err := s.requestOnboardingPeer(helper, requesterID, requesterMetadata)
	if err != nil {
		s.log.Debug("get_onboarding_peer round-trip failed, naming helper untokened", "helper", helper.id, "err", err)
		return Decision{Status: status, OnboardingHelper: fallback}, nil
	}
	peerAdvert := resp.Peer
	return Decision{Status: status, OnboardingHelper: &peerAdvert, MembershipToken: resp.Token}, nil
}

// requestOnboardingPeer forwards a get_onboarding_peer request to helper
// and blocks for its onboarding_peer_response, correlated by requestId,
// per spec.md §6. Delivery of the reply happens out of band through
// DeliverOnboardingPeerResponse, called from the helper's own Session
// once its onboarding_peer_response frame arrives.
func (s *Server) requestOnboardingPeer(helper *participant, newNodeID id.NodeID, newNodeMetadata map[string]string) (*OnboardingPeerResponseData, error) {
	reqID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, errs.New(errs.Unknown, "generating onboarding request id", err)
	}
	ch := make(chan OnboardingPeerResponseData, 1)
	s.onboardMu.Lock()
	s.onboarding[reqID] = ch
	s.onboardMu.Unlock()
	defer func() {
		s.onboardMu.Lock()
		delete(s.onboarding, reqID)
		s.onboardMu.Unlock()
	}()

	req := GetOnboardingPeerRequest{
		Type:            "get_onboarding_peer",
		RequestID:       reqID,
		NewNodeID:       newNodeID.Hex(),
		NewNodeMetadata: newNodeMetadata,
	}
	if err := helper.sender.Send(req); err != nil {
		return nil, errs.New(errs.Unreachable, "forwarding get_onboarding_peer to helper", err)
	}
	select {
	case data := <-ch:
		return &data, nil
	case <-time.After(onboardingPeerTimeout):
		return nil, errs.New(errs.Timeout, "onboarding peer round-trip timed out", nil)
	}
}

// DeliverOnboardingPeerResponse routes one onboarding_peer_response frame
// back to the GetPeersOrGenesis call awaiting it. A response for a
// request that has already timed out or was never issued is discarded.
func (s *Server) DeliverOnboardingPeerResponse(resp OnboardingPeerResponse) {
	s.onboardMu.Lock()
	ch, ok := s.onboarding[resp.RequestID]
	s.onboardMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp.Data:
	default:
	}
}

// hasExistingDHTMembers reports whether any registered, non-bridge
// participant other than exclude is currently connected.
func (s *Server) hasExistingDHTMembers(exclude id.NodeID) bool {
	for pid, p := range s.peers {
		if pid == exclude {
			continue
		}
		if !p.isBridge() {
			return true
		}
	}
	return false
}

// closestDirectMember finds the connected, directly-reachable member with
// the smallest XOR distance to target, excluding target itself.
func (s *Server) closestDirectMember(target id.NodeID) *participant {
	var best *participant
	var bestDist id.Distance
	for pid, p := range s.peers {
		if pid == target || p.isBridge() {
			continue
		}
		if _, ok := p.listeningAddress(); !ok {
			continue
		}
		d := id.XOR(target, pid)
		if best == nil || d.Cmp(bestDist) < 0 {
			best, bestDist = p, d
		}
	}
	return best
}

func (s *Server) anyBridge() *participant {
	for _, p := range s.peers {
		if p.isBridge() {
			return p
		}
	}
	return nil
}

// BootstrapAuthFrame is the bridge→coordinator backchannel credential,
// per spec.md §6 `bootstrap_auth`.
type BootstrapAuthFrame struct {
	AuthToken       string `json:"auth_token"`
	BootstrapServer string `json:"bootstrapServer"`
}

// CheckBootstrapAuth validates a bridge node's backchannel credential.
// Returns an error if no auth gate is configured or the secret mismatches.
func (s *Server) CheckBootstrapAuth(frame BootstrapAuthFrame) error {
	if s.auth == nil {
		return errs.New(errs.InvalidToken, "bootstrap_auth channel disabled", nil)
	}
	if !s.auth.Check(frame.AuthToken) {
		return errs.New(errs.InvalidToken, "bootstrap_auth secret mismatch", nil)
	}
	return nil
}

// GetOnboardingPeerRequest/OnboardingPeerResponse mirror spec.md §6's
// onboarding exchange, forwarded by the bootstrap server to whichever
// helper or bridge node it selected in GetPeersOrGenesis and answered by
// that participant's own Node (see node.handleOnboardingPeerRequested).
type GetOnboardingPeerRequest struct {
	Type            string            `json:"type"`
	RequestID       string            `json:"requestId"`
	NewNodeID       string            `json:"newNodeId"`
	NewNodeMetadata map[string]string `json:"newNodeMetadata"`
}

// OnboardingPeerResponseData is the onboarding_peer_response frame's
// `data` payload, per spec.md §6 `{peer, membershipToken}`.
type OnboardingPeerResponseData struct {
	Peer  client.PeerAdvert         `json:"peer"`
	Token *identity.MembershipToken `json:"membershipToken,omitempty"`
}

type OnboardingPeerResponse struct {
	Type      string                     `json:"type"`
	RequestID string                     `json:"requestId"`
	Data      OnboardingPeerResponseData `json:"data"`
}

// Stats is the JSON shape returned by GET /stats.
type Stats struct {
	ConnectedClients int           `json:"connectedClients"`
	BridgeNodes      int           `json:"bridgeNodes"`
	Uptime           time.Duration `json:"uptime"`
}

// CurrentStats computes the live registry snapshot.
func (s *Server) CurrentStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	bridges := 0
	for _, p := range s.peers {
		if p.isBridge() {
			bridges++
		}
	}
	return Stats{
		ConnectedClients: len(s.peers),
		BridgeNodes:      bridges,
		Uptime:           time.Since(s.started),
	}
}
