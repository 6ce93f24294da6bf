// Package client implements component G: the bootstrap protocol client
// that manages one persistent link to a bootstrap coordinator and
// surfaces genesis/onboarding/bridge events to the DHT layer.
package client

import (
	"encoding/json"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/identity"
	"github.com/yznetwork/overlay/internal/log"
)

// Sender abstracts whatever link carries frames to the bootstrap server —
// a websocket connection in practice, a fake in tests.
type Sender interface {
	Send(frame interface{}) error
}

// RegisterRequest/GetPeersRequest mirror spec.md §6's bootstrap table.
type RegisterRequest struct {
	Type            string            `json:"type"`
	NodeID          string            `json:"nodeId"`
	ProtocolVersion string            `json:"protocolVersion"`
	BuildID         string            `json:"buildId"`
	Timestamp       int64             `json:"timestamp"`
	Metadata        map[string]string `json:"metadata"`
}

type GetPeersOrGenesisRequest struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	NodeID    string            `json:"nodeId"`
	MaxPeers  int               `json:"maxPeers"`
	Metadata  map[string]string `json:"metadata"`
}

type responseData struct {
	Status           string                 `json:"status"`
	Peers            []PeerAdvert           `json:"peers,omitempty"`
	IsGenesis        bool                   `json:"isGenesis,omitempty"`
	MembershipToken  *identity.MembershipToken `json:"membershipToken,omitempty"`
	OnboardingHelper *PeerAdvert            `json:"onboardingHelper,omitempty"`
	Message          string                 `json:"message,omitempty"`
}

// PeerAdvert is the wire shape of one advertised peer, per spec.md §6
// "Each peer carries {nodeId, metadata?}".
type PeerAdvert struct {
	NodeID   string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type versionMismatchFrame struct {
	ClientVersion  string `json:"clientVersion"`
	ServerVersion  string `json:"serverVersion"`
	ClientBuildID  string `json:"clientBuildId"`
	ServerBuildID  string `json:"serverBuildId"`
	Message        string `json:"message"`
}

type responseFrame struct {
	RequestID string       `json:"requestId"`
	Success   bool         `json:"success"`
	Data      responseData `json:"data"`
}

// Observed statuses in responseData.Status, per spec.md §4.G.
const (
	StatusGenesis                = "genesis"
	StatusHelperCoordinating     = "helper_coordinating"
	StatusEmergencyBridgeRouting = "emergency_bridge_routing"
	StatusNetworkEmpty           = "network_empty"
)

// Client manages the node's side of the bootstrap protocol.
type Client struct {
	mu              sync.Mutex
	localID         id.NodeID
	protocolVersion string
	buildID         string
	sender          Sender
	registered      bool
	fatal           error // set on version_mismatch; refuse to continue

	onGenesisAssigned  func(token *identity.MembershipToken)
	onOnboardingHelper func(peer PeerAdvert, token *identity.MembershipToken)
	onBridgeCoordinated func(bridge PeerAdvert, token *identity.MembershipToken)
	onSignal           func(from id.NodeID, kind, payload string)
	onOnboardingPeerRequested func(requestID string, newNodeID id.NodeID, newNodeMetadata map[string]string) (PeerAdvert, *identity.MembershipToken)

	log log.Logger
}

// New constructs a bootstrap client bound to sender, which must already
// be connected to the coordinator.
func New(localID id.NodeID, protocolVersion, buildID string, sender Sender) *Client {
	return &Client{
		localID:         localID,
		protocolVersion: protocolVersion,
		buildID:         buildID,
		sender:          sender,
		log:             log.NewModuleLogger(log.Bootstrap),
	}
}

func (c *Client) OnGenesisAssigned(f func(token *identity.MembershipToken)) { c.onGenesisAssigned = f }
func (c *Client) OnOnboardingHelper(f func(peer PeerAdvert, token *identity.MembershipToken)) {
	c.onOnboardingHelper = f
}
func (c *Client) OnBridgeCoordinated(f func(bridge PeerAdvert, token *identity.MembershipToken)) {
	c.onBridgeCoordinated = f
}
func (c *Client) OnSignal(f func(from id.NodeID, kind, payload string)) { c.onSignal = f }

// OnOnboardingPeerRequested registers the handler this node uses when the
// bootstrap server asks it (as a chosen helper or bridge) to name the
// peer a new joiner should connect to, per spec.md §6
// get_onboarding_peer. The handler returns the peer to advertise and,
// when it can vouch for that peer itself, a chained membership token.
func (c *Client) OnOnboardingPeerRequested(f func(requestID string, newNodeID id.NodeID, newNodeMetadata map[string]string) (PeerAdvert, *identity.MembershipToken)) {
	c.onOnboardingPeerRequested = f
}

// Register sends the register frame. The coordinator's reply (registered
// or version_mismatch) arrives asynchronously through HandleFrame.
func (c *Client) Register(metadata map[string]string) error {
	return c.sender.Send(RegisterRequest{
		Type:            "register",
		NodeID:          c.localID.Hex(),
		ProtocolVersion: c.protocolVersion,
		BuildID:         c.buildID,
		Timestamp:       time.Now().Unix(),
		Metadata:        metadata,
	})
}

// bootstrapAuthFrame mirrors server.BootstrapAuthFrame; duplicated here
// rather than imported because the server package already imports this
// client package, so importing server here would form an import cycle.
type bootstrapAuthFrame struct {
	Type            string `json:"type"`
	AuthToken       string `json:"auth_token"`
	BootstrapServer string `json:"bootstrapServer"`
}

// getOnboardingPeerRequest/onboardingPeerResponseFrame mirror
// server.GetOnboardingPeerRequest/OnboardingPeerResponse; duplicated
// here rather than imported, for the same reason as bootstrapAuthFrame
// above — client stays free of a server package dependency.
type getOnboardingPeerRequest struct {
	RequestID       string            `json:"requestId"`
	NewNodeID       string            `json:"newNodeId"`
	NewNodeMetadata map[string]string `json:"newNodeMetadata"`
}

type onboardingPeerResponseData struct {
	Peer  PeerAdvert                `json:"peer"`
	Token *identity.MembershipToken `json:"membershipToken,omitempty"`
}

type onboardingPeerResponseFrame struct {
	Type      string                     `json:"type"`
	RequestID string                     `json:"requestId"`
	Data      onboardingPeerResponseData `json:"data"`
}

// SendBootstrapAuth presents this node's bridge-auth secret on the
// bootstrap_auth backchannel, per spec.md §4.H. Only meaningful for
// nodes registering with isBridgeNode=true.
func (c *Client) SendBootstrapAuth(authToken, bootstrapServer string) error {
	return c.sender.Send(bootstrapAuthFrame{
		Type:            "bootstrap_auth",
		AuthToken:       authToken,
		BootstrapServer: bootstrapServer,
	})
}

// GetPeersOrGenesis asks the coordinator for onboarding, after Register
// has completed successfully.
func (c *Client) GetPeersOrGenesis(maxPeers int, metadata map[string]string) (string, error) {
	c.mu.Lock()
	fatal := c.fatal
	c.mu.Unlock()
	if fatal != nil {
		return "", fatal
	}
	reqID, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	return reqID, c.sender.Send(GetPeersOrGenesisRequest{
		Type:      "get_peers_or_genesis",
		RequestID: reqID,
		NodeID:    c.localID.Hex(),
		MaxPeers:  maxPeers,
		Metadata:  metadata,
	})
}

// SendSignal relays an opaque signalling payload through the bootstrap
// channel, satisfying transport.Signaller for datagram-family nodes that
// have no DHT peer yet.
func (c *Client) SendSignal(to id.NodeID, kind string, payload string) error {
	return c.sender.Send(struct {
		Type    string `json:"type"`
		From    string `json:"from"`
		To      string `json:"to"`
		Kind    string `json:"kind"`
		Payload string `json:"payload"`
	}{Type: "signal", From: c.localID.Hex(), To: to.Hex(), Kind: kind, Payload: payload})
}

// HandleFrame dispatches one inbound frame from the coordinator by type.
func (c *Client) HandleFrame(frameType string, raw json.RawMessage) error {
	switch frameType {
	case "registered":
		c.mu.Lock()
		c.registered = true
		c.mu.Unlock()
		return nil
	case "version_mismatch":
		var vm versionMismatchFrame
		if err := json.Unmarshal(raw, &vm); err != nil {
			return err
		}
		e := errs.New(errs.VersionIncompatible, vm.Message, nil)
		c.mu.Lock()
		c.fatal = e
		c.mu.Unlock()
		c.log.Warn("bootstrap version mismatch", "clientVersion", vm.ClientVersion, "serverVersion", vm.ServerVersion)
		return e
	case "response":
		var resp responseFrame
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		return c.handleResponse(resp)
	case "signal":
		var sig struct {
			From    string `json:"from"`
			Kind    string `json:"kind"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(raw, &sig); err != nil {
			return err
		}
		from, err := id.FromHexExact(sig.From)
		if err != nil {
			return errs.New(errs.InvalidIDFormat, "malformed signal sender", err)
		}
		if c.onSignal != nil {
			c.onSignal(from, sig.Kind, sig.Payload)
		}
		return nil
	case "get_onboarding_peer":
		var req getOnboardingPeerRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		return c.handleOnboardingPeerRequest(req)
	default:
		return errs.New(errs.Unknown, "unrecognized bootstrap frame: "+frameType, nil)
	}
}

func (c *Client) handleResponse(resp responseFrame) error {
	if !resp.Success {
		return errs.New(errs.Unknown, resp.Data.Message, nil)
	}
	switch resp.Data.Status {
	case StatusGenesis:
		if c.onGenesisAssigned != nil && resp.Data.MembershipToken != nil {
			c.onGenesisAssigned(resp.Data.MembershipToken)
		}
	case StatusHelperCoordinating:
		if resp.Data.OnboardingHelper != nil && c.onOnboardingHelper != nil {
			c.onOnboardingHelper(*resp.Data.OnboardingHelper, resp.Data.MembershipToken)
		}
	case StatusEmergencyBridgeRouting:
		if resp.Data.OnboardingHelper != nil && c.onBridgeCoordinated != nil {
			c.onBridgeCoordinated(*resp.Data.OnboardingHelper, resp.Data.MembershipToken)
		}
	case StatusNetworkEmpty:
		c.log.Info("bootstrap reports empty network")
	default:
		c.log.Warn("unrecognized bootstrap status", "status", resp.Data.Status)
	}
	return nil
}

// handleOnboardingPeerRequest answers the coordinator's get_onboarding_peer
// ask by delegating to onOnboardingPeerRequested and sending back whatever
// it names, per spec.md §6 onboarding_peer_response. A client with no
// handler registered (not currently acting as a helper or bridge) stays
// silent rather than erroring.
func (c *Client) handleOnboardingPeerRequest(req getOnboardingPeerRequest) error {
	if c.onOnboardingPeerRequested == nil {
		return nil
	}
	newNodeID, err := id.FromHexExact(req.NewNodeID)
	if err != nil {
		return errs.New(errs.InvalidIDFormat, "malformed newNodeId in get_onboarding_peer", err)
	}
	advert, token := c.onOnboardingPeerRequested(req.RequestID, newNodeID, req.NewNodeMetadata)
	return c.sender.Send(onboardingPeerResponseFrame{
		Type:      "onboarding_peer_response",
		RequestID: req.RequestID,
		Data:      onboardingPeerResponseData{Peer: advert, Token: token},
	})
}

// Registered reports whether the coordinator has acknowledged registration.
func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}
