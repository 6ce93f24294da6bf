package bootstrap

import (
	"encoding/json"
	"sync"

	"github.com/yznetwork/overlay/bootstrap/client"
	"github.com/yznetwork/overlay/bootstrap/server"
	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/internal/log"
)

type registeredFrame struct {
	Type string `json:"type"`
}

type versionMismatchReply struct {
	Type          string `json:"type"`
	ClientVersion string `json:"clientVersion"`
	ServerVersion string `json:"serverVersion"`
	Message       string `json:"message"`
}

type responseReply struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      responseReplyData `json:"data"`
}

type responseReplyData struct {
	Status           string                `json:"status"`
	IsGenesis        bool                  `json:"isGenesis,omitempty"`
	MembershipToken  interface{}           `json:"membershipToken,omitempty"`
	OnboardingHelper *client.PeerAdvert    `json:"onboardingHelper,omitempty"`
	Message          string                `json:"message,omitempty"`
}

type signalRelayFrame struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	To      string `json:"to"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// Session binds one connected participant's WSSender to the bootstrap
// Server's registry, translating inbound relay frames into Server calls
// and outbound Decisions back into wire replies. One Session exists per
// live websocket connection, mirroring one goroutine per peer the way
// the teacher's p2p.Server runs one loop per connection.
type Session struct {
	srv    *server.Server
	sender *WSSender
	log    log.Logger

	mu sync.Mutex
	id id.NodeID
	ok bool
}

// NewSession wires sender's inbound frames to srv. Call Serve to start
// reading; the server's UpgradeHandler supplies sender once the
// websocket handshake completes.
func NewSession(srv *server.Server, sender *WSSender) *Session {
	return &Session{srv: srv, sender: sender, log: log.NewModuleLogger(log.Bootstrap)}
}

// Serve runs the read loop until the connection closes, then
// unregisters the participant from the server's registry.
func (s *Session) Serve() {
	defer s.cleanup()
	if err := ReadLoop(s.sender, s.handleFrame); err != nil {
		s.log.Debug("bootstrap session closed", "err", err)
	}
}

func (s *Session) cleanup() {
	s.mu.Lock()
	nodeID, ok := s.id, s.ok
	s.mu.Unlock()
	if ok {
		s.srv.Unregister(nodeID)
	}
}

func (s *Session) handleFrame(frameType string, raw json.RawMessage) error {
	switch frameType {
	case "register":
		return s.handleRegister(raw)
	case "get_peers_or_genesis":
		return s.handleGetPeersOrGenesis(raw)
	case "bootstrap_auth":
		return s.handleBootstrapAuth(raw)
	case "signal":
		return s.handleSignal(raw)
	case "onboarding_peer_response":
		return s.handleOnboardingPeerResponse(raw)
	default:
		return errs.New(errs.Unknown, "unrecognized relay frame: "+frameType, nil)
	}
}

func (s *Session) handleRegister(raw json.RawMessage) error {
	var req client.RegisterRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	if err := s.srv.Register(req, s.sender); err != nil {
		msg := err.Error()
		if e, ok := err.(*errs.Error); ok {
			msg = e.Message
		}
		return s.sender.Send(versionMismatchReply{
			Type:          "version_mismatch",
			ClientVersion: req.ProtocolVersion,
			ServerVersion: req.ProtocolVersion,
			Message:       msg,
		})
	}
	nodeID, err := id.FromHexExact(req.NodeID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.id, s.ok = nodeID, true
	s.mu.Unlock()
	return s.sender.Send(registeredFrame{Type: "registered"})
}

func (s *Session) handleGetPeersOrGenesis(raw json.RawMessage) error {
	var req client.GetPeersOrGenesisRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	requester, err := id.FromHexExact(req.NodeID)
	if err != nil {
		return err
	}
	decision, err := s.srv.GetPeersOrGenesis(requester, req.MaxPeers)
	if err != nil {
		return s.sender.Send(responseReply{
			Type:      "response",
			RequestID: req.RequestID,
			Success:   false,
			Data:      responseReplyData{Message: err.Error()},
		})
	}
	return s.sender.Send(responseReply{
		Type:      "response",
		RequestID: req.RequestID,
		Success:   true,
		Data: responseReplyData{
			Status:           decision.Status,
			IsGenesis:        decision.IsGenesis,
			MembershipToken:  decision.MembershipToken,
			OnboardingHelper: decision.OnboardingHelper,
			Message:          decision.Message,
		},
	})
}

// handleOnboardingPeerResponse relays a helper's or bridge's answer to a
// previously-forwarded get_onboarding_peer request back to the
// GetPeersOrGenesis call awaiting it, per spec.md §6.
func (s *Session) handleOnboardingPeerResponse(raw json.RawMessage) error {
	var resp server.OnboardingPeerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	s.srv.DeliverOnboardingPeerResponse(resp)
	return nil
}

func (s *Session) handleBootstrapAuth(raw json.RawMessage) error {
	var frame server.BootstrapAuthFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	return s.srv.CheckBootstrapAuth(frame)
}

// handleSignal relays an opaque WebRTC signalling payload to its
// intended recipient's own session, looked up through the server's
// registry-backed sender, per spec.md §4.E datagram negotiation carried
// over the bootstrap link before any direct connection exists.
func (s *Session) handleSignal(raw json.RawMessage) error {
	var sig signalRelayFrame
	if err := json.Unmarshal(raw, &sig); err != nil {
		return err
	}
	to, err := id.FromHexExact(sig.To)
	if err != nil {
		return errs.New(errs.InvalidIDFormat, "malformed signal recipient", err)
	}
	return s.srv.RelaySignal(to, sig)
}
