package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yznetwork/overlay/bootstrap/client"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/identity"
)

type nopSender struct{}

func (nopSender) Send(frame interface{}) error { return nil }

// replyingSender simulates a helper/bridge that actually answers a
// get_onboarding_peer ask: it extracts the request ID the server
// embedded, then calls back into the server with the response on
// its own goroutine, mirroring the round trip the real
// bootstrap.Session/client.Client pair drives over a websocket.
type replyingSender struct {
	srv   *Server
	peer  client.PeerAdvert
	token *identity.MembershipToken
}

func (r replyingSender) Send(frame interface{}) error {
	req, ok := frame.(GetOnboardingPeerRequest)
	if !ok {
		return nil
	}
	go r.srv.DeliverOnboardingPeerResponse(OnboardingPeerResponse{
		Type:      "onboarding_peer_response",
		RequestID: req.RequestID,
		Data:      OnboardingPeerResponseData{Peer: r.peer, Token: r.token},
	})
	return nil
}

func mustID(t *testing.T, seed string) id.NodeID {
	t.Helper()
	return id.HashOfString(seed)
}

func newTestServer(t *testing.T, createNew bool) *Server {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	return New(Config{
		CreateNewDHT:    createNew,
		ProtocolVersion: "1.2.0",
		BuildID:         "buildA",
		Genesis:         kp,
		GenesisTTL:      time.Hour,
	}, nil)
}

func TestRegisterRejectsVersionMismatch(t *testing.T) {
	s := newTestServer(t, true)
	err := s.Register(client.RegisterRequest{
		NodeID:          mustID(t, "a").Hex(),
		ProtocolVersion: "2.0.0",
		BuildID:         "buildA",
	}, nopSender{})
	require.Error(t, err)
}

func TestGenesisAssignedToFirstNonBridgeJoiner(t *testing.T) {
	s := newTestServer(t, true)
	nodeID := mustID(t, "first")
	require.NoError(t, s.Register(client.RegisterRequest{
		NodeID: nodeID.Hex(), ProtocolVersion: "1.2.0", BuildID: "buildA",
	}, nopSender{}))

	decision, err := s.GetPeersOrGenesis(nodeID, 10)
	require.NoError(t, err)
	assert.Equal(t, client.StatusGenesis, decision.Status)
	require.NotNil(t, decision.MembershipToken)
	assert.True(t, decision.MembershipToken.IsGenesis)
}

func TestSecondJoinerGetsDirectHelperNotGenesis(t *testing.T) {
	s := newTestServer(t, true)
	first := mustID(t, "first")
	second := mustID(t, "second")

	require.NoError(t, s.Register(client.RegisterRequest{
		NodeID: first.Hex(), ProtocolVersion: "1.2.0", BuildID: "buildA",
		Metadata: map[string]string{"listeningAddress": "127.0.0.1:9000"},
	}, nopSender{}))
	require.NoError(t, s.Register(client.RegisterRequest{
		NodeID: second.Hex(), ProtocolVersion: "1.2.0", BuildID: "buildA",
		Metadata: map[string]string{"listeningAddress": "127.0.0.1:9001"},
	}, nopSender{}))

	decision, err := s.GetPeersOrGenesis(second, 10)
	require.NoError(t, err)
	assert.Equal(t, client.StatusHelperCoordinating, decision.Status)
	require.NotNil(t, decision.OnboardingHelper)
	assert.Equal(t, first.Hex(), decision.OnboardingHelper.NodeID)
}

func TestNATRestrictedJoinerRoutedToBridge(t *testing.T) {
	s := newTestServer(t, true)
	first := mustID(t, "first")
	bridge := mustID(t, "bridge")
	nat := mustID(t, "nat-restricted")

	require.NoError(t, s.Register(client.RegisterRequest{
		NodeID: first.Hex(), ProtocolVersion: "1.2.0", BuildID: "buildA",
		Metadata: map[string]string{"listeningAddress": "127.0.0.1:9000"},
	}, nopSender{}))
	require.NoError(t, s.Register(client.RegisterRequest{
		NodeID: bridge.Hex(), ProtocolVersion: "1.2.0", BuildID: "buildA",
		Metadata: map[string]string{"isBridgeNode": "true"},
	}, nopSender{}))
	require.NoError(t, s.Register(client.RegisterRequest{
		NodeID: nat.Hex(), ProtocolVersion: "1.2.0", BuildID: "buildA",
	}, nopSender{}))

	decision, err := s.GetPeersOrGenesis(nat, 10)
	require.NoError(t, err)
	assert.Equal(t, client.StatusEmergencyBridgeRouting, decision.Status)
	require.NotNil(t, decision.OnboardingHelper)
	assert.Equal(t, bridge.Hex(), decision.OnboardingHelper.NodeID)
}

func TestHelperCoordinatingRelaysTokenFromOnboardingRoundTrip(t *testing.T) {
	s := newTestServer(t, true)
	first := mustID(t, "first")
	second := mustID(t, "second")
	named := mustID(t, "named-by-helper")

	kp, err := identity.Generate()
	require.NoError(t, err)
	token := identity.IssueInvited(kp, named, time.Hour)
	namedAdvert := client.PeerAdvert{NodeID: named.Hex(), Metadata: map[string]string{"nodeType": "full"}}

	require.NoError(t, s.Register(client.RegisterRequest{
		NodeID: first.Hex(), ProtocolVersion: "1.2.0", BuildID: "buildA",
		Metadata: map[string]string{"listeningAddress": "127.0.0.1:9000"},
	}, replyingSender{srv: s, peer: namedAdvert, token: token}))
	require.NoError(t, s.Register(client.RegisterRequest{
		NodeID: second.Hex(), ProtocolVersion: "1.2.0", BuildID: "buildA",
		Metadata: map[string]string{"listeningAddress": "127.0.0.1:9001"},
	}, nopSender{}))

	decision, err := s.GetPeersOrGenesis(second, 10)
	require.NoError(t, err)
	assert.Equal(t, client.StatusHelperCoordinating, decision.Status)
	require.NotNil(t, decision.OnboardingHelper)
	assert.Equal(t, named.Hex(), decision.OnboardingHelper.NodeID)
	require.NotNil(t, decision.MembershipToken)
	assert.Equal(t, named, decision.MembershipToken.Subject)
}

func TestNetworkEmptyWhenNoBridgeOrDirectPeer(t *testing.T) {
	s := newTestServer(t, false)
	nat := mustID(t, "nat-restricted")
	require.NoError(t, s.Register(client.RegisterRequest{
		NodeID: nat.Hex(), ProtocolVersion: "1.2.0", BuildID: "buildA",
	}, nopSender{}))

	decision, err := s.GetPeersOrGenesis(nat, 10)
	require.NoError(t, err)
	assert.Equal(t, client.StatusNetworkEmpty, decision.Status)
}

func TestBuildIDMismatchFatalOnlyWhenBothGenuine(t *testing.T) {
	assert.True(t, buildIDCompatible("", "x"))
	assert.True(t, buildIDCompatible("unknown", "x"))
	assert.True(t, buildIDCompatible("x", "x"))
	assert.False(t, buildIDCompatible("buildA", "buildB"))
}
