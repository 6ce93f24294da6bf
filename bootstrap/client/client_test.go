package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/identity"
)

type recordingSender struct {
	frames []interface{}
}

func (s *recordingSender) Send(frame interface{}) error {
	s.frames = append(s.frames, frame)
	return nil
}

func mustID(t *testing.T, seed string) id.NodeID {
	t.Helper()
	return id.HashOfString(seed)
}

func TestRegisterSendsRegisterFrame(t *testing.T) {
	sender := &recordingSender{}
	c := New(mustID(t, "local"), "1.2.0", "buildA", sender)

	require.NoError(t, c.Register(map[string]string{"nodeType": "server-style"}))
	require.Len(t, sender.frames, 1)
	req := sender.frames[0].(RegisterRequest)
	assert.Equal(t, "register", req.Type)
	assert.Equal(t, "1.2.0", req.ProtocolVersion)
}

func TestVersionMismatchIsFatal(t *testing.T) {
	sender := &recordingSender{}
	c := New(mustID(t, "local"), "1.2.0", "buildA", sender)

	raw, _ := json.Marshal(versionMismatchFrame{ClientVersion: "1.2.0", ServerVersion: "2.0.0", Message: "major mismatch"})
	err := c.HandleFrame("version_mismatch", raw)
	require.Error(t, err)

	_, err = c.GetPeersOrGenesis(10, nil)
	require.Error(t, err, "client must refuse to continue after version_mismatch")
}

func TestGenesisAssignedFiresCallback(t *testing.T) {
	sender := &recordingSender{}
	c := New(mustID(t, "local"), "1.2.0", "buildA", sender)

	var gotToken *identity.MembershipToken
	c.OnGenesisAssigned(func(token *identity.MembershipToken) { gotToken = token })

	kp, err := identity.Generate()
	require.NoError(t, err)
	token := identity.IssueGenesis(kp, mustID(t, "local"), time.Hour)

	resp := responseFrame{
		RequestID: "r1",
		Success:   true,
		Data:      responseData{Status: StatusGenesis, IsGenesis: true, MembershipToken: token},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	require.NoError(t, c.HandleFrame("response", raw))
	require.NotNil(t, gotToken)
	assert.True(t, gotToken.IsGenesis)
}

func TestOnboardingHelperFiresCallback(t *testing.T) {
	sender := &recordingSender{}
	c := New(mustID(t, "local"), "1.2.0", "buildA", sender)

	var gotPeer PeerAdvert
	called := false
	c.OnOnboardingHelper(func(peer PeerAdvert, token *identity.MembershipToken) {
		called = true
		gotPeer = peer
	})

	helper := PeerAdvert{NodeID: mustID(t, "helper").Hex()}
	resp := responseFrame{
		RequestID: "r2",
		Success:   true,
		Data:      responseData{Status: StatusHelperCoordinating, OnboardingHelper: &helper},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	require.NoError(t, c.HandleFrame("response", raw))
	assert.True(t, called)
	assert.Equal(t, helper.NodeID, gotPeer.NodeID)
}

func TestSendSignalRelaysOpaquePayload(t *testing.T) {
	sender := &recordingSender{}
	c := New(mustID(t, "local"), "1.2.0", "buildA", sender)

	require.NoError(t, c.SendSignal(mustID(t, "remote"), "sdp-offer", "opaque-sdp"))
	require.Len(t, sender.frames, 1)
}
