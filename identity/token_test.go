package identity

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yznetwork/overlay/id"
)

type fakeAnchor struct {
	keys map[id.NodeID]ed25519.PublicKey
}

func (f *fakeAnchor) PublicKeyFor(issuer id.NodeID) (ed25519.PublicKey, bool) {
	k, ok := f.keys[issuer]
	return k, ok
}

func TestGenesisTokenVerifies(t *testing.T) {
	genesisKey, err := Generate()
	require.NoError(t, err)
	joiner, err := Generate()
	require.NoError(t, err)

	tok := IssueGenesis(genesisKey, joiner.NodeID(), time.Hour)
	anchor := &fakeAnchor{keys: map[id.NodeID]ed25519.PublicKey{genesisKey.NodeID(): genesisKey.Public}}
	v := NewVerifier(anchor)

	require.NoError(t, v.VerifyMembership(tok, joiner.NodeID()))
}

func TestMembershipTokenRejectsWrongSubject(t *testing.T) {
	genesisKey, _ := Generate()
	joiner, _ := Generate()
	other, _ := Generate()

	tok := IssueGenesis(genesisKey, joiner.NodeID(), time.Hour)
	anchor := &fakeAnchor{keys: map[id.NodeID]ed25519.PublicKey{genesisKey.NodeID(): genesisKey.Public}}
	v := NewVerifier(anchor)

	err := v.VerifyMembership(tok, other.NodeID())
	require.Error(t, err)
}

func TestMembershipTokenRejectsExpired(t *testing.T) {
	genesisKey, _ := Generate()
	joiner, _ := Generate()

	tok := IssueGenesis(genesisKey, joiner.NodeID(), -time.Second)
	anchor := &fakeAnchor{keys: map[id.NodeID]ed25519.PublicKey{genesisKey.NodeID(): genesisKey.Public}}
	v := NewVerifier(anchor)

	err := v.VerifyMembership(tok, joiner.NodeID())
	require.Error(t, err)
}

func TestMembershipTokenRejectsTamper(t *testing.T) {
	genesisKey, _ := Generate()
	joiner, _ := Generate()
	tok := IssueGenesis(genesisKey, joiner.NodeID(), time.Hour)
	tok.IsGenesis = false // tamper
	anchor := &fakeAnchor{keys: map[id.NodeID]ed25519.PublicKey{genesisKey.NodeID(): genesisKey.Public}}
	v := NewVerifier(anchor)

	err := v.VerifyMembership(tok, joiner.NodeID())
	require.Error(t, err)
}

func TestInvitationSingleUse(t *testing.T) {
	inviter, _ := Generate()
	invitee, _ := Generate()
	tok := IssueInvitation(inviter, invitee.NodeID(), time.Minute)

	v := NewVerifier(&fakeAnchor{})
	require.NoError(t, v.VerifyAndConsume(tok, invitee.NodeID(), inviter.Public))
	err := v.VerifyAndConsume(tok, invitee.NodeID(), inviter.Public)
	require.Error(t, err)
}

func TestInvitationWrongInviteeRejected(t *testing.T) {
	inviter, _ := Generate()
	invitee, _ := Generate()
	stranger, _ := Generate()
	tok := IssueInvitation(inviter, invitee.NodeID(), time.Minute)

	v := NewVerifier(&fakeAnchor{})
	err := v.VerifyAndConsume(tok, stranger.NodeID(), inviter.Public)
	require.Error(t, err)
}
