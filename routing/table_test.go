package routing

import (
	"fmt"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/peer"
)

// requireValid fails the test with a full dump of bucket state if the
// routing table's consistency invariants (§4.C) don't hold, since a bare
// assertion failure doesn't say which bucket diverged.
func requireValid(t *testing.T, tbl *Table) {
	t.Helper()
	if err := tbl.Validate(); err != nil {
		t.Fatalf("routing table invariant violated: %v\n%s", err, spew.Sdump(tbl.buckets))
	}
}

func localAndPeer(seed string) (id.NodeID, *peer.Record) {
	return id.HashOfString("local"), peer.New(id.HashOfString(seed), "")
}

func TestAddNodeRejectsLocalID(t *testing.T) {
	local := id.HashOfString("local")
	tbl := New(local, 4)
	err := tbl.AddNode(peer.New(local, ""))
	require.Error(t, err)
}

func TestAddFindClosest(t *testing.T) {
	local, _ := localAndPeer("seed")
	tbl := New(local, 20)
	for i := 0; i < 20; i++ {
		_, r := localAndPeer(fmt.Sprintf("peer-%d", i))
		require.NoError(t, tbl.AddNode(r))
	}
	target := id.HashOfString("target")
	closest := tbl.FindClosest(target, 5)
	assert.Len(t, closest, 5)
	requireValid(t, tbl)
}

func TestBucketSplitsWhenFullAndContainsLocalRange(t *testing.T) {
	local := id.HashOfString("local")
	tbl := New(local, 2)
	for i := 0; i < 40; i++ {
		_, r := localAndPeer(fmt.Sprintf("churn-%d", i))
		_ = tbl.AddNode(r)
	}
	assert.Greater(t, tbl.NumBuckets(), 1)
	requireValid(t, tbl)
}

func TestRemoveNode(t *testing.T) {
	local, r := localAndPeer("x")
	tbl := New(local, 4)
	require.NoError(t, tbl.AddNode(r))
	assert.True(t, tbl.RemoveNode(r.ID()))
	_, ok := tbl.Get(r.ID())
	assert.False(t, ok)
}

func TestFindClosestAliveFiltersDisconnected(t *testing.T) {
	local := id.HashOfString("local")
	tbl := New(local, 10)
	_, r1 := localAndPeer("alive")
	r1.SetConnection(fixtureHandle{})
	_, r2 := localAndPeer("dead")
	require.NoError(t, tbl.AddNode(r1))
	require.NoError(t, tbl.AddNode(r2))

	alive := tbl.FindClosestAlive(id.HashOfString("target"), 10)
	assert.Len(t, alive, 1)
	assert.Equal(t, r1.ID(), alive[0].ID())
}

type fixtureHandle struct{}

func (fixtureHandle) Transport() string { return "stream" }
