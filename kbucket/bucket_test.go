package kbucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/peer"
)

func mkRecord(seed string) *peer.Record {
	return peer.New(id.HashOfString(seed), "")
}

func TestAddReportsAddedThenUpdated(t *testing.T) {
	b := New(2, 0)
	r := mkRecord("a")
	assert.Equal(t, Added, b.Add(r))
	assert.Equal(t, Updated, b.Add(r))
}

func TestAddRejectsWhenFull(t *testing.T) {
	b := New(1, 0)
	assert.Equal(t, Added, b.Add(mkRecord("a")))
	assert.Equal(t, RejectedFull, b.Add(mkRecord("b")))
}

func TestReAddMovesToTail(t *testing.T) {
	b := New(3, 0)
	ra, rb, rc := mkRecord("a"), mkRecord("b"), mkRecord("c")
	b.Add(ra)
	b.Add(rb)
	b.Add(rc)
	assert.Equal(t, ra, b.LeastRecentlySeen())

	b.Add(ra) // re-add moves a to tail; b becomes head
	assert.Equal(t, rb, b.LeastRecentlySeen())

	all := b.All()
	assert.Equal(t, ra.ID(), all[len(all)-1].ID())
}

func TestRemove(t *testing.T) {
	b := New(2, 0)
	r := mkRecord("a")
	b.Add(r)
	assert.True(t, b.Remove(r.ID()))
	assert.False(t, b.Contains(r.ID()))
	assert.False(t, b.Remove(r.ID()))
}

func TestStaleSweep(t *testing.T) {
	b := New(2, 0)
	r := mkRecord("a")
	b.Add(r)
	assert.Empty(t, b.StaleSweep(time.Hour))
	assert.Len(t, b.StaleSweep(-time.Second), 1)
}

func TestSplitPartitionsByClassifier(t *testing.T) {
	b := New(4, 0)
	near := mkRecord("near")
	far := mkRecord("far")
	b.Add(near)
	b.Add(far)

	nearBucket, farBucket := b.Split(func(n id.NodeID) bool {
		return n.Equal(near.ID())
	})
	assert.Equal(t, 1, nearBucket.Len())
	assert.Equal(t, 1, farBucket.Len())
	assert.Equal(t, b.Depth+1, nearBucket.Depth)
	assert.Equal(t, b.Depth+1, farBucket.Depth)
}
