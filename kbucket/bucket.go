// Package kbucket implements the bounded, ordered k-bucket container
// (component B): an LRU list of up to k peer records within one prefix
// range of the routing table, with split support.
package kbucket

import (
	"time"

	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/peer"
)

// DefaultSize is the default bucket capacity k.
const DefaultSize = 20

// AddOutcome reports the result of an add attempt.
type AddOutcome int

const (
	Added AddOutcome = iota
	Updated
	RejectedFull
)

// entry pairs a peer record with the ID it's keyed by, so the bucket
// never needs to reach back into peer.Record for identity.
type entry struct {
	id     id.NodeID
	record *peer.Record
}

// Bucket is an ordered sequence of up to Size peer records. Head (index 0)
// is the least-recently-seen; tail is the most-recently-seen.
type Bucket struct {
	Size        int
	Depth       int // prefix depth, used by split
	entries     []entry
	lastUpdated time.Time
}

// New creates an empty bucket of the given capacity and prefix depth.
func New(size, depth int) *Bucket {
	if size <= 0 {
		size = DefaultSize
	}
	return &Bucket{Size: size, Depth: depth, lastUpdated: time.Now()}
}

// Len returns the number of entries currently held.
func (b *Bucket) Len() int { return len(b.entries) }

// Full reports whether the bucket is at capacity.
func (b *Bucket) Full() bool { return len(b.entries) >= b.Size }

// LastUpdated returns the timestamp of the most recent structural change.
func (b *Bucket) LastUpdated() time.Time { return b.lastUpdated }

// Contains reports whether nodeID is present.
func (b *Bucket) Contains(nodeID id.NodeID) bool {
	return b.indexOf(nodeID) >= 0
}

func (b *Bucket) indexOf(nodeID id.NodeID) int {
	for i, e := range b.entries {
		if e.id.Equal(nodeID) {
			return i
		}
	}
	return -1
}

// Get returns the record for nodeID, if present.
func (b *Bucket) Get(nodeID id.NodeID) (*peer.Record, bool) {
	if i := b.indexOf(nodeID); i >= 0 {
		return b.entries[i].record, true
	}
	return nil, false
}

// Add inserts or moves r to the tail (most-recently-seen). If the peer is
// already present, its identity is preserved and it moves to the tail
// (Updated). Otherwise, it is appended if there is room (Added), or the
// add is rejected if the bucket is full (RejectedFull) — callers decide
// whether to evict a stale head via the routing table's replacement
// policy.
func (b *Bucket) Add(r *peer.Record) AddOutcome {
	nodeID := r.ID()
	if i := b.indexOf(nodeID); i >= 0 {
		existing := b.entries[i]
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		b.entries = append(b.entries, existing)
		b.lastUpdated = time.Now()
		return Updated
	}
	if b.Full() {
		return RejectedFull
	}
	b.entries = append(b.entries, entry{id: nodeID, record: r})
	b.lastUpdated = time.Now()
	return Added
}

// Remove deletes nodeID from the bucket, if present.
func (b *Bucket) Remove(nodeID id.NodeID) bool {
	if i := b.indexOf(nodeID); i >= 0 {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		b.lastUpdated = time.Now()
		return true
	}
	return false
}

// LeastRecentlySeen returns the head entry (candidate for eviction), or
// nil if the bucket is empty.
func (b *Bucket) LeastRecentlySeen() *peer.Record {
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[0].record
}

// ReplaceHead evicts the current head and inserts r at the tail. Used
// when the head fails a liveness check during the classical Kademlia
// replacement policy.
func (b *Bucket) ReplaceHead(r *peer.Record) {
	if len(b.entries) > 0 {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, entry{id: r.ID(), record: r})
	b.lastUpdated = time.Now()
}

// All returns every record currently held, in LRU order (head first).
func (b *Bucket) All() []*peer.Record {
	out := make([]*peer.Record, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.record
	}
	return out
}

// StaleSweep returns the records whose LastSeen predates the threshold
// duration, without removing them — callers decide whether to ping or
// evict.
func (b *Bucket) StaleSweep(threshold time.Duration) []*peer.Record {
	var stale []*peer.Record
	cutoff := time.Now().Add(-threshold)
	for _, e := range b.entries {
		if e.record.LastSeen().Before(cutoff) {
			stale = append(stale, e.record)
		}
	}
	return stale
}

// Split partitions this bucket's entries by the next prefix bit (the bit
// at position Depth of each entry's distance to splitLocal, as computed
// by the caller via classify). Entries for which classify returns true go
// to the "near" bucket, the rest to "far". Both new buckets have depth+1.
func (b *Bucket) Split(classify func(id.NodeID) bool) (near, far *Bucket) {
	near = New(b.Size, b.Depth+1)
	far = New(b.Size, b.Depth+1)
	for _, e := range b.entries {
		if classify(e.id) {
			near.entries = append(near.entries, e)
		} else {
			far.entries = append(far.entries, e)
		}
	}
	return near, far
}
