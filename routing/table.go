// Package routing implements the 160-bit prefix-tree routing table
// (component C): a sequence of k-buckets over the local ID, where only
// the bucket containing the local ID ever splits, mirroring the design
// in spec.md §4.C.
package routing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/internal/log"
	"github.com/yznetwork/overlay/kbucket"
	"github.com/yznetwork/overlay/peer"
)

// maxDepth is the deepest a bucket may split to (§4.C: "depth < 159").
const maxDepth = 159

// DefaultStaleThreshold is the default eviction window for bucket entries.
const DefaultStaleThreshold = 15 * time.Minute

var logger = log.NewModuleLogger(log.Routing)

// Table is the local node's routing table: an ordered sequence of
// k-buckets, where bucket[i] for i < len-1 holds peers whose XOR distance
// to the local ID has exactly i leading zero bits, and the last bucket is
// the catch-all "contains the local ID's range" bucket eligible to split
// further.
type Table struct {
	mu sync.RWMutex

	localID    id.NodeID
	bucketSize int
	buckets    []*kbucket.Bucket
	total      int
}

// New creates a routing table seeded with a single bucket spanning the
// whole ID space, for the given local ID.
func New(localID id.NodeID, bucketSize int) *Table {
	if bucketSize <= 0 {
		bucketSize = kbucket.DefaultSize
	}
	return &Table{
		localID:    localID,
		bucketSize: bucketSize,
		buckets:    []*kbucket.Bucket{kbucket.New(bucketSize, 0)},
	}
}

// LocalID returns the table's owning node ID.
func (t *Table) LocalID() id.NodeID { return t.localID }

// Len returns the total number of peers currently tracked.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// BucketIndexOf returns the bucket index peerID currently falls into
// relative to the local ID, for callers (the DHT core's "one-shot refresh
// of the affected bucket" on peer connect, spec.md §4.I) that need to
// target that specific bucket rather than the least-recently-updated one.
func (t *Table) BucketIndexOf(peerID id.NodeID) (idx int, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, _, ok = t.bucketIndexFor(peerID)
	return idx, ok
}

func (t *Table) bucketIndexFor(peerID id.NodeID) (int, id.Distance, bool) {
	d := id.XOR(t.localID, peerID)
	if d.IsZero() {
		return -1, d, false
	}
	lz := id.LeadingZeroBits(d)
	idx := lz
	if idx >= len(t.buckets) {
		idx = len(t.buckets) - 1
	}
	return idx, d, true
}

// AddNode attempts to add a peer to the table. It rejects the local ID and
// any identifier that is not a durable 40-hex wire ID (e.g. a transient
// "bootstrap_" ID). If the target bucket is full and splittable, it splits
// and retries; otherwise it applies the classical Kademlia replacement
// policy: evict the least-recently-seen entry only if it is stale or
// dead, else drop the new peer.
func (t *Table) AddNode(r *peer.Record) error {
	if !id.IsValidWireFormat(r.ID().Hex()) {
		return errs.New(errs.InvalidIDFormat, "not a durable peer ID", nil)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.ID().Equal(t.localID) {
		return errs.New(errs.InvalidIDFormat, "refusing to add local ID to routing table", nil)
	}
	return t.addLocked(r)
}

func (t *Table) addLocked(r *peer.Record) error {
	idx, _, ok := t.bucketIndexFor(r.ID())
	if !ok {
		return errs.New(errs.InvalidIDFormat, "peer ID equals local ID", nil)
	}
	bucket := t.buckets[idx]
	switch bucket.Add(r) {
	case kbucket.Added:
		t.total++
		return nil
	case kbucket.Updated:
		return nil
	}

	isLast := idx == len(t.buckets)-1
	if isLast && bucket.Depth < maxDepth {
		t.splitLocked(idx)
		return t.addLocked(r) // retry against the freshly split buckets
	}

	head := bucket.LeastRecentlySeen()
	if head != nil && (!head.Alive() || time.Since(head.LastSeen()) > DefaultStaleThreshold) {
		bucket.Remove(head.ID())
		t.total--
		bucket.Add(r)
		t.total++
		return nil
	}
	logger.Debug("routing table full, dropping new peer", "bucket", idx, "rejected", r.ID())
	return errs.New(errs.RoutingTableFull, "bucket full and head is alive", nil)
}

// splitLocked splits the last bucket in place: bucket[idx] keeps members
// whose leading-zero-count is exactly idx (a now-fixed, non-splitting
// bucket); a new catch-all bucket is appended holding members that go
// deeper, i.e. whose leading-zero-count exceeds idx.
func (t *Table) splitLocked(idx int) {
	old := t.buckets[idx]
	deeper, fixed := old.Split(func(n id.NodeID) bool {
		d := id.XOR(t.localID, n)
		return id.LeadingZeroBits(d) > idx
	})
	t.buckets[idx] = fixed
	t.buckets = append(t.buckets, deeper)
	logger.Debug("split bucket", "index", idx, "newDepth", deeper.Depth)
}

// RemoveNode removes a peer from whichever bucket currently holds it.
func (t *Table) RemoveNode(nodeID id.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, _, ok := t.bucketIndexFor(nodeID)
	if !ok {
		return false
	}
	if t.buckets[idx].Remove(nodeID) {
		t.total--
		return true
	}
	return false
}

// Get returns the peer record for nodeID, if tracked.
func (t *Table) Get(nodeID id.NodeID) (*peer.Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, _, ok := t.bucketIndexFor(nodeID)
	if !ok {
		return nil, false
	}
	return t.buckets[idx].Get(nodeID)
}

type withDistance struct {
	rec *peer.Record
	d   id.Distance
}

// snapshot returns every tracked record, read-locked.
func (t *Table) snapshot() []*peer.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var all []*peer.Record
	for _, b := range t.buckets {
		all = append(all, b.All()...)
	}
	return all
}

// FindClosest returns the N peers in the table closest to target by XOR
// distance, regardless of liveness.
func (t *Table) FindClosest(target id.NodeID, n int) []*peer.Record {
	return t.findClosest(target, n, false)
}

// FindClosestAlive is FindClosest filtered to peers with an active
// connection.
func (t *Table) FindClosestAlive(target id.NodeID, n int) []*peer.Record {
	return t.findClosest(target, n, true)
}

func (t *Table) findClosest(target id.NodeID, n int, aliveOnly bool) []*peer.Record {
	all := t.snapshot()
	scored := make([]withDistance, 0, len(all))
	for _, r := range all {
		if aliveOnly && !(r.Connected() && r.Alive()) {
			continue
		}
		scored = append(scored, withDistance{rec: r, d: id.XOR(target, r.ID())})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].d.Cmp(scored[j].d) < 0 })
	if n > len(scored) {
		n = len(scored)
	}
	out := make([]*peer.Record, n)
	for i := 0; i < n; i++ {
		out[i] = scored[i].rec
	}
	return out
}

// StalePing returns peers across all buckets whose LastSeen predates the
// threshold and so need a liveness ping.
func (t *Table) StalePing(threshold time.Duration) []*peer.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var stale []*peer.Record
	for _, b := range t.buckets {
		stale = append(stale, b.StaleSweep(threshold)...)
	}
	return stale
}

// BucketForRefresh returns the least-recently-updated non-empty bucket's
// index and its last-activity timestamp, for the DHT's adaptive refresh
// routine to decide whether it is due. The index doubles as the exact
// leading-zero-bit count a refresh target for that bucket must carry
// (bucket i holds peers whose distance to the local ID has exactly i
// leading zero bits; for the last, catch-all bucket a target with
// exactly that many also falls inside its range).
func (t *Table) BucketForRefresh() (idx int, lastUpdated time.Time, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best := -1
	var bestTime time.Time
	for i, b := range t.buckets {
		if b.Len() == 0 {
			continue
		}
		if best == -1 || b.LastUpdated().Before(bestTime) {
			best = i
			bestTime = b.LastUpdated()
		}
	}
	if best == -1 {
		return 0, time.Time{}, false
	}
	return best, bestTime, true
}

// NumBuckets returns the current number of buckets (for diagnostics/tests).
func (t *Table) NumBuckets() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// Validate checks the consistency invariants from spec.md §4.C: the sum
// of bucket sizes equals the tracked total, no ID appears twice across
// buckets, and bucket depths are strictly non-decreasing.
func (t *Table) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[id.NodeID]struct{})
	sum := 0
	lastDepth := -1
	for i, b := range t.buckets {
		if b.Depth < lastDepth {
			return fmt.Errorf("bucket %d depth %d < previous depth %d", i, b.Depth, lastDepth)
		}
		lastDepth = b.Depth
		for _, r := range b.All() {
			if _, dup := seen[r.ID()]; dup {
				return fmt.Errorf("duplicate id %s across buckets", r.ID())
			}
			seen[r.ID()] = struct{}{}
			sum++
		}
	}
	if sum != t.total {
		return fmt.Errorf("bucket size sum %d != tracked total %d", sum, t.total)
	}
	return nil
}
