package dht

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"gopkg.in/fatih/set.v0"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/peer"
)

// candidate is one frontier entry in an iterative lookup.
type candidate struct {
	peerID   id.NodeID
	distance id.Distance
}

// inactiveFastPathTimeout is the shortened per-RPC timeout applied to
// client-style peers whose metadata declares tabVisible=false.
const inactiveFastPathTimeout = 1 * time.Second
const defaultRPCTimeout = 5 * time.Second

// FindNode is the iterative, α-parallel lookup of spec.md §4.I.
func (k *Kademlia) FindNode(target id.NodeID) []*peer.Record {
	metLookups.Inc(1)
	return k.findNodeFrom(target, k.table.FindClosestAlive(target, K))
}

// FindNodeWithRedundancy runs r parallel FindNode executions from
// disjoint initial sets and merges the results, per spec.md §4.I.
func (k *Kademlia) FindNodeWithRedundancy(target id.NodeID, r int) []*peer.Record {
	pool := k.table.FindClosestAlive(target, K*r)
	var wg sync.WaitGroup
	resultsCh := make(chan []*peer.Record, r)
	chunk := (len(pool) + r - 1)
	if r > 0 {
		chunk /= r
	}
	for i := 0; i < r; i++ {
		start := i * chunk
		if start >= len(pool) {
			break
		}
		end := start + chunk
		if end > len(pool) {
			end = len(pool)
		}
		initial := pool[start:end]
		wg.Add(1)
		go func(initial []*peer.Record) {
			defer wg.Done()
			resultsCh <- k.findNodeFrom(target, initial)
		}(initial)
	}
	wg.Wait()
	close(resultsCh)

	seen := make(map[id.NodeID]*peer.Record)
	for res := range resultsCh {
		for _, r := range res {
			seen[r.ID()] = r
		}
	}
	merged := make([]*peer.Record, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sortByDistance(merged, target)
	return merged
}

func (k *Kademlia) findNodeFrom(target id.NodeID, initial []*peer.Record) []*peer.Record {
	asked := set.New()
	seen := make(map[id.NodeID]*peer.Record)
	frontier := make([]candidate, 0, len(initial))
	for _, r := range initial {
		seen[r.ID()] = r
		frontier = append(frontier, candidate{peerID: r.ID(), distance: id.XOR(target, r.ID())})
	}
	sortFrontier(frontier)

	deadline := time.Now().Add(lookupTimeout)
	hop := 0
	for hop < hopBudget && time.Now().Before(deadline) {
		hop++
		round := k.pickRound(frontier, asked)
		if len(round) == 0 {
			break
		}

		type roundResult struct {
			peers []WirePeer
		}
		resultsCh := make(chan roundResult, len(round))
		var wg sync.WaitGroup
		for _, c := range round {
			asked.Add(c.peerID)
			wg.Add(1)
			go func(c candidate) {
				defer wg.Done()
				peers, err := k.queryFindNode(c.peerID, target)
				if err != nil {
					if r, ok := k.table.Get(c.peerID); ok {
						r.RecordFailure()
					}
					return
				}
				resultsCh <- roundResult{peers: peers}
			}(c)
		}
		wg.Wait()
		close(resultsCh)

		closerFound := false
		for res := range resultsCh {
			for _, wp := range res.peers {
				pid, err := id.FromHexExact(wp.ID)
				if err != nil || pid.Equal(k.localID) {
					continue
				}
				if _, already := seen[pid]; already {
					continue
				}
				r := peer.New(pid, "")
				for mk, mv := range wp.Metadata {
					r.SetMetadata(mk, mv)
				}
				seen[pid] = r
				d := id.XOR(target, pid)
				frontier = append(frontier, candidate{peerID: pid, distance: d})
				closerFound = true
			}
		}
		sortFrontier(frontier)
		if !closerFound {
			break
		}
	}

	out := make([]*peer.Record, 0, K)
	for i, c := range frontier {
		if i >= K {
			break
		}
		if r, ok := seen[c.peerID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// pickRound selects up to Alpha unqueried closest candidates.
func (k *Kademlia) pickRound(frontier []candidate, asked *set.Set) []candidate {
	round := make([]candidate, 0, Alpha)
	for _, c := range frontier {
		if asked.Has(c.peerID) {
			continue
		}
		round = append(round, c)
		if len(round) == Alpha {
			break
		}
	}
	return round
}

// queryFindNode sends FIND_NODE to peerID and waits for a reply, applying
// the inactive-peer fast path when the peer's routing-table metadata
// marks it backgrounded.
func (k *Kademlia) queryFindNode(peerID id.NodeID, target id.NodeID) ([]WirePeer, error) {
	if k.rateLimited(peerID) {
		return nil, errs.New(errs.Timeout, "find_node rate-limited for this peer", nil)
	}

	timeout := defaultRPCTimeout
	fast := false
	if r, ok := k.table.Get(peerID); ok && !r.TabVisible() {
		timeout = inactiveFastPathTimeout
		fast = true
	}

	reqID := newRequestID()
	ch := k.awaitReply(reqID)
	defer k.cancelReply(reqID)

	if err := k.conns.Send(peerID, FindNodeMsg{Type: "find_node", RequestID: reqID, Target: target.Hex(), Fast: fast}); err != nil {
		return nil, errs.New(errs.Unreachable, "find_node send failed", err)
	}
	select {
	case raw := <-ch:
		var nodes NodesMsg
		if err := json.Unmarshal(raw, &nodes); err != nil {
			return nil, errs.New(errs.Unknown, "malformed nodes reply", err)
		}
		return nodes.Peers, nil
	case <-time.After(timeout):
		return nil, errs.New(errs.Timeout, "find_node timed out", nil)
	}
}

// FindValue implements spec.md §4.I findValue, including Kademlia
// caching at the closest peer that did not have the value.
func (k *Kademlia) FindValue(key string) ([]byte, bool, error) {
	target := id.HashOfString(key)
	asked := set.New()
	frontier := k.table.FindClosestAlive(target, K)
	tried := make(map[id.NodeID]struct{})

	for round := 0; round < hopBudget; round++ {
		var next []*peer.Record
		for _, r := range frontier {
			if _, done := tried[r.ID()]; done {
				continue
			}
			if asked.Has(r.ID()) {
				continue
			}
			asked.Add(r.ID())
			tried[r.ID()] = struct{}{}

			value, found, peers, err := k.queryFindValue(r.ID(), key)
			if err != nil {
				r.RecordFailure()
				continue
			}
			if found {
				k.cacheAtClosestMiss(frontier, r.ID(), key, value)
				return value, true, nil
			}
			for _, wp := range peers {
				pid, err := id.FromHexExact(wp.ID)
				if err != nil || pid.Equal(k.localID) {
					continue
				}
				rr := peer.New(pid, "")
				next = append(next, rr)
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = append(frontier, next...)
		sortByDistance(frontier, target)
		if len(frontier) > K {
			frontier = frontier[:K]
		}
	}
	return nil, false, nil
}

func (k *Kademlia) queryFindValue(peerID id.NodeID, key string) ([]byte, bool, []WirePeer, error) {
	reqID := newRequestID()
	ch := k.awaitReply(reqID)
	defer k.cancelReply(reqID)

	if err := k.conns.Send(peerID, FindValueMsg{Type: "find_value", RequestID: reqID, Key: key}); err != nil {
		return nil, false, nil, errs.New(errs.Unreachable, "find_value send failed", err)
	}
	select {
	case raw := <-ch:
		var v ValueMsg
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false, nil, errs.New(errs.Unknown, "malformed value reply", err)
		}
		return v.Value, v.Found, v.Peers, nil
	case <-time.After(defaultRPCTimeout):
		return nil, false, nil, errs.New(errs.Timeout, "find_value timed out", nil)
	}
}

// cacheAtClosestMiss stores value at the frontier peer closest to the key
// other than the one that returned it, the Kademlia caching optimization.
// That peer may or may not have been queried in this lookup.
func (k *Kademlia) cacheAtClosestMiss(frontier []*peer.Record, foundAt id.NodeID, key string, value []byte) {
	target := id.HashOfString(key)
	sortByDistance(frontier, target)
	for _, r := range frontier {
		if r.ID().Equal(foundAt) {
			continue
		}
		k.conns.Send(r.ID(), StoreMsg{Type: "store", RequestID: newRequestID(), Key: key, Value: value, ExpiresAt: time.Now().Add(time.Hour).Unix()})
		return
	}
}

// Store implements spec.md §4.I store: findNode(key) then STORE to the
// Replicate closest alive peers, returning the number of acknowledgements.
func (k *Kademlia) Store(key string, value []byte, ttl time.Duration) int {
	metStores.Inc(1)
	target := id.HashOfString(key)
	closest := k.FindNode(target)
	if len(closest) > Replicate {
		closest = closest[:Replicate]
	}

	acks := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	expiresAt := time.Now().Add(ttl).Unix()
	for _, r := range closest {
		wg.Add(1)
		go func(r *peer.Record) {
			defer wg.Done()
			if k.storeAt(r.ID(), key, value, expiresAt) {
				mu.Lock()
				acks++
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	return acks
}

func (k *Kademlia) storeAt(peerID id.NodeID, key string, value []byte, expiresAt int64) bool {
	reqID := newRequestID()
	ch := k.awaitReply(reqID)
	defer k.cancelReply(reqID)

	if err := k.conns.Send(peerID, StoreMsg{Type: "store", RequestID: reqID, Key: key, Value: value, ExpiresAt: expiresAt}); err != nil {
		return false
	}
	select {
	case raw := <-ch:
		var stored StoredMsg
		if json.Unmarshal(raw, &stored) != nil {
			return false
		}
		return stored.OK
	case <-time.After(defaultRPCTimeout):
		return false
	}
}

func sortFrontier(frontier []candidate) {
	sort.Slice(frontier, func(i, j int) bool {
		return frontier[i].distance.Cmp(frontier[j].distance) < 0
	})
}

func sortByDistance(records []*peer.Record, target id.NodeID) {
	sort.Slice(records, func(i, j int) bool {
		di := id.XOR(target, records[i].ID())
		dj := id.XOR(target, records[j].ID())
		return di.Cmp(dj) < 0
	})
}
