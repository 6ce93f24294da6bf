package dht

import (
	"time"

	"github.com/yznetwork/overlay/id"
)

// Run drives the DHT maintenance plane of spec.md §4.I: adaptive bucket
// refresh, periodic keep-alive pings and stale-entry cleanup. It blocks
// until Close is called, mirroring the teacher's table.go loop() shape
// (one goroutine, ticker-driven, select over a close signal) collapsed
// onto plain tickers since this core has no external refresh-request
// callers the way the teacher's table does.
func (k *Kademlia) Run() {
	maintenance := time.NewTicker(BucketMaintenanceInterval)
	ping := time.NewTicker(PingInterval)
	cleanup := time.NewTicker(StaleCleanupInterval)
	defer maintenance.Stop()
	defer ping.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-maintenance.C:
			k.refreshStaleBuckets()
		case <-ping.C:
			k.pingStalePeers()
		case <-cleanup.C:
			k.cleanupDeadPeers()
		case <-k.stop:
			return
		}
	}
}

// Close stops the maintenance loop started by Run.
func (k *Kademlia) Close() { close(k.stop) }

// refreshInterval picks between the aggressive and standard refresh
// periods of spec.md §4.I: aggressive while the network is thin
// (connectedAlive < k/2) or not yet RUNNING, standard otherwise.
func (k *Kademlia) refreshInterval() time.Duration {
	if k.ConnectedCount() < K/2 || k.State() != StateRunning {
		return AggressiveRefreshInterval
	}
	return StandardRefreshInterval
}

// refreshStaleBuckets implements "refreshStaleBuckets issues a
// findNode(randomIDInBucketRange) only for buckets with no activity
// within 2*currentInterval" (spec.md §4.I). It inspects only the single
// least-recently-updated bucket per tick; a bucket that is still fresh
// means every bucket is fresh, since BucketForRefresh always returns the
// oldest one.
func (k *Kademlia) refreshStaleBuckets() {
	idx, lastUpdated, ok := k.table.BucketForRefresh()
	if !ok {
		return
	}
	interval := k.refreshInterval()
	if time.Since(lastUpdated) < 2*interval {
		return
	}
	k.refreshBucket(idx)
}

// refreshBucket issues a findNode against a random target falling inside
// bucket idx's range, used both by the periodic sweep above and by
// OnPeerConnected's one-shot refresh of the bucket a newly-admitted peer
// landed in.
func (k *Kademlia) refreshBucket(idx int) {
	target := id.RandomWithPrefixLength(k.localID, idx)
	k.log.Debug("refreshing bucket", "bucket", idx, "target", target)
	k.FindNode(target)
}

// pingStalePeers sends a liveness PING to every peer StalePing surfaces,
// per the ping maintenance tick of spec.md §4.I (PingInterval). Failures
// are recorded on the peer by Ping itself; they do not block the sweep.
func (k *Kademlia) pingStalePeers() {
	for _, r := range k.table.StalePing(pingStaleThreshold) {
		peerID := r.ID()
		go func() {
			if err := k.Ping(peerID, defaultRPCTimeout); err != nil {
				k.log.Debug("stale-peer ping failed", "peer", peerID, "err", err)
			}
		}()
	}
}

// cleanupDeadPeers evicts routing-table entries that have crossed the
// failure cap (PeerRecord.Alive() == false), per the stale-cleanup tick
// of spec.md §4.I and the §3 invariant "failureCount>=3 => !alive".
func (k *Kademlia) cleanupDeadPeers() {
	for _, r := range k.table.StalePing(pingStaleThreshold) {
		if !r.Alive() {
			k.table.RemoveNode(r.ID())
			k.log.Debug("evicted dead peer on stale cleanup", "peer", r.ID())
		}
	}
}

// pingStaleThreshold is the LastSeen age past which a peer is a
// candidate for a liveness check or eviction sweep.
const pingStaleThreshold = PingInterval
