// Package peer implements PeerRecord (component D): the per-peer state
// tracked by the routing table and transport layer — liveness, RTT,
// failure count, capabilities and metadata.
package peer

import (
	"sync"
	"time"

	"github.com/yznetwork/overlay/id"
)

// failureThreshold is the number of consecutive failures after which a
// peer is considered not alive, per the design's PeerRecord invariant.
const failureThreshold = 3

// ConnectionHandle is an opaque transport-owned handle to an active link.
// The routing table and DHT never reach into it; they only check for its
// presence and ask the transport to act on a peer ID.
type ConnectionHandle interface {
	Transport() string // "stream" or "datagram", for diagnostics
}

// Record is the mutable state of one known peer. A Record is never created
// for the local node's own ID — callers must check that before construction.
type Record struct {
	mu sync.RWMutex

	id       id.NodeID
	endpoint string // opaque transport locator (address, signalling route, ...)

	conn ConnectionHandle

	lastSeen     time.Time
	lastPing     time.Time
	rtt          time.Duration
	failureCount int

	capabilities map[string]struct{}
	metadata     map[string]string
}

// New creates a PeerRecord for a peer at endpoint, not yet connected.
func New(nodeID id.NodeID, endpoint string) *Record {
	return &Record{
		id:           nodeID,
		endpoint:     endpoint,
		lastSeen:     time.Now(),
		capabilities: make(map[string]struct{}),
		metadata:     make(map[string]string),
	}
}

// ID returns the peer's NodeID.
func (r *Record) ID() id.NodeID { return r.id }

// Endpoint returns the opaque transport locator.
func (r *Record) Endpoint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoint
}

// SetConnection installs an active link and starts liveness tracking.
func (r *Record) SetConnection(h ConnectionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = h
	r.lastSeen = time.Now()
}

// ClearConnection removes the active link (on disconnect) without
// resetting liveness counters — the peer may still be known to the
// routing table via its last-seen metadata.
func (r *Record) ClearConnection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = nil
}

// Connected reports whether an active link is installed.
func (r *Record) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn != nil
}

// Connection returns the active connection handle, or nil.
func (r *Record) Connection() ConnectionHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

// RecordPing advances lastPing/lastSeen and records a fresh RTT sample.
func (r *Record) RecordPing(rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.lastPing = now
	r.lastSeen = now
	r.rtt = rtt
}

// Touch advances lastSeen without an RTT sample, e.g. on any inbound RPC.
func (r *Record) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen = time.Now()
}

// RecordFailure increments the failure counter. At failureThreshold the
// peer is no longer Alive.
func (r *Record) RecordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureCount++
}

// ResetFailures clears the failure counter, e.g. after a successful ping.
func (r *Record) ResetFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureCount = 0
}

// Alive reports liveness: failureCount < 3.
func (r *Record) Alive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failureCount < failureThreshold
}

// FailureCount returns the current failure counter value.
func (r *Record) FailureCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failureCount
}

// LastSeen returns the last-activity timestamp.
func (r *Record) LastSeen() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeen
}

// RTT returns the most recent measured round-trip time.
func (r *Record) RTT() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rtt
}

// AddCapability marks a capability the peer has advertised.
func (r *Record) AddCapability(cap string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[cap] = struct{}{}
}

// HasCapability reports whether the peer advertised cap.
func (r *Record) HasCapability(cap string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.capabilities[cap]
	return ok
}

// SetMetadata installs a recognized metadata key (nodeType, isBridgeNode,
// listeningAddress, tabVisible, externalAddress, ...), typically from a
// HELLO frame.
func (r *Record) SetMetadata(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Metadata returns a copy of the metadata map.
func (r *Record) Metadata() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// MetadataValue returns one metadata value and whether it was set.
func (r *Record) MetadataValue(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.metadata[key]
	return v, ok
}

// NodeType recognized values for the "nodeType" metadata key.
const (
	NodeTypeServer = "server-style"
	NodeTypeClient = "client-style"
	NodeTypeBridge = "bridge"
)

// NodeType returns the peer's declared node type, or "" if unset.
func (r *Record) NodeType() string {
	v, _ := r.MetadataValue("nodeType")
	return v
}

// IsBridge reports whether the peer declared isBridgeNode=true.
func (r *Record) IsBridge() bool {
	v, _ := r.MetadataValue("isBridgeNode")
	return v == "true"
}

// TabVisible reports the client-style "tabVisible" flag, defaulting to
// true (i.e. not backgrounded) when unset or for non-client peers — the
// DHT's inactive-peer fast path only kicks in on an explicit false.
func (r *Record) TabVisible() bool {
	v, ok := r.MetadataValue("tabVisible")
	if !ok {
		return true
	}
	return v != "false"
}

// QualityScore is a heuristic used for connection-cap eviction: higher is
// better. 100 base, minus penalties for failures/RTT/age, minus 50 if
// dead, plus 20 if actively connected.
func (r *Record) QualityScore() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	score := 100.0
	score -= 10 * float64(r.failureCount)

	rttPenalty := float64(r.rtt/time.Millisecond) / 10
	if rttPenalty > 50 {
		rttPenalty = 50
	}
	score -= rttPenalty

	ageMinutes := time.Since(r.lastSeen).Minutes()
	if ageMinutes > 30 {
		ageMinutes = 30
	}
	score -= ageMinutes

	if r.failureCount >= failureThreshold {
		score -= 50
	}
	if r.conn != nil {
		score += 20
	}
	return score
}
