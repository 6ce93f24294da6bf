package dht

import (
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
)

const dedupCacheSize = 8192
const dedupTTL = 10 * time.Minute

// messageDedup tracks (id, origin) pairs recently forwarded, preventing
// loops and retransmission storms per spec.md §4.I.
type messageDedup struct {
	mu    sync.Mutex
	cache *lru.Cache
}

type dedupKey struct {
	id     string
	origin string
}

func newMessageDedup() *messageDedup {
	c, _ := lru.New(dedupCacheSize)
	return &messageDedup{cache: c}
}

// seen reports whether (msgID, origin) was already forwarded within the
// dedup TTL, and records it if not.
func (d *messageDedup) seen(msgID, origin string) bool {
	key := dedupKey{id: msgID, origin: origin}
	d.mu.Lock()
	defer d.mu.Unlock()
	if firstSeen, ok := d.cache.Get(key); ok {
		if time.Since(firstSeen.(time.Time)) < dedupTTL {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}

// SendMessage routes an application envelope to dest, choosing the next
// hop toward it from the local routing table. Each call mints a fresh
// requestId: it is the (requestId, origin) pair handleDHTMessage's loop
// dedup keys on, so a stable or empty id here would make every message
// this node ever sends to the same next hop look like a retransmission
// of the first one.
func (k *Kademlia) SendMessage(dest id.NodeID, envelope json.RawMessage) error {
	reqID := newRequestID()
	if k.conns.IsConnected(dest) {
		return k.conns.Send(dest, DHTMessageMsg{Type: "dht_message", RequestID: reqID, Dest: dest.Hex(), HopsLeft: hopBudget, Envelope: envelope})
	}
	next := k.nextHop(dest)
	if next.IsZero() {
		return errs.New(errs.Unreachable, "no route to destination", nil)
	}
	return k.conns.Send(next, DHTMessageMsg{Type: "dht_message", RequestID: reqID, Dest: dest.Hex(), HopsLeft: hopBudget, Envelope: envelope})
}

// handleDHTMessage delivers to the local application if this node is the
// destination, otherwise forwards toward dest with a decremented hop
// budget, deduplicating on (requestId, from).
func (k *Kademlia) handleDHTMessage(from id.NodeID, raw json.RawMessage) {
	var msg DHTMessageMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if k.dedup.seen(msg.RequestID, from.Hex()) {
		return
	}
	dest, err := id.FromHexExact(msg.Dest)
	if err != nil {
		return
	}
	if dest.Equal(k.localID) {
		if k.onMessage != nil {
			k.onMessage(msg.Envelope)
		}
		return
	}
	if msg.HopsLeft <= 1 {
		k.log.Debug("dht_message dropped: hop budget exhausted", "dest", dest)
		return
	}
	next := k.nextHop(dest)
	if next.IsZero() {
		return
	}
	metForwarded.Inc(1)
	k.conns.Send(next, DHTMessageMsg{Type: "dht_message", RequestID: msg.RequestID, Dest: msg.Dest, HopsLeft: msg.HopsLeft - 1, Envelope: msg.Envelope})
}

// nextHop picks the closest connected peer to dest, excluding the local
// node, as the next hop in application-message forwarding.
func (k *Kademlia) nextHop(dest id.NodeID) id.NodeID {
	closest := k.table.FindClosestAlive(dest, K)
	for _, r := range closest {
		if !r.ID().Equal(k.localID) {
			return r.ID()
		}
	}
	return id.Zero
}
