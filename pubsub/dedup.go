package pubsub

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// dedupCacheSize bounds the receiver-side "messageID -> firstSeen" map
// from spec.md §4.J "Deduplication".
const dedupCacheSize = 8192

// defaultDedupTTL is the fallback retention window when an envelope's
// expiry doesn't warrant a longer one.
const defaultDedupTTL = 10 * time.Minute

// receiverDedup tracks delivered messageIDs so that
// "deliver(m); deliver(m)" is observably identical to "deliver(m)"
// (spec.md §8 "Pub/sub dedup idempotence"). Entries are evicted after
// max(10 minutes, 2*time-to-expiry) has elapsed since first delivery,
// per spec.md §4.J.
type receiverDedup struct {
	mu    sync.Mutex
	cache *lru.Cache
}

type dedupEntry struct {
	firstSeen time.Time
	ttl       time.Duration
}

func newReceiverDedup() *receiverDedup {
	c, _ := lru.New(dedupCacheSize)
	return &receiverDedup{cache: c}
}

// seenAndRecord reports whether messageID was already delivered within
// its retention window, recording it as delivered if not.
func (d *receiverDedup) seenAndRecord(messageID string, expiresAt time.Time) bool {
	ttl := defaultDedupTTL
	if until := time.Until(expiresAt); until > 0 && 2*until > ttl {
		ttl = 2 * until
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.cache.Get(messageID); ok {
		e := v.(dedupEntry)
		if time.Since(e.firstSeen) < e.ttl {
			return true
		}
	}
	d.cache.Add(messageID, dedupEntry{firstSeen: time.Now(), ttl: ttl})
	return false
}
