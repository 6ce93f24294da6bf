package node

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"

	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/identity"
)

// trustAnchor is identity.Verifier's TrustAnchor: it resolves the public
// key for a claimed token issuer. NodeIDs are one-way hashes of a public
// key (spec.md §4.F), so the key itself must be learned out of band — the
// genesis/bootstrap root is configured at startup, and every other
// admitted member's key is learned the moment its HELLO/register
// metadata is observed (the "publicKey" field added by Config in
// SPEC_FULL.md's identity wiring).
type trustAnchor struct {
	mu   sync.RWMutex
	keys map[id.NodeID]ed25519.PublicKey
}

var _ identity.TrustAnchor = (*trustAnchor)(nil)

func newTrustAnchor() *trustAnchor {
	return &trustAnchor{keys: make(map[id.NodeID]ed25519.PublicKey)}
}

// seedGenesis installs the genesis/bootstrap root's public key, the only
// trust anchor entry that cannot be learned from a peer handshake.
func (a *trustAnchor) seedGenesis(genesisID id.NodeID, pub ed25519.PublicKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[genesisID] = pub
}

// learn records a peer's public key once observed on a HELLO or register
// frame, so later membership-token verification can resolve it.
func (a *trustAnchor) learn(peerID id.NodeID, metadata map[string]string) {
	hexKey, ok := metadata["publicKey"]
	if !ok || hexKey == "" {
		return
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.keys[peerID]; !exists {
		a.keys[peerID] = ed25519.PublicKey(raw)
	}
}

// PublicKeyFor implements identity.TrustAnchor.
func (a *trustAnchor) PublicKeyFor(issuer id.NodeID) (ed25519.PublicKey, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	k, ok := a.keys[issuer]
	return k, ok
}
