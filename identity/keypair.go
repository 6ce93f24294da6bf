// Package identity implements component F: signing key pairs, NodeID
// derivation, membership tokens and invitation tokens.
//
// Key material itself is generated here but persisted by an external
// collaborator (the store package) — identity never assumes a particular
// disk layout.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
)

// KeyPair is an Ed25519 signing identity. The NodeID is derived as
// truncate160(SHA256(publicKey)), per spec.md §4.F.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh random key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.New(errs.Unknown, "generating key pair", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// FromPrivateKey reconstructs a KeyPair from raw private key bytes, e.g.
// after loading from the persisted store.
func FromPrivateKey(priv ed25519.PrivateKey) *KeyPair {
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), private: priv}
}

// PrivateKeyBytes returns the raw private key for persistence. Callers
// are responsible for storing it securely; identity itself never writes
// to disk.
func (k *KeyPair) PrivateKeyBytes() []byte {
	out := make([]byte, len(k.private))
	copy(out, k.private)
	return out
}

// NodeIDFromPublicKey derives the NodeID a bare public key maps to,
// without requiring the matching private key. Used to seed a trust
// anchor with a peer's ID before any KeyPair for it is locally held.
func NodeIDFromPublicKey(pub ed25519.PublicKey) id.NodeID {
	sum := sha256.Sum256(pub)
	var n id.NodeID
	copy(n[:], sum[:id.Len])
	return n
}

// NodeID derives this key pair's NodeID: truncate160(SHA256(publicKey)).
func (k *KeyPair) NodeID() id.NodeID {
	return NodeIDFromPublicKey(k.Public)
}

// Sign produces a detached signature over msg.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// Verify checks a detached signature against a public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}
