// Package id implements 160-bit node identifiers and the XOR-distance
// metric used throughout the overlay (component A of the design).
//
// Two distinct constructors exist on purpose: FromBytes/FromHexExact adopt
// an identifier verbatim, while HashOfString derives one by hashing. Wire
// code must never call HashOfString on a peer ID it received over the
// network — that is the "double hashing" bug class called out in the
// design notes, and it produces phantom IDs that silently corrupt the
// routing table.
package id

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/yznetwork/overlay/errs"
)

// Len is the fixed byte length of a NodeID (160 bits).
const Len = 20

// HexLen is the length of the canonical hex encoding.
const HexLen = Len * 2

// NodeID is an opaque 160-bit identifier. The zero value is not a valid ID.
type NodeID [Len]byte

// Zero is the all-zero identifier, used as a sentinel (never a real peer).
var Zero NodeID

// FromBytes adopts a 20-byte slice directly as a NodeID, with no hashing.
// Use this only when the bytes are already known to be a valid identifier
// (e.g. decoded from storage).
func FromBytes(b []byte) (NodeID, error) {
	var n NodeID
	if len(b) != Len {
		return n, errs.New(errs.InvalidIDFormat, fmt.Sprintf("want %d bytes, got %d", Len, len(b)), nil)
	}
	copy(n[:], b)
	return n, nil
}

// FromHexExact decodes a 40-character hex string into a NodeID verbatim.
// This is the ONLY correct way to turn a wire-received peer ID into a
// NodeID: it must never be rehashed.
func FromHexExact(s string) (NodeID, error) {
	var n NodeID
	if len(s) != HexLen {
		return n, errs.New(errs.InvalidIDFormat, fmt.Sprintf("want %d hex chars, got %d", HexLen, len(s)), nil)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, errs.New(errs.InvalidIDFormat, "not valid hex", err)
	}
	copy(n[:], b)
	return n, nil
}

// HashOfString derives a NodeID by SHA-1-hashing s. Used ONLY for deriving
// storage keys and topic IDs (H(topicID) in the pub/sub design) — never
// for adopting a peer ID received on the wire.
func HashOfString(s string) NodeID {
	sum := sha1.Sum([]byte(s))
	var n NodeID
	copy(n[:], sum[:])
	return n
}

// Bytes returns the 20-byte representation.
func (n NodeID) Bytes() []byte {
	out := make([]byte, Len)
	copy(out, n[:])
	return out
}

// Hex returns the canonical 40-character lowercase hex encoding.
func (n NodeID) Hex() string { return hex.EncodeToString(n[:]) }

func (n NodeID) String() string { return n.Hex() }

// IsZero reports whether this is the sentinel zero ID.
func (n NodeID) IsZero() bool { return n == Zero }

// Equal reports byte-wise equality.
func (n NodeID) Equal(o NodeID) bool { return n == o }

// MarshalJSON encodes a NodeID as its canonical hex string, so wire
// frames carry peer IDs the same way FromHexExact expects to decode them.
func (n NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Hex())
}

// UnmarshalJSON decodes a NodeID from its canonical hex string, via
// FromHexExact — never hashed.
func (n *NodeID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := FromHexExact(s)
	if err != nil {
		return err
	}
	*n = decoded
	return nil
}

// IsValidWireFormat reports whether s is an acceptable identifier for a
// durable DHT peer: exactly 40 hex characters, and not beginning with the
// transient "bootstrap_" prefix the routing table must reject.
func IsValidWireFormat(s string) bool {
	if len(s) != HexLen {
		return false
	}
	if len(s) >= len("bootstrap_") && s[:len("bootstrap_")] == "bootstrap_" {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Distance is the XOR metric between two NodeIDs, itself a 160-bit value
// ordered lexicographically on its big-endian bytes (component A).
type Distance [Len]byte

// XOR computes the bitwise XOR distance between a and b.
func XOR(a, b NodeID) Distance {
	var d Distance
	for i := 0; i < Len; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp orders two distances lexicographically on their big-endian bytes:
// negative if d < o, zero if equal, positive if d > o.
func (d Distance) Cmp(o Distance) int {
	for i := 0; i < Len; i++ {
		if d[i] != o[i] {
			if d[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// IsZero reports whether the distance is zero (identical IDs).
func (d Distance) IsZero() bool {
	for _, b := range d {
		if b != 0 {
			return false
		}
	}
	return true
}

// LeadingZeroBits counts the number of leading zero bits in the distance,
// used to compute the bucket index of a peer relative to the local ID.
func LeadingZeroBits(d Distance) int {
	count := 0
	for _, b := range d {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// BucketIndex returns the routing-table bucket index [0,159] for a peer
// whose distance to the local ID is d. The local ID itself (distance 0)
// maps to no bucket; callers must check IsZero first.
func BucketIndex(d Distance) int {
	return (Len*8 - 1) - LeadingZeroBits(d)
}

func (d Distance) String() string { return hex.EncodeToString(d[:]) }

// RandomWithPrefixLength returns an ID whose XOR distance to local has
// exactly leadingZeroBits leading zero bits: it shares local's first
// leadingZeroBits bits, diverges at the next one, and randomizes the
// rest. Used by the DHT's bucket-refresh routine to pick a lookup target
// that falls inside a given bucket's range (spec.md §4.I).
func RandomWithPrefixLength(local NodeID, leadingZeroBits int) NodeID {
	var out NodeID
	copy(out[:], local[:])
	if leadingZeroBits >= Len*8 {
		return out
	}
	byteIdx := leadingZeroBits / 8
	bitIdx := uint(leadingZeroBits % 8)
	flipMask := byte(0x80) >> bitIdx
	tailMask := flipMask - 1

	out[byteIdx] ^= flipMask // diverge from local at exactly this bit
	out[byteIdx] = (out[byteIdx] &^ tailMask) | (byte(rand.Intn(256)) & tailMask)
	for i := byteIdx + 1; i < Len; i++ {
		out[i] = byte(rand.Intn(256))
	}
	return out
}
