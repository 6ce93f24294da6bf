package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	uuid "github.com/satori/go.uuid"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
)

// MembershipToken is signed proof of admission into the DHT, per
// spec.md §3. Two variants share this shape: a genesis token (IsGenesis,
// signed by the bootstrap coordinator's key, so Issuer is the coordinator
// and Subject the joiner) and an invitation-derived token chained from an
// already-admitted peer.
type MembershipToken struct {
	Subject   id.NodeID
	Issuer    id.NodeID
	IsGenesis bool
	IssuedAt  time.Time
	Expires   time.Time
	Signature []byte
}

func (t *MembershipToken) signingPayload() []byte {
	buf := make([]byte, 0, id.Len*2+1+16)
	buf = append(buf, t.Subject[:]...)
	buf = append(buf, t.Issuer[:]...)
	if t.IsGenesis {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendTime(buf, t.IssuedAt)
	buf = appendTime(buf, t.Expires)
	return buf
}

func appendTime(buf []byte, tm time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(tm.UnixNano()))
	return append(buf, b[:]...)
}

// IssueGenesis creates a genesis membership token for subject, the first
// non-bridge joiner in an empty DHT. It is signed by issuer (the bootstrap
// coordinator's key, acting as network root of trust): Issuer is the
// issuer's NodeID and Subject is the joiner's, so the two differ.
func IssueGenesis(issuer *KeyPair, subject id.NodeID, ttl time.Duration) *MembershipToken {
	t := &MembershipToken{
		Subject:   subject,
		Issuer:    issuer.NodeID(),
		IsGenesis: true,
		IssuedAt:  time.Now(),
		Expires:   time.Now().Add(ttl),
	}
	t.Signature = issuer.Sign(t.signingPayload())
	return t
}

// IssueInvited creates a membership token for subject, signed by issuer —
// an already-admitted member extending trust via an invitation.
func IssueInvited(issuer *KeyPair, subject id.NodeID, ttl time.Duration) *MembershipToken {
	t := &MembershipToken{
		Subject:   subject,
		Issuer:    issuer.NodeID(),
		IsGenesis: false,
		IssuedAt:  time.Now(),
		Expires:   time.Now().Add(ttl),
	}
	t.Signature = issuer.Sign(t.signingPayload())
	return t
}

// TrustAnchor resolves the public key that should be used to verify a
// claimed issuer ID: either the fixed genesis root or a previously
// admitted member's recorded key.
type TrustAnchor interface {
	PublicKeyFor(issuer id.NodeID) (ed25519.PublicKey, bool)
}

// Verifier checks membership and invitation tokens against a trust
// anchor and a local nonce store for invitation single-use enforcement.
type Verifier struct {
	anchor TrustAnchor
	nonces *lru.Cache
	mu     sync.Mutex
}

// NewVerifier creates a Verifier backed by anchor for issuer key lookup,
// with a bounded LRU tracking consumed invitation nonces.
func NewVerifier(anchor TrustAnchor) *Verifier {
	cache, _ := lru.New(4096)
	return &Verifier{anchor: anchor, nonces: cache}
}

// VerifyMembership checks a membership token's signature chain, expiry,
// and that its subject matches the connecting peer's claimed ID.
func (v *Verifier) VerifyMembership(t *MembershipToken, connectingPeer id.NodeID) error {
	if !t.Subject.Equal(connectingPeer) {
		return errs.New(errs.TokenMismatch, "token subject does not match connecting peer", nil)
	}
	if time.Now().After(t.Expires) {
		return errs.New(errs.ExpiredToken, "membership token expired", nil)
	}
	pub, ok := v.anchor.PublicKeyFor(t.Issuer)
	if !ok {
		return errs.New(errs.InvalidToken, fmt.Sprintf("issuer %s is not genesis or a known admitted member", t.Issuer), nil)
	}
	if !Verify(pub, t.signingPayload(), t.Signature) {
		return errs.New(errs.InvalidToken, "signature verification failed", nil)
	}
	return nil
}

// InvitationToken is a single-use, short-lived, signed permission for a
// specific joiner (spec.md §3/§4.F).
type InvitationToken struct {
	Inviter   id.NodeID
	Invitee   id.NodeID
	IssuedAt  time.Time
	Expires   time.Time
	Nonce     string
	Signature []byte
}

func (t *InvitationToken) signingPayload() []byte {
	buf := make([]byte, 0, id.Len*2+len(t.Nonce)+16)
	buf = append(buf, t.Inviter[:]...)
	buf = append(buf, t.Invitee[:]...)
	buf = appendTime(buf, t.IssuedAt)
	buf = appendTime(buf, t.Expires)
	buf = append(buf, []byte(t.Nonce)...)
	return buf
}

// IssueInvitation creates an invitation bound to a single invitee,
// expiring after ttl (a short window, per design: minutes).
func IssueInvitation(inviter *KeyPair, invitee id.NodeID, ttl time.Duration) *InvitationToken {
	t := &InvitationToken{
		Inviter:  inviter.NodeID(),
		Invitee:  invitee,
		IssuedAt: time.Now(),
		Expires:  time.Now().Add(ttl),
		Nonce:    uuid.NewV4().String(),
	}
	t.Signature = inviter.Sign(t.signingPayload())
	return t
}

// VerifyAndConsume checks an invitation token's signature, expiry, single
// use (by nonce), and that invitee matches the presenting joiner. Once
// consumed, replaying the same nonce fails.
func (v *Verifier) VerifyAndConsume(t *InvitationToken, presentingJoiner id.NodeID, inviterPub ed25519.PublicKey) error {
	if !t.Invitee.Equal(presentingJoiner) {
		return errs.New(errs.TokenMismatch, "invitation invitee does not match joiner", nil)
	}
	if time.Now().After(t.Expires) {
		return errs.New(errs.ExpiredToken, "invitation token expired", nil)
	}
	if !Verify(inviterPub, t.signingPayload(), t.Signature) {
		return errs.New(errs.InvalidToken, "invitation signature verification failed", nil)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.nonces.Contains(t.Nonce) {
		return errs.New(errs.InvalidToken, "invitation nonce already consumed", nil)
	}
	v.nonces.Add(t.Nonce, struct{}{})
	return nil
}
