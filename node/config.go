// Package node is the composition root: it wires the identifier, routing,
// transport, DHT and pub/sub components (A-E, I, J) together with the
// bootstrap protocol (F, G) into one running participant, the way the
// teacher's node package wires its registered Services onto a *p2p.Server.
//
// Unlike the teacher's global *node.Node singleton, Config/Node carry every
// dependency explicitly (no package-level state) per the design notes'
// "Global mutable singletons" re-architecture.
package node

import (
	"crypto/ed25519"
	"encoding/hex"
	"time"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/identity"
)

// decodeGenesisPublicKey parses Config.GenesisPublicKeyHex into an
// Ed25519 public key.
func decodeGenesisPublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errs.New(errs.InvalidIDFormat, "malformed genesis public key", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errs.New(errs.InvalidIDFormat, "genesis public key has wrong length", nil)
	}
	return ed25519.PublicKey(raw), nil
}

// NodeType mirrors spec.md §3 PeerRecord.metadata["nodeType"].
const (
	NodeTypeServer = "server-style"
	NodeTypeClient = "client-style"
	NodeTypeBridge = "bridge"
)

const (
	// ProtocolVersion is this build's semver-like wire version, gated at
	// bootstrap registration per spec.md §6 "Version gate".
	ProtocolVersion = "1.4.0"
	// genesisTokenTTL is how long a freshly-issued genesis token remains
	// valid before it must be renewed.
	genesisTokenTTL = 24 * time.Hour
	invitationTTL   = 5 * time.Minute
)

// Config assembles everything a Node needs to start. Exactly one of
// ListenAddress (server-style, direct stream transport) or none
// (client-style, datagram transport relayed through the bootstrap/bridge
// signalling channel) should be set.
type Config struct {
	// NodeType is advertised in the HELLO/register metadata and drives
	// transport family selection.
	NodeType string
	// IsBridgeNode marks this participant as a relay for NAT-restricted
	// joiners, per spec.md §4.H.
	IsBridgeNode bool

	// DataDir holds the persisted store (identity key, membership token,
	// durable topic state). Empty means ephemeral, in-memory only.
	DataDir string
	// StoreBackend selects "leveldb" (default) or "badger".
	StoreBackend string

	// ListenAddress is this node's published stream-transport address,
	// set only for directly-reachable, server-style participants.
	ListenAddress string

	// BootstrapURL is the websocket URL of the bootstrap coordinator.
	BootstrapURL string
	// BuildID is compared advisorily against the bootstrap server's,
	// per spec.md §6 "Version gate".
	BuildID string

	// BridgeAuthToken authenticates this node on the bootstrap server's
	// bootstrap_auth backchannel; only meaningful when IsBridgeNode.
	BridgeAuthToken string

	// GenesisPublicKeyHex is the hex-encoded Ed25519 public key of the
	// network's genesis/bootstrap root, distributed out of band. It seeds
	// this node's trust anchor so genesis and chained membership tokens
	// can be cryptographically verified rather than merely trusted
	// because they arrived over the bootstrap link (spec.md §4.F).
	GenesisPublicKeyHex string
}

func (c *Config) buildID() string {
	if c.BuildID == "" {
		return "unknown"
	}
	return c.BuildID
}

func (c *Config) nodeType() string {
	if c.IsBridgeNode {
		return NodeTypeBridge
	}
	if c.NodeType != "" {
		return c.NodeType
	}
	if c.ListenAddress != "" {
		return NodeTypeServer
	}
	return NodeTypeClient
}

// registrationMetadata is the metadata map sent on `register` and
// exchanged again in the transport HELLO frame, per spec.md §3 PeerRecord
// and §4.E "Metadata on handshake".
func (c *Config) registrationMetadata(pub *identity.KeyPair) map[string]string {
	md := map[string]string{
		"nodeType":  c.nodeType(),
		"publicKey": hex.EncodeToString(pub.Public),
	}
	if c.IsBridgeNode {
		md["isBridgeNode"] = "true"
	}
	if c.ListenAddress != "" {
		md["listeningAddress"] = c.ListenAddress
	}
	return md
}
