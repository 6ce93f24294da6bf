package transport

import (
	"encoding/json"
	"time"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
)

// Handle is an active, transport-owned link to one peer. It satisfies
// peer.ConnectionHandle so a peer.Record can hold it without the peer
// package depending on transport.
type Handle interface {
	Transport() string // "stream" or "datagram"
	Send(frame interface{}) error
	Close() error
}

// Family names the two transport kinds from spec.md §4.E.
const (
	FamilyStream   = "stream"
	FamilyDatagram = "datagram"
)

// Dialer is implemented by each transport family: stream (direct TCP to
// a published address) and datagram (WebRTC peer channel established via
// an opaque signalling exchange).
type Dialer interface {
	Family() string
	Connect(peerID id.NodeID, locator string) (Handle, error)
	IsConnected(peerID id.NodeID) bool
}

// EventKind distinguishes the three lifecycle events a component E
// implementation emits, replacing duck-typed event-emitter callbacks with
// a single typed channel, per the design notes.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventMessage
)

// PeerEvent is the one permitted backchannel from the transport layer to
// the DHT/pub/sub layers above it.
type PeerEvent struct {
	Kind     EventKind
	PeerID   id.NodeID
	Handle   Handle
	Metadata map[string]string
	Message  json.RawMessage
}

// Hello is the handshake frame exchanged immediately after transport
// open, per spec.md §4.E "Metadata on handshake".
type Hello struct {
	Type            string            `json:"type"`
	NodeID          string            `json:"nodeId"`
	ProtocolVersion string            `json:"protocolVersion"`
	BuildID         string            `json:"buildId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Ping/Pong are the keep-alive frames.
type Ping struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

type Pong struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	TS        int64  `json:"ts"`
}

// Keep-alive tuning, per spec.md §4.E.
const (
	KeepAliveNormal  = 60 * time.Second
	KeepAliveRelaxed = 300 * time.Second
	MaxMissedPings   = 3
)

// classify translates a dial failure into the §7 error taxonomy.
func classify(err error) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.New(errs.Unreachable, "transport dial failed", err)
}
