// Package dht implements component I: the Kademlia core — iterative
// lookups, store, maintenance and application-message routing — layered
// on routing.Table, peer.Record and transport.ConnectionManager.
package dht

import (
	"encoding/json"

	"github.com/yznetwork/overlay/id"
)

// Wire message shapes, per spec.md §6 "Core DHT RPCs".

type PingMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

type PongMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	TS        int64  `json:"ts"`
}

type FindNodeMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Target    string `json:"target"`
	Fast      bool   `json:"fast,omitempty"`
}

// WirePeer is the {id, addr?, lastSeen?, nodeType?, isBridgeNode?,
// tabVisible?, listeningAddress?} shape from spec.md §6.
type WirePeer struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type NodesMsg struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	Peers     []WirePeer `json:"peers"`
}

type FindValueMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Key       string `json:"key"`
}

type ValueMsg struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	Found     bool       `json:"found"`
	Value     []byte     `json:"value,omitempty"`
	Peers     []WirePeer `json:"peers,omitempty"`
}

type StoreMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expiresAt"`
}

type StoredMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
}

type DHTMessageMsg struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Dest      string          `json:"dest"`
	HopsLeft  int             `json:"hopsLeft"`
	Envelope  json.RawMessage `json:"envelope"`
}

func wirePeerFrom(peerID id.NodeID, metadata map[string]string) WirePeer {
	return WirePeer{ID: peerID.Hex(), Metadata: metadata}
}
