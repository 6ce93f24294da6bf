// Package pubsub implements component J: per-topic coordinator election
// by DHT distance, subscription with historical replay, publication with
// dedup, and retry-with-backoff joins, per spec.md §4.J.
package pubsub

import "encoding/json"

// WireEnvelope is the on-the-wire shape of a MessageEnvelope, per
// spec.md §3 and §6.
type WireEnvelope struct {
	MessageID   string          `json:"messageID"`
	TopicID     string          `json:"topicID"`
	PublisherID string          `json:"publisherID"`
	PublishedAt int64           `json:"publishedAt"`
	Payload     json.RawMessage `json:"payload"`
	ExpiresAt   int64           `json:"expiresAt"`
}

// Wire message shapes, per spec.md §6 "Pub/sub RPCs".

type SubscribeMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	TopicID   string `json:"topicID"`
}

type SubscribeReplyMsg struct {
	Type           string         `json:"type"`
	RequestID      string         `json:"requestId"`
	Version        uint64         `json:"version"`
	Subscribers    []string       `json:"subscribers"`
	RecentMessages []WireEnvelope `json:"recentMessages"`
}

type UnsubscribeMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	TopicID   string `json:"topicID"`
}

type PublishMsg struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId"`
	Envelope  WireEnvelope `json:"envelope"`
}

type PublishReplyMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	MessageID string `json:"messageID"`
	Accepted  bool   `json:"accepted"`
}

// PushMsg carries no requestId: it rides the DHT message-routing layer
// (component I's DHT_MESSAGE) as an opaque application envelope and
// expects no direct reply, per spec.md §6.
type PushMsg struct {
	Type     string       `json:"type"`
	TopicID  string       `json:"topicID"`
	Envelope WireEnvelope `json:"envelope"`
}

type TopicInfoMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	TopicID   string `json:"topicID"`
}

type TopicInfoReplyMsg struct {
	Type        string         `json:"type"`
	RequestID   string         `json:"requestId"`
	Version     uint64         `json:"version"`
	Subscribers []string       `json:"subscribers"`
	Messages    []WireEnvelope `json:"messages"`
}
