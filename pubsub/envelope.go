package pubsub

import (
	"time"

	"github.com/yznetwork/overlay/id"
)

// MessageEnvelope is the application message unit of spec.md §3:
// globally unique by MessageID (nonce+publisherID), dedup'd by receivers
// on that ID.
type MessageEnvelope struct {
	MessageID   string
	TopicID     id.NodeID
	PublisherID id.NodeID
	PublishedAt time.Time
	Payload     []byte
	ExpiresAt   time.Time
}

// Expired reports whether the envelope is past its expiry at now.
func (e MessageEnvelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func (e MessageEnvelope) toWire() WireEnvelope {
	return WireEnvelope{
		MessageID:   e.MessageID,
		TopicID:     e.TopicID.Hex(),
		PublisherID: e.PublisherID.Hex(),
		PublishedAt: e.PublishedAt.UnixNano(),
		Payload:     append([]byte(nil), e.Payload...),
		ExpiresAt:   e.ExpiresAt.UnixNano(),
	}
}

func fromWire(w WireEnvelope) (MessageEnvelope, error) {
	topicID, err := id.FromHexExact(w.TopicID)
	if err != nil {
		return MessageEnvelope{}, err
	}
	publisherID, err := id.FromHexExact(w.PublisherID)
	if err != nil {
		return MessageEnvelope{}, err
	}
	return MessageEnvelope{
		MessageID:   w.MessageID,
		TopicID:     topicID,
		PublisherID: publisherID,
		PublishedAt: time.Unix(0, w.PublishedAt),
		Payload:     append([]byte(nil), w.Payload...),
		ExpiresAt:   time.Unix(0, w.ExpiresAt),
	}, nil
}

// storedMessage is one entry in a coordinator's authoritative message
// collection, stamped with the topic version in effect when it was
// accepted.
type storedMessage struct {
	Envelope MessageEnvelope
	Version  uint64
}

// versionOrder implements the subscriber-side total order of spec.md §5:
// "(version, publishedAt, messageID)", tolerating out-of-order arrival.
func versionOrder(a, b storedMessage) bool {
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	if !a.Envelope.PublishedAt.Equal(b.Envelope.PublishedAt) {
		return a.Envelope.PublishedAt.Before(b.Envelope.PublishedAt)
	}
	return a.Envelope.MessageID < b.Envelope.MessageID
}

// SubscribeResult is returned from Subscribe, carrying the coordinator's
// current topic state and whether this call shared its RPC with a
// concurrent caller (spec.md §4.J "Concurrent joins").
type SubscribeResult struct {
	Version        uint64
	Subscribers    []id.NodeID
	RecentMessages []MessageEnvelope
	Concurrent     bool
}
