package pubsub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/store"
)

// topicState is the authoritative per-topic record held by whichever
// node is currently elected coordinator for it (spec.md §3 Topic,
// §4.J). Nothing moves a topicState between nodes when the elected
// coordinator changes: a newly elected coordinator creates a fresh
// topicState at version 0 with no subscribers and no messages.
type topicState struct {
	mu          sync.Mutex
	topicIDHex  string
	version     uint64
	subscribers map[id.NodeID]struct{}
	messages    []storedMessage
	expiry      *expiryQueue
}

func newTopicState(topicIDHex string) *topicState {
	return &topicState{
		topicIDHex:  topicIDHex,
		subscribers: make(map[id.NodeID]struct{}),
		expiry:      newExpiryQueue(),
	}
}

// snapshot returns the current version, subscriber list and non-expired
// message slice, per spec.md §4.J "Historical replay".
func (t *topicState) snapshot(now time.Time) (uint64, []id.NodeID, []MessageEnvelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := make([]id.NodeID, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	msgs := make([]MessageEnvelope, 0, len(t.messages))
	for _, m := range t.messages {
		if !m.Envelope.Expired(now) {
			msgs = append(msgs, m.Envelope)
		}
	}
	return t.version, subs, msgs
}

func (t *topicState) addSubscriber(subscriber id.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[subscriber] = struct{}{}
}

func (t *topicState) removeSubscriber(subscriber id.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, subscriber)
}

func (t *topicState) subscriberList() []id.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]id.NodeID, 0, len(t.subscribers))
	for s := range t.subscribers {
		out = append(out, s)
	}
	return out
}

// appendMessage accepts a freshly published envelope, assigns it the
// next version, and queues it for expiry-driven garbage collection.
func (t *topicState) appendMessage(env MessageEnvelope) storedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version++
	sm := storedMessage{Envelope: env, Version: t.version}
	t.messages = append(t.messages, sm)
	if !env.ExpiresAt.IsZero() {
		t.expiry.push(env.MessageID, env.ExpiresAt)
	}
	return sm
}

// sweepExpired purges any message past its expiry, per spec.md §4.J
// "Garbage collection".
func (t *topicState) sweepExpired(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	expired := t.expiry.popExpired(now)
	if len(expired) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(expired))
	for _, id := range expired {
		drop[id] = struct{}{}
	}
	kept := t.messages[:0]
	for _, m := range t.messages {
		if _, gone := drop[m.Envelope.MessageID]; gone {
			continue
		}
		kept = append(kept, m)
	}
	t.messages = kept
}

// persist writes the topic's current subscriber list and message
// collection to the durable store, per spec.md §6 "Persisted state".
func (t *topicState) persist(s store.Store) error {
	t.mu.Lock()
	subs := make([]string, 0, len(t.subscribers))
	for sub := range t.subscribers {
		subs = append(subs, sub.Hex())
	}
	wireMsgs := make([]WireEnvelope, 0, len(t.messages))
	for _, m := range t.messages {
		wireMsgs = append(wireMsgs, m.Envelope.toWire())
	}
	version := t.version
	t.mu.Unlock()

	subsBlob, err := json.Marshal(subs)
	if err != nil {
		return err
	}
	if err := s.Put(store.TopicSubscribersKey(t.topicIDHex), subsBlob); err != nil {
		return err
	}
	msgsBlob, err := json.Marshal(wireMsgs)
	if err != nil {
		return err
	}
	return s.Put(store.TopicMessagesKey(t.topicIDHex, version), msgsBlob)
}
