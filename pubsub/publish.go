package pubsub

import (
	"encoding/json"
	"time"

	uuid "github.com/pborman/uuid"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
)

// Publish locates topicID's coordinator and sends it a discrete
// message, per spec.md §4.J. messageID is a nonce+publisherID pair,
// globally unique per spec.md §3.
func (c *Coordinator) Publish(topicID string, payload []byte, ttl time.Duration) (string, error) {
	if err := c.healthGate(); err != nil {
		return "", err
	}
	target := id.HashOfString(topicID)
	if ttl <= 0 {
		ttl = defaultMsgTTL
	}
	env := MessageEnvelope{
		MessageID:   uuid.New() + ":" + c.localID.Hex(),
		TopicID:     target,
		PublisherID: c.localID,
		PublishedAt: time.Now(),
		Payload:     payload,
		ExpiresAt:   time.Now().Add(ttl),
	}

	coordID, record := c.electCoordinator(target)
	if coordID.Equal(c.localID) {
		c.acceptAndPush(target, env)
		metPublishes.Inc(1)
		return env.MessageID, nil
	}
	if err := c.ensureConnected(coordID, record); err != nil {
		return "", err
	}

	reqID := newRequestID()
	ch := c.awaitReply(reqID)
	defer c.cancelReply(reqID)

	if err := c.conns.Send(coordID, PublishMsg{Type: "pubsub_publish", RequestID: reqID, Envelope: env.toWire()}); err != nil {
		return "", errs.New(errs.CoordinatorUnavail, "publish send failed", err)
	}
	select {
	case raw := <-ch:
		var reply PublishReplyMsg
		if err := json.Unmarshal(raw, &reply); err != nil {
			return "", errs.New(errs.Unknown, "malformed publish reply", err)
		}
		if !reply.Accepted {
			return "", errs.New(errs.Unknown, "publish rejected by coordinator", nil)
		}
		metPublishes.Inc(1)
		return reply.MessageID, nil
	case <-time.After(joinTimeout):
		return "", errs.New(errs.Timeout, "publish timed out", nil)
	}
}

// acceptAndPush is the coordinator-role path for a publish: persist the
// envelope into the topic's authoritative collection and push it to
// every current subscriber, per spec.md §4.J "Publish" and "Push
// delivery". A subscriber delivery failure is recorded but never blocks
// the publish, per spec.md §4.J.
func (c *Coordinator) acceptAndPush(target id.NodeID, env MessageEnvelope) {
	t := c.ownedTopic(target)
	t.appendMessage(env)
	if c.persist != nil {
		t.persist(c.persist)
	}

	wire := env.toWire()
	for _, sub := range t.subscriberList() {
		if sub.Equal(c.localID) {
			c.deliverLocally(target, env)
			continue
		}
		c.pushTo(sub, target, wire)
	}
}

func (c *Coordinator) pushTo(subscriber id.NodeID, target id.NodeID, wire WireEnvelope) {
	push := PushMsg{Type: "pubsub_push", TopicID: target.Hex(), Envelope: wire}
	raw, err := json.Marshal(push)
	if err != nil {
		metPushFailures.Inc(1)
		return
	}
	if err := c.kad.SendMessage(subscriber, json.RawMessage(raw)); err != nil {
		metPushFailures.Inc(1)
		c.log.Debug("pubsub push delivery failed", "subscriber", subscriber, "topic", target, "err", err)
	}
}

// deliverLocally applies dedup and invokes the registered handler for a
// message destined for this node's own subscription, keyed by the
// topic's hashed target (the only identifier carried end-to-end on the
// wire; the human-readable topic name lives only in local subscription
// state, per spec.md §3 Topic.topicID).
func (c *Coordinator) deliverLocally(target id.NodeID, env MessageEnvelope) {
	if c.dedup.seenAndRecord(env.MessageID, env.ExpiresAt) {
		metDedupDropped.Inc(1)
		return
	}
	c.mu.Lock()
	sub, ok := c.subs[target]
	c.mu.Unlock()
	if !ok || sub.handler == nil {
		return
	}
	sub.handler(sub.topicID, env)
}
