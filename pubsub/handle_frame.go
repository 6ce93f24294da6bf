package pubsub

import (
	"encoding/json"
	"time"

	"github.com/yznetwork/overlay/id"
)

// HandleFrame dispatches one inbound pub/sub frame from peerID, for the
// direct RPCs of spec.md §6 ("pubsub_subscribe", "pubsub_unsubscribe",
// "pubsub_publish", "pubsub_topic_info") received while this node acts
// as coordinator, or a reply to an RPC this node issued as a subscriber.
func (c *Coordinator) HandleFrame(from id.NodeID, frameType string, raw json.RawMessage) {
	switch frameType {
	case "pubsub_subscribe":
		c.handleSubscribeRPC(from, raw)
	case "pubsub_unsubscribe":
		c.handleUnsubscribeRPC(from, raw)
	case "pubsub_publish":
		c.handlePublishRPC(from, raw)
	case "pubsub_topic_info":
		c.handleTopicInfoRPC(from, raw)
	case "pubsub_subscribe_reply", "pubsub_publish_reply", "pubsub_topic_info_reply":
		c.deliverReply(raw)
	default:
		c.log.Debug("unrecognized pubsub frame", "type", frameType, "from", from)
	}
}

func (c *Coordinator) handleSubscribeRPC(from id.NodeID, raw json.RawMessage) {
	var req SubscribeMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	target := id.HashOfString(req.TopicID)
	t := c.ownedTopic(target)
	t.addSubscriber(from)

	version, subs, msgs := t.snapshot(time.Now())
	c.conns.Send(from, SubscribeReplyMsg{
		Type:           "pubsub_subscribe_reply",
		RequestID:      req.RequestID,
		Version:        version,
		Subscribers:    hexList(subs),
		RecentMessages: wireList(msgs),
	})
}

func (c *Coordinator) handleUnsubscribeRPC(from id.NodeID, raw json.RawMessage) {
	var req UnsubscribeMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	target := id.HashOfString(req.TopicID)
	if t := c.lookupOwnedTopic(target); t != nil {
		t.removeSubscriber(from)
	}
}

func (c *Coordinator) handlePublishRPC(from id.NodeID, raw json.RawMessage) {
	var req PublishMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	env, err := fromWire(req.Envelope)
	if err != nil {
		c.conns.Send(from, PublishReplyMsg{Type: "pubsub_publish_reply", RequestID: req.RequestID, Accepted: false})
		return
	}
	target := env.TopicID
	c.acceptAndPush(target, env)

	c.conns.Send(from, PublishReplyMsg{
		Type:      "pubsub_publish_reply",
		RequestID: req.RequestID,
		MessageID: env.MessageID,
		Accepted:  true,
	})
}

func (c *Coordinator) handleTopicInfoRPC(from id.NodeID, raw json.RawMessage) {
	var req TopicInfoMsg
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	target := id.HashOfString(req.TopicID)
	t := c.lookupOwnedTopic(target)
	if t == nil {
		c.conns.Send(from, TopicInfoReplyMsg{Type: "pubsub_topic_info_reply", RequestID: req.RequestID})
		return
	}
	version, subs, msgs := t.snapshot(time.Now())
	c.conns.Send(from, TopicInfoReplyMsg{
		Type:        "pubsub_topic_info_reply",
		RequestID:   req.RequestID,
		Version:     version,
		Subscribers: hexList(subs),
		Messages:    wireList(msgs),
	})
}

// handleRoutedEnvelope is registered with the DHT core's OnMessage hook:
// pubsub_push rides the DHT message-routing layer as an opaque
// application envelope (spec.md §4.J "Push delivery").
func (c *Coordinator) handleRoutedEnvelope(raw json.RawMessage) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil || hdr.Type != "pubsub_push" {
		return
	}
	var push PushMsg
	if err := json.Unmarshal(raw, &push); err != nil {
		return
	}
	env, err := fromWire(push.Envelope)
	if err != nil {
		return
	}
	c.deliverLocally(env.TopicID, env)
}

func hexList(ids []id.NodeID) []string {
	out := make([]string, len(ids))
	for i, n := range ids {
		out[i] = n.Hex()
	}
	return out
}

func wireList(envs []MessageEnvelope) []WireEnvelope {
	out := make([]WireEnvelope, len(envs))
	for i, e := range envs {
		out[i] = e.toWire()
	}
	return out
}
