package pubsub

import (
	"encoding/json"
	"time"

	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
)

// Subscribe locates the topic's coordinator and joins it, per spec.md
// §4.J. Concurrent Subscribe calls for the same topic on this node
// dedup onto a single RPC; every caller but the first gets
// SubscribeResult.Concurrent == true.
func (c *Coordinator) Subscribe(topicID string, handler Handler) (*SubscribeResult, error) {
	target := id.HashOfString(topicID)

	c.mu.Lock()
	if jc, ok := c.joins[target]; ok {
		c.mu.Unlock()
		<-jc.done
		if jc.err != nil {
			return nil, jc.err
		}
		out := *jc.result
		out.Concurrent = true
		return &out, nil
	}
	jc := &joinInFlight{done: make(chan struct{})}
	c.joins[target] = jc
	c.mu.Unlock()

	result, err := withRetry(func() (*SubscribeResult, error) {
		return c.attemptSubscribe(topicID, target)
	})

	c.mu.Lock()
	delete(c.joins, target)
	c.mu.Unlock()
	jc.result, jc.err = result, err
	close(jc.done)

	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.subs[target] = &localSubscription{topicID: topicID, lastVersion: result.Version, handler: handler}
	c.mu.Unlock()

	metSubscribes.Inc(1)
	return result, nil
}

func (c *Coordinator) attemptSubscribe(topicID string, target id.NodeID) (*SubscribeResult, error) {
	if err := c.healthGate(); err != nil {
		return nil, err
	}

	coordID, record := c.electCoordinator(target)
	if coordID.Equal(c.localID) {
		return c.localSubscribe(target), nil
	}
	if err := c.ensureConnected(coordID, record); err != nil {
		return nil, err
	}

	reqID := newRequestID()
	ch := c.awaitReply(reqID)
	defer c.cancelReply(reqID)

	if err := c.conns.Send(coordID, SubscribeMsg{Type: "pubsub_subscribe", RequestID: reqID, TopicID: topicID}); err != nil {
		return nil, errs.New(errs.CoordinatorUnavail, "subscribe send failed", err)
	}
	select {
	case raw := <-ch:
		var reply SubscribeReplyMsg
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, errs.New(errs.Unknown, "malformed subscribe reply", err)
		}
		subs := make([]id.NodeID, 0, len(reply.Subscribers))
		for _, s := range reply.Subscribers {
			if nid, err := id.FromHexExact(s); err == nil {
				subs = append(subs, nid)
			}
		}
		msgs := make([]MessageEnvelope, 0, len(reply.RecentMessages))
		for _, w := range reply.RecentMessages {
			if env, err := fromWire(w); err == nil {
				msgs = append(msgs, env)
			}
		}
		return &SubscribeResult{Version: reply.Version, Subscribers: subs, RecentMessages: msgs}, nil
	case <-time.After(joinTimeout):
		return nil, errs.New(errs.Timeout, "subscribe timed out", nil)
	}
}

// localSubscribe handles the case where this node is its own topic's
// coordinator: no RPC leaves the process.
func (c *Coordinator) localSubscribe(target id.NodeID) *SubscribeResult {
	t := c.ownedTopic(target)
	t.addSubscriber(c.localID)
	version, subs, msgs := t.snapshot(time.Now())
	return &SubscribeResult{Version: version, Subscribers: subs, RecentMessages: msgs}
}

// Unsubscribe withdraws the durable subscription intent for topicID.
func (c *Coordinator) Unsubscribe(topicID string) error {
	target := id.HashOfString(topicID)

	c.mu.Lock()
	delete(c.subs, target)
	c.mu.Unlock()

	if err := c.healthGate(); err != nil {
		return err
	}
	coordID, record := c.electCoordinator(target)
	if coordID.Equal(c.localID) {
		if t := c.lookupOwnedTopic(target); t != nil {
			t.removeSubscriber(c.localID)
		}
		return nil
	}
	if err := c.ensureConnected(coordID, record); err != nil {
		return err
	}
	return c.conns.Send(coordID, UnsubscribeMsg{Type: "pubsub_unsubscribe", RequestID: newRequestID(), TopicID: topicID})
}

func (c *Coordinator) ownedTopic(target id.NodeID) *topicState {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()
	t, ok := c.owned[target]
	if !ok {
		t = newTopicState(target.Hex())
		c.owned[target] = t
	}
	return t
}

func (c *Coordinator) lookupOwnedTopic(target id.NodeID) *topicState {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()
	return c.owned[target]
}
