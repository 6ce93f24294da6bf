package pubsub

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yznetwork/overlay/dht"
	"github.com/yznetwork/overlay/errs"
	"github.com/yznetwork/overlay/id"
	"github.com/yznetwork/overlay/peer"
	"github.com/yznetwork/overlay/routing"
)

func mustID(t *testing.T, seed string) id.NodeID {
	t.Helper()
	return id.HashOfString(seed)
}

// fakeSender is a recording double satisfying dht.Sender, used for
// coordinator-role RPC tests that don't need a live transport.
type fakeSender struct {
	sent      map[id.NodeID][]interface{}
	connected map[id.NodeID]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[id.NodeID][]interface{}), connected: make(map[id.NodeID]bool)}
}

func (s *fakeSender) Send(peerID id.NodeID, frame interface{}) error {
	s.sent[peerID] = append(s.sent[peerID], frame)
	return nil
}
func (s *fakeSender) Connect(peerID id.NodeID, family, locator string) error {
	s.connected[peerID] = true
	return nil
}
func (s *fakeSender) IsConnected(peerID id.NodeID) bool { return s.connected[peerID] }

func newTestCoordinator(t *testing.T, localID id.NodeID) (*Coordinator, *fakeSender) {
	t.Helper()
	table := routing.New(localID, 20)
	sender := newFakeSender()
	kad := dht.New(localID, table, sender)
	return New(kad, sender, nil), sender
}

func TestReceiverDedupIdempotent(t *testing.T) {
	d := newReceiverDedup()
	expires := time.Now().Add(time.Hour)
	assert.False(t, d.seenAndRecord("m1", expires), "first delivery is not a duplicate")
	assert.True(t, d.seenAndRecord("m1", expires), "replay of the same messageID is a duplicate")
	assert.False(t, d.seenAndRecord("m2", expires), "a different messageID is independent")
}

func TestExpiryQueuePopsEarliestFirst(t *testing.T) {
	q := newExpiryQueue()
	now := time.Now()
	q.push("late", now.Add(2*time.Hour))
	q.push("early", now.Add(time.Minute))
	q.push("mid", now.Add(time.Hour))

	expired := q.popExpired(now.Add(90 * time.Minute))
	assert.Equal(t, []string{"early", "mid"}, expired)

	assert.Empty(t, q.popExpired(now.Add(90*time.Minute)), "already-popped entries don't reappear")
	assert.Equal(t, []string{"late"}, q.popExpired(now.Add(3*time.Hour)))
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	_, err := withRetry(func() (*SubscribeResult, error) {
		calls++
		return nil, errs.New(errs.InvalidIDFormat, "bad topic id", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a non-retryable error must not be retried")
}

func TestWithRetryExhaustsMaxRetries(t *testing.T) {
	calls := 0
	_, err := withRetry(func() (*SubscribeResult, error) {
		calls++
		return nil, errs.New(errs.Timeout, "coordinator slow", nil)
	})
	require.Error(t, err)
	assert.Equal(t, maxRetries+1, calls)
}

func TestWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	res, err := withRetry(func() (*SubscribeResult, error) {
		calls++
		if calls < 2 {
			return nil, errs.New(errs.CoordinatorUnavail, "not ready yet", nil)
		}
		return &SubscribeResult{Version: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, 2, calls)
}

func TestHandleSubscribeRPCReturnsCurrentSnapshot(t *testing.T) {
	local := mustID(t, "coordinator-node")
	c, sender := newTestCoordinator(t, local)

	from := mustID(t, "subscriber-node")
	raw, _ := json.Marshal(SubscribeMsg{Type: "pubsub_subscribe", RequestID: "req-1", TopicID: "demo-topic"})
	c.HandleFrame(from, "pubsub_subscribe", raw)

	require.Len(t, sender.sent[from], 1)
	reply, ok := sender.sent[from][0].(SubscribeReplyMsg)
	require.True(t, ok)
	assert.Equal(t, "req-1", reply.RequestID)
	assert.Equal(t, uint64(0), reply.Version)
	assert.Empty(t, reply.RecentMessages)
}

func TestHandlePublishRPCPushesToExistingSubscriber(t *testing.T) {
	local := mustID(t, "coordinator-node-2")
	c, sender := newTestCoordinator(t, local)

	subscriber := mustID(t, "subscriber-node-2")
	subReq, _ := json.Marshal(SubscribeMsg{Type: "pubsub_subscribe", RequestID: "sub-1", TopicID: "demo-topic"})
	c.HandleFrame(subscriber, "pubsub_subscribe", subReq)

	env := MessageEnvelope{
		MessageID:   "msg-1",
		TopicID:     id.HashOfString("demo-topic"),
		PublisherID: mustID(t, "publisher-node"),
		PublishedAt: time.Now(),
		Payload:     []byte(`"hello"`),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	pubReq, _ := json.Marshal(PublishMsg{Type: "pubsub_publish", RequestID: "pub-1", Envelope: env.toWire()})
	c.HandleFrame(mustID(t, "publisher-node"), "pubsub_publish", pubReq)

	require.Len(t, sender.sent[mustID(t, "publisher-node")], 1)
	ack, ok := sender.sent[mustID(t, "publisher-node")][0].(PublishReplyMsg)
	require.True(t, ok)
	assert.True(t, ack.Accepted)

	topic := c.lookupOwnedTopic(id.HashOfString("demo-topic"))
	require.NotNil(t, topic)
	_, _, msgs := topic.snapshot(time.Now())
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].MessageID)
}

func TestHealthGateBlocksSubscribeWhenDHTNotRunning(t *testing.T) {
	local := mustID(t, "isolated-node")
	c, _ := newTestCoordinator(t, local)

	_, err := c.Subscribe("demo-topic", nil)
	require.Error(t, err)
	e, ok := err.(*errs.Error)
	require.True(t, ok)
	assert.Equal(t, errs.NetworkIsolated, e.Kind)
}

func TestSelfCoordinatedSubscribeAndPublishDeliversLocally(t *testing.T) {
	local := mustID(t, "self-coord-local")
	c, sender := newTestCoordinator(t, local)

	// Connect one peer so the DHT reaches RUNNING with a nonzero
	// connected-peer count (spec.md §4.J "Health gate").
	peerID := mustID(t, "self-coord-peer")
	r := peer.New(peerID, "")
	c.kad.OnPeerConnected(r)
	sender.connected[peerID] = true

	// Pick a topic whose hash is closer to the local ID than to the
	// connected peer's, so local elects itself coordinator.
	var topicID string
	for i := 0; ; i++ {
		topicID = fmt.Sprintf("self-topic-%d", i)
		target := id.HashOfString(topicID)
		if id.XOR(target, local).Cmp(id.XOR(target, peerID)) < 0 {
			break
		}
	}

	var delivered MessageEnvelope
	var deliveries int
	result, err := c.Subscribe(topicID, func(t string, env MessageEnvelope) {
		deliveries++
		delivered = env
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), result.Version)

	msgID, err := c.Publish(topicID, []byte(`"payload"`), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, deliveries)
	assert.Equal(t, msgID, delivered.MessageID)
}

func TestConcurrentSubscribeDedupesInFlightJoin(t *testing.T) {
	local := mustID(t, "concurrent-local")
	c, _ := newTestCoordinator(t, local)

	target := id.HashOfString("concurrent-topic")
	jc := &joinInFlight{done: make(chan struct{})}
	c.mu.Lock()
	c.joins[target] = jc
	c.mu.Unlock()

	done := make(chan *SubscribeResult, 1)
	go func() {
		res, err := c.Subscribe("concurrent-topic", nil)
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	jc.result = &SubscribeResult{Version: 7}
	close(jc.done)
	c.mu.Lock()
	delete(c.joins, target)
	c.mu.Unlock()

	res := <-done
	assert.True(t, res.Concurrent)
	assert.Equal(t, uint64(7), res.Version)
}
