package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yznetwork/overlay/id"
)

func TestStreamTransportHandshakeAndMessage(t *testing.T) {
	serverID := mustID(t, "a")
	clientID := mustID(t, "b")

	serverEvents := make(chan PeerEvent, 8)
	server, err := NewStreamTransport("127.0.0.1:0", serverID, serverEvents)
	require.NoError(t, err)
	defer server.Close()

	clientEvents := make(chan PeerEvent, 8)
	client, err := NewStreamTransport("127.0.0.1:0", clientID, clientEvents)
	require.NoError(t, err)
	defer client.Close()

	h, err := client.Connect(serverID, server.Addr().String())
	require.NoError(t, err)

	require.NoError(t, h.Send(Hello{Type: "hello", NodeID: clientID.Hex(), ProtocolVersion: "1.0"}))

	select {
	case ev := <-serverEvents:
		require.Equal(t, EventPeerConnected, ev.Kind)
		require.Equal(t, clientID, ev.PeerID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connect event")
	}

	require.NoError(t, h.Send(Ping{Type: "ping", RequestID: "r1"}))

	select {
	case ev := <-clientEvents:
		require.Equal(t, EventMessage, ev.Kind)
		kind, err := FrameType(ev.Message)
		require.NoError(t, err)
		require.Equal(t, "pong", kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func mustID(t *testing.T, seed string) id.NodeID {
	t.Helper()
	return id.HashOfString(seed)
}
