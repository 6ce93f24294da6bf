package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yznetwork/overlay/id"
)

type recordingSignaller struct {
	sent []signalEnvelope
	to   []id.NodeID
}

func (r *recordingSignaller) SendSignal(to id.NodeID, kind string, payload string) error {
	r.to = append(r.to, to)
	r.sent = append(r.sent, signalEnvelope{Kind: kind, Payload: payload})
	return nil
}

func TestDatagramTransportRejectsUnknownSignalKind(t *testing.T) {
	events := make(chan PeerEvent, 4)
	dt := NewDatagramTransport(mustID(t, "local"), &recordingSignaller{}, events)

	err := dt.HandleSignal(mustID(t, "remote"), "not-a-real-kind", "")
	require.Error(t, err)
}

func TestDatagramTransportIceForUnknownPeerIsNoop(t *testing.T) {
	events := make(chan PeerEvent, 4)
	dt := NewDatagramTransport(mustID(t, "local"), &recordingSignaller{}, events)

	err := dt.HandleSignal(mustID(t, "stranger"), "ice", `{"candidate":""}`)
	assert.NoError(t, err)
}

func TestDatagramTransportConnectSendsOfferViaSignaller(t *testing.T) {
	events := make(chan PeerEvent, 4)
	local := NewDatagramTransport(mustID(t, "server"), &recordingSignaller{}, events)

	clientEvents := make(chan PeerEvent, 4)
	clientSignal := &recordingSignaller{}
	client := NewDatagramTransport(mustID(t, "client"), clientSignal, clientEvents)

	_, err := client.Connect(mustID(t, "server"), "")
	require.NoError(t, err)
	require.Len(t, clientSignal.sent, 1)
	assert.Equal(t, "sdp-offer", clientSignal.sent[0].Kind)

	_ = local
}
