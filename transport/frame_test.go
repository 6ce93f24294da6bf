package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Ping{Type: "ping", RequestID: "abc"}
	buf, err := Encode(in)
	require.NoError(t, err)

	raw, err := ReadFrame(bufio.NewReader(bytes.NewReader(buf)))
	require.NoError(t, err)

	kind, err := FrameType(raw)
	require.NoError(t, err)
	assert.Equal(t, "ping", kind)

	var out Ping
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xff
	lenBuf[1] = 0xff
	lenBuf[2] = 0xff
	lenBuf[3] = 0xff
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(lenBuf[:])))
	require.Error(t, err)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	huge := make([]byte, maxFrameSize+1)
	_, err := Encode(struct {
		Data []byte `json:"data"`
	}{Data: huge})
	require.Error(t, err)
}
