// Package transport implements component E: the ConnectionManager
// abstraction unifying the stream transport (server-style nodes) and the
// datagram peer transport (NAT-restricted client-style nodes), per
// spec.md §4.E.
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame to guard against a malformed or
// hostile peer claiming an enormous length prefix.
const maxFrameSize = 4 << 20 // 4 MiB

// Frame is a length-delimited JSON object carrying one RPC message, per
// spec.md §6: every frame has a "type" field and RPCs carry a
// "requestId" the reply echoes.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Body      json.RawMessage `json:"-"`
}

// Encode marshals v (a concrete RPC payload struct) into a length-framed
// JSON buffer: a 4-byte big-endian length prefix followed by the JSON
// object itself.
func Encode(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("encode frame: %d bytes exceeds max %d", len(payload), maxFrameSize)
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// WriteFrame writes one length-delimited frame to w.
func WriteFrame(w io.Writer, v interface{}) error {
	buf, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-delimited JSON frame from r, returning the
// raw JSON bytes for the caller to unmarshal based on the "type" field.
func ReadFrame(r *bufio.Reader) (json.RawMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("read frame: length %d exceeds max %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// FrameType peeks at a raw frame's "type" field without fully decoding it.
func FrameType(raw json.RawMessage) (string, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return "", err
	}
	return hdr.Type, nil
}
