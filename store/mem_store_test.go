package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorePutGet(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Put("k", []byte("v")))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestMemStoreGetMissingReturnsErrNotFound(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get("absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreDelete(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Delete("k"))
	_, err := s.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStorePutCopiesValue(t *testing.T) {
	s := NewMemStore()
	buf := []byte("original")
	require.NoError(t, s.Put("k", buf))
	buf[0] = 'X'

	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), v, "Put must copy, not alias, the caller's buffer")
}

func TestMemStoreGetReturnsIndependentCopy(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Put("k", []byte("original")))

	v, err := s.Get("k")
	require.NoError(t, err)
	v[0] = 'X'

	v2, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), v2, "Get must return a copy the caller can mutate safely")
}

func TestTopicKeyHelpers(t *testing.T) {
	assert.Equal(t, "topic/abc/messages/0", TopicMessagesKey("abc", 0))
	assert.Equal(t, "topic/abc/messages/42", TopicMessagesKey("abc", 42))
	assert.Equal(t, "topic/abc/subscribers", TopicSubscribersKey("abc"))
}
