package kvstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{HashIndexSize: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openMemStore(t)
	key := [12]byte{1, 2, 3}
	blob, err := EncodeBlob(1, []byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, s.Set(key, blob))

	got, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	tag, payload, err := DecodeBlob(got)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), tag)
	assert.Equal(t, []byte("hello world"), payload)
}

func TestGetMissing(t *testing.T) {
	s := openMemStore(t)
	_, ok, err := s.Get([12]byte{9, 9, 9})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOversizeRejected(t *testing.T) {
	s := openMemStore(t)
	_, err := EncodeBlob(0, make([]byte, MaxValueLen+1))
	assert.Error(t, err)
	oversized := make([]byte, MaxValueLen+5)
	assert.Error(t, s.Set([12]byte{1}, oversized))
}

func TestHashIndexSizeClamped(t *testing.T) {
	assert.Equal(t, int64(minHashIndexSize), clampHashIndexSize(0))
	assert.Equal(t, int64(maxHashIndexSize), clampHashIndexSize(1<<50))
	assert.Equal(t, int64(1000), clampHashIndexSize(1000))
}

func TestDelete(t *testing.T) {
	s := openMemStore(t)
	key := [12]byte{5}
	blob, _ := EncodeBlob(0, []byte("x"))
	require.NoError(t, s.Set(key, blob))
	require.NoError(t, s.Delete(key))
	_, ok, err := s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadCacheExpiry(t *testing.T) {
	c, err := NewReadCache(16, 10*time.Millisecond)
	require.NoError(t, err)
	key := [12]byte{1}
	c.Put(key, []byte("v"))
	v, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok)
}
