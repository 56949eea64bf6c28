package promise

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.od2.network/jobcore/pkg/kvstore"
	"go.od2.network/jobcore/pkg/promiseid"
)

type jsonCodec struct{}

func (jsonCodec) Encode(tag SchemaTag, v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Decode(tag SchemaTag, raw []byte) (any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.Open(kvstore.Options{HashIndexSize: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(zaptest.NewLogger(t), kv, nil, jsonCodec{}, 1)
}

func TestCreateAssignsOrderedIDs(t *testing.T) {
	s := newTestStore(t)
	p1 := s.Create("in1", nil)
	p2 := s.Create("in2", nil)
	assert.True(t, p1.ID.Less(p2.ID))
}

func TestCompletePersistsAndDemotesToWeak(t *testing.T) {
	s := newTestStore(t)
	p := s.Create("in", nil)
	assert.False(t, p.IsComplete())

	s.Complete(p, map[string]any{"result": "ok"}, 1)
	assert.True(t, p.IsComplete())

	got, err := s.GetByID(p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	out, ok := got.Output()
	require.True(t, ok)
	assert.Equal(t, "ok", out.(map[string]any)["result"])
}

func TestGetByIDMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetByID(s.Create("x", nil).ID)
	require.NoError(t, err)
	assert.NotNil(t, got) // live, incomplete promise is still found

	unknown, err := s.GetByID(promiseid.ID{ServiceID: 9, Sequence: 9})
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	p := s.Create("in", nil)
	var calls int
	p.Subscribe(func(*Promise) { calls++ })
	s.Complete(p, "first", 0)
	s.Complete(p, "second", 0)
	assert.Equal(t, 1, calls)
	out, _ := p.Output()
	assert.Equal(t, "first", out)
}

func TestSubscribeAfterCompleteFiresImmediately(t *testing.T) {
	s := newTestStore(t)
	p := s.Create("in", nil)
	s.Complete(p, "done", 0)
	fired := false
	p.Subscribe(func(*Promise) { fired = true })
	assert.True(t, fired)
}
