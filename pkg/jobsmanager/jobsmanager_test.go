package jobsmanager

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.od2.network/jobcore/pkg/cancelpool"
	"go.od2.network/jobcore/pkg/flow"
	"go.od2.network/jobcore/pkg/kvstore"
	"go.od2.network/jobcore/pkg/macrojob"
	"go.od2.network/jobcore/pkg/promise"
	"go.od2.network/jobcore/pkg/promiseid"
)

type passthroughCodec struct{}

func (passthroughCodec) Encode(tag uint8, v any) ([]byte, error) { return json.Marshal(v) }
func (passthroughCodec) Decode(tag uint8, raw []byte) (any, error) {
	var v any
	err := json.Unmarshal(raw, &v)
	return v, err
}

func newTestPromiseStore(t *testing.T) *promise.Store {
	t.Helper()
	kv, err := kvstore.Open(kvstore.Options{HashIndexSize: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return promise.NewStore(zaptest.NewLogger(t), kv, nil, passthroughCodec{}, 1)
}

type fakeOwner struct {
	calls int
	bg    bool
}

func (f *fakeOwner) CancelForClient(background bool) {
	f.calls++
	f.bg = background
}

func TestRegisterJobMessageSkipsAlreadyComplete(t *testing.T) {
	m := New(zaptest.NewLogger(t), cancelpool.New())
	store := newTestPromiseStore(t)
	p := store.Create("in", nil)
	store.Complete(p, "done", 0)

	account := flow.NewLeaf[*macrojob.Entry](nil)
	msg, got, err := m.RegisterJobMessage(account, func() (*promise.Promise, error) { return p, nil }, "work", nil)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Same(t, p, got)
}

func TestRegisterJobMessageBuildsMicroJob(t *testing.T) {
	m := New(zaptest.NewLogger(t), cancelpool.New())
	account := flow.NewLeaf[*macrojob.Entry](nil)
	target := &promise.Promise{ID: promiseid.ID{Sequence: 2}}
	msg, got, err := m.RegisterJobMessage(account, func() (*promise.Promise, error) { return target, nil }, "work", nil)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Same(t, target, got)
	assert.Equal(t, account, msg.Account)
	assert.Equal(t, "work", msg.Work)
}

func TestTryRegisterClientRequestDedups(t *testing.T) {
	m := New(zaptest.NewLogger(t), cancelpool.New())
	id := promiseid.ID{Sequence: 3}
	assert.True(t, m.TryRegisterClientRequest(id, 1, "owner"))
	assert.False(t, m.TryRegisterClientRequest(id, 1, "owner"))
	m.UnregisterClientRequest(id, 1)
	assert.True(t, m.TryRegisterClientRequest(id, 1, "owner"))
}

func TestCancelJobRoutesToOwner(t *testing.T) {
	m := New(zaptest.NewLogger(t), cancelpool.New())
	id := promiseid.ID{Sequence: 4}
	require.True(t, m.TryRegisterClientRequest(id, 7, "owner"))
	owner := &fakeOwner{}
	m.RegisterOwner(id, 7, owner)

	ok := m.CancelJob(id, 7, true)
	assert.True(t, ok)
	assert.Equal(t, 1, owner.calls)
	assert.True(t, owner.bg)
}

func TestCancelJobUnknownReturnsFalse(t *testing.T) {
	m := New(zaptest.NewLogger(t), cancelpool.New())
	ok := m.CancelJob(promiseid.ID{Sequence: 99}, 1, false)
	assert.False(t, ok)
}

func TestKillRoutesToMacroJob(t *testing.T) {
	m := New(zaptest.NewLogger(t), cancelpool.New())
	id := promiseid.ID{Sequence: 5}
	mj := macrojob.NewMacroJob(id, blockingExpansionForTest{}, m)
	m.RegisterMacroJob(mj, id)

	ok := m.Kill(id, false)
	assert.True(t, ok)

	m.UnregisterMacroJob(id)
	assert.False(t, m.Kill(id, false))
}

func TestMacroJobMessageCancelForClientIntegration(t *testing.T) {
	pool := cancelpool.New()
	reg := New(zaptest.NewLogger(t), pool)
	account := flow.NewLeaf[*macrojob.Entry](nil)
	mj := macrojob.NewMacroJob(promiseid.ID{Sequence: 6}, blockingExpansionForTest{}, reg)
	reg.RegisterMacroJob(mj, mj.PromiseID)

	tok := pool.Rent(context.Background())
	msg, ok := macrojob.NewMacroJobMessage(mj, account, tok, pool, reg, "owner")
	require.True(t, ok)
	require.True(t, reg.TryRegisterClientRequest(mj.PromiseID, tok.ID(), "owner"))
	reg.RegisterOwner(mj.PromiseID, tok.ID(), msg)

	ok2 := reg.CancelJob(mj.PromiseID, tok.ID(), false)
	assert.True(t, ok2)
}

type blockingExpansionForTest struct{}

func (blockingExpansionForTest) Next(ctx context.Context) (macrojob.WorkItem, bool, error) {
	<-ctx.Done()
	return macrojob.WorkItem{}, false, nil
}
func (blockingExpansionForTest) Close() {}
