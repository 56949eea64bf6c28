package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.od2.network/jobcore/pkg/kvstore"
	"go.od2.network/jobcore/pkg/macrojob"
	"go.od2.network/jobcore/pkg/promise"
)

type rawCodec struct{}

func (rawCodec) Encode(_ promise.SchemaTag, v any) ([]byte, error) { return v.([]byte), nil }
func (rawCodec) Decode(_ promise.SchemaTag, raw []byte) (any, error) {
	return append([]byte(nil), raw...), nil
}

// fakeRoot is a simple FIFO standing in for priorityqueue.System in
// tests, so the dispatcher's loop logic can be exercised without
// building the full scheduling hierarchy.
type fakeRoot struct {
	mu    sync.Mutex
	items []*macrojob.Entry
}

func (f *fakeRoot) push(m *macrojob.JobMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, &macrojob.Entry{Job: m})
}

func (f *fakeRoot) Dequeue() (*macrojob.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return nil, false
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true
}

func newTestStore(t *testing.T) *promise.Store {
	kv, err := kvstore.Open(kvstore.Options{HashIndexSize: 256})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return promise.NewStore(zaptest.NewLogger(t), kv, nil, rawCodec{}, 1)
}

func TestDispatcherRunsWorkAndCompletesPromise(t *testing.T) {
	store := newTestStore(t)
	target := store.Create([]byte("in"), nil)

	root := &fakeRoot{}
	root.push(&macrojob.JobMessage{PromiseID: target.ID})

	var called int32
	var mu sync.Mutex
	work := func(ctx context.Context, msg *macrojob.JobMessage, target *promise.Promise) ([]byte, promise.SchemaTag, error) {
		mu.Lock()
		called++
		mu.Unlock()
		return []byte("out"), 0, nil
	}

	d := New(zaptest.NewLogger(t), root, store, work, Options{Workers: 2, QueueSize: 4, EmptyBackoff: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	assert.Eventually(t, func() bool {
		return target.IsComplete()
	}, time.Second, 5*time.Millisecond)

	out, ok := target.Output()
	require.True(t, ok)
	assert.Equal(t, []byte("out"), out)

	cancel()
	<-d.stopped
	mu.Lock()
	assert.Equal(t, int32(1), called)
	mu.Unlock()
}

func TestDispatcherSkipsAlreadyCompleteTarget(t *testing.T) {
	store := newTestStore(t)
	target := store.Create([]byte("in"), nil)
	store.Complete(target, []byte("done"), 0)

	root := &fakeRoot{}
	root.push(&macrojob.JobMessage{PromiseID: target.ID})

	var calls int
	var mu sync.Mutex
	work := func(ctx context.Context, msg *macrojob.JobMessage, target *promise.Promise) ([]byte, promise.SchemaTag, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, 0, nil
	}

	d := New(zaptest.NewLogger(t), root, store, work, Options{Workers: 1, QueueSize: 4, EmptyBackoff: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-d.stopped

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls, "work must not run against an already-complete promise")
}
