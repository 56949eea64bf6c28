package clientqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.od2.network/jobcore/pkg/flow"
)

func stringLeafFactory(key string) flow.Flow[string] {
	return flow.NewLeaf[string](nil)
}

func TestGetOrAddCreatesOnce(t *testing.T) {
	c := New[string, string](stringLeafFactory, DefaultOptions, nil)
	defer c.Close()

	a := c.GetOrAdd("a")
	again := c.GetOrAdd("a")
	assert.Same(t, a, again)
	assert.True(t, c.ContainsKey("a"))
	assert.False(t, c.ContainsKey("b"))
	assert.ElementsMatch(t, []string{"a"}, c.ListMembers())
}

func TestTryGetValueMissing(t *testing.T) {
	c := New[string, string](stringLeafFactory, DefaultOptions, nil)
	defer c.Close()
	_, ok := c.TryGetValue("missing")
	assert.False(t, ok)
}

func TestDequeueFairAcrossKeys(t *testing.T) {
	c := New[string, string](stringLeafFactory, DefaultOptions, nil)
	defer c.Close()

	a := c.GetOrAdd("a").(*flow.Leaf[string])
	b := c.GetOrAdd("b").(*flow.Leaf[string])
	a.Enqueue("a1")
	b.Enqueue("b1")

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		v, ok := c.Dequeue()
		require.True(t, ok)
		seen[v]++
	}
	assert.Equal(t, 1, seen["a1"])
	assert.Equal(t, 1, seen["b1"])
}

func TestEnqueueOnCollectionPanics(t *testing.T) {
	c := New[string, string](stringLeafFactory, DefaultOptions, nil)
	defer c.Close()
	assert.Panics(t, func() { c.Enqueue("x") })
}

func TestIdleEntryExpires(t *testing.T) {
	c := New[string, string](stringLeafFactory, Options{
		ExpiryTicks:       20 * time.Millisecond,
		ExpiryBucketCount: 4,
	}, nil)
	defer c.Close()

	c.GetOrAdd("transient")
	require.True(t, c.ContainsKey("transient"))

	assert.Eventually(t, func() bool {
		return !c.ContainsKey("transient")
	}, time.Second, 5*time.Millisecond)
}

func TestEntryDoesNotExpireWhileActive(t *testing.T) {
	c := New[string, string](stringLeafFactory, Options{
		ExpiryTicks:       20 * time.Millisecond,
		ExpiryBucketCount: 4,
	}, nil)
	defer c.Close()

	leaf := c.GetOrAdd("busy").(*flow.Leaf[string])
	leaf.Enqueue("keep-alive")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, c.ContainsKey("busy"))

	v, ok := leaf.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "keep-alive", v)
}

func TestNestedCollectionAsChild(t *testing.T) {
	outer := New[string, string](func(owner string) flow.Flow[string] {
		return New[string, string](stringLeafFactory, DefaultOptions, nil)
	}, DefaultOptions, nil)
	defer outer.Close()

	innerAny := outer.GetOrAdd("owner1")
	inner := innerAny.(*Collection[string, string])
	defer inner.Close()

	leaf := inner.GetOrAdd("name1").(*flow.Leaf[string])
	leaf.Enqueue("job")

	v, ok := outer.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "job", v)
}
