package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeafFIFO(t *testing.T) {
	l := NewLeaf[int](nil)
	for i := 0; i < 5; i++ {
		l.Enqueue(i)
	}
	for i := 0; i < 5; i++ {
		v, ok := l.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := l.Dequeue()
	assert.False(t, ok)
}

func TestLeafActivationEvents(t *testing.T) {
	var events []bool
	var counters []uint64
	l := NewLeaf[int](func(active bool, counter uint64) {
		events = append(events, active)
		counters = append(counters, counter)
	})
	l.Enqueue(1)
	l.Enqueue(2)
	_, _ = l.Dequeue()
	_, _ = l.Dequeue()
	assert.Equal(t, []bool{true, false}, events)
	assert.Equal(t, []uint64{1, 2}, counters)
}

func TestGroupFairnessWeighted(t *testing.T) {
	g := NewGroup[string](nil)
	a := NewLeaf[string](nil)
	b := NewLeaf[string](nil)
	ca := g.AddChild("a", a, 10)
	cb := g.AddChild("b", b, 20)
	a.SetOnActivation(func(active bool, counter uint64) { g.NotifyActivation(ca, active, counter) })
	b.SetOnActivation(func(active bool, counter uint64) { g.NotifyActivation(cb, active, counter) })

	const n = 3000
	for i := 0; i < n; i++ {
		a.Enqueue("a")
		b.Enqueue("b")
	}
	var servedA, servedB int
	for {
		v, ok := g.Dequeue()
		if !ok {
			break
		}
		if v == "a" {
			servedA++
		} else {
			servedB++
		}
	}
	assert.Equal(t, n, servedA)
	assert.Equal(t, n, servedB)

	// Drain only half of each and check interim ratio converges to 1:2.
	for i := 0; i < n; i++ {
		a.Enqueue("a")
		b.Enqueue("b")
	}
	servedA, servedB = 0, 0
	for i := 0; i < n; i++ {
		v, ok := g.Dequeue()
		require.True(t, ok)
		if v == "a" {
			servedA++
		} else {
			servedB++
		}
	}
	ratio := float64(servedB) / float64(servedA)
	assert.InDelta(t, 2.0, ratio, 0.1)
}

func TestGroupDeactivatesWhenChildEmpty(t *testing.T) {
	var groupEvents []bool
	g := NewGroup[int](func(active bool, counter uint64) { groupEvents = append(groupEvents, active) })
	leaf := NewLeaf[int](nil)
	c := g.AddChild("only", leaf, 10)
	leaf.Enqueue(1)
	g.NotifyActivation(c, true, 1)
	v, ok := g.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []bool{true, false}, groupEvents)
}

func TestGroupRemoveChild(t *testing.T) {
	g := NewGroup[int](nil)
	leaf := NewLeaf[int](nil)
	c := g.AddChild("x", leaf, 10)
	leaf.Enqueue(1)
	g.NotifyActivation(c, true, 1)
	g.RemoveChild(c)
	_, ok := g.Dequeue()
	assert.False(t, ok)
}

func TestGroupEnqueuePanics(t *testing.T) {
	g := NewGroup[int](nil)
	assert.Panics(t, func() { g.Enqueue(1) })
}

func TestLeafStats(t *testing.T) {
	l := NewLeaf[int](nil)
	l.Enqueue(1)
	l.Enqueue(2)
	_, _ = l.Dequeue()
	stats := l.Stats()
	assert.Equal(t, Stats{Queued: 2, Served: 1, Charged: 1}, stats)
}
