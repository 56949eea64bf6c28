package priorityqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.od2.network/jobcore/pkg/clientqueue"
)

func TestNewRejectsZeroPriorities(t *testing.T) {
	_, err := New[string](0, clientqueue.DefaultOptions)
	assert.Error(t, err)
}

func TestSinglePriorityDegradesToFlatScheduling(t *testing.T) {
	s, err := New[string](1, clientqueue.DefaultOptions)
	require.NoError(t, err)

	q := s.NamedQueue(0, "ownerA", "jobs")
	q.Enqueue("x")
	v, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestHigherPriorityGetsMoreWeight(t *testing.T) {
	s, err := New[string](2, clientqueue.DefaultOptions)
	require.NoError(t, err)

	low := s.NamedQueue(0, "owner", "q")
	high := s.NamedQueue(1, "owner", "q")

	const n = 1000
	for i := 0; i < n; i++ {
		low.Enqueue("low")
		high.Enqueue("high")
	}
	var lowServed, highServed int
	for i := 0; i < 2*n; i++ {
		v, ok := s.Dequeue()
		require.True(t, ok)
		if v == "low" {
			lowServed++
		} else {
			highServed++
		}
		if i == n-1 {
			// Both tiers are still backlogged over the first n dequeues, so
			// service follows the default 10:20 tier weights.
			assert.InDelta(t, 2.0, float64(highServed)/float64(lowServed), 0.1)
		}
	}
	assert.Equal(t, n, lowServed)
	assert.Equal(t, n, highServed)
}

func TestNamedQueueSharedAcrossOwnersAndNames(t *testing.T) {
	s, err := New[string](1, clientqueue.DefaultOptions)
	require.NoError(t, err)

	a := s.NamedQueue(0, "owner1", "q1")
	aAgain := s.NamedQueue(0, "owner1", "q1")
	assert.Same(t, a, aAgain)

	b := s.NamedQueue(0, "owner1", "q2")
	assert.NotSame(t, a, b)
}

func TestSetWeightReconfigurable(t *testing.T) {
	s, err := New[string](2, clientqueue.DefaultOptions)
	require.NoError(t, err)
	s.SetWeight(0, 100)
	// Reconfiguring must not panic and must still allow scheduling.
	q := s.NamedQueue(0, "owner", "q")
	q.Enqueue("x")
	_, ok := s.Dequeue()
	assert.True(t, ok)
}
