// Package priorityqueue implements spec.md section 4.D: a fixed array of
// countPriorities scheduling groups, each with an adjustable weight
// (default (p+1)*10), multiplexed by a single root flow for the
// dispatcher to pull from.
package priorityqueue

import (
	"fmt"

	"go.od2.network/jobcore/pkg/clientqueue"
	"go.od2.network/jobcore/pkg/flow"
)

// defaultWeight returns the default weight for priority index p:
// (p+1)*10, so higher indices receive more service by default.
func defaultWeight(p int) int {
	return (p + 1) * 10
}

// System is the root of the scheduling hierarchy: priority index ->
// owner -> named ClientJobQueue. The root flow.Group is the "root
// channel" the dispatcher pulls from.
type System[T any] struct {
	root  *flow.Group[T]
	tiers []*tier[T]
}

type tier[T any] struct {
	priority int
	owners   *clientqueue.Collection[string, T]
	child    *flow.Child[T]
}

// New builds a System with countPriorities tiers, each an owner-keyed
// Collection whose values are themselves name-keyed Collections
// producing flow.Leaf[T] queues (owner -> innerSystem -> name ->
// ClientJobQueue, per spec.md section 4.C/4.D). countPriorities must be
// at least 1: "zero priority classes -> constructor fails" (spec.md
// section 8).
func New[T any](countPriorities int, opts clientqueue.Options) (*System[T], error) {
	if countPriorities < 1 {
		return nil, fmt.Errorf("priorityqueue: countPriorities must be >= 1, got %d", countPriorities)
	}
	s := &System[T]{
		root:  flow.NewGroup[T](nil),
		tiers: make([]*tier[T], countPriorities),
	}
	for p := 0; p < countPriorities; p++ {
		owners := clientqueue.New[string, T](func(owner string) flow.Flow[T] {
			return clientqueue.New[string, T](newLeafFlow[T], opts, nil)
		}, opts, nil)
		t := &tier[T]{priority: p, owners: owners}
		t.child = s.root.AddChild(p, owners, defaultWeight(p))
		owners.SetOnActivation(func(active bool, counter uint64) {
			s.root.NotifyActivation(t.child, active, counter)
		})
		s.tiers[p] = t
	}
	return s, nil
}

func newLeafFlow[T any](name string) flow.Flow[T] {
	return flow.NewLeaf[T](nil)
}

// Get returns the owner-keyed sub-system for priority p.
func (s *System[T]) Get(p int) *clientqueue.Collection[string, T] {
	return s.tiers[p].owners
}

// SetWeight reconfigures priority p's weight at runtime.
func (s *System[T]) SetWeight(p int, weight int) {
	s.root.SetWeight(s.tiers[p].child, weight)
}

// CountPriorities returns the number of priority tiers.
func (s *System[T]) CountPriorities() int {
	return len(s.tiers)
}

// Dequeue pulls the next item across all priorities, weighted fair.
func (s *System[T]) Dequeue() (item T, ok bool) {
	return s.root.Dequeue()
}

// Len sums the queued length across every priority (approximate).
func (s *System[T]) Len() int {
	return s.root.Len()
}

// NamedQueue locates (or creates) the named ClientJobQueue leaf under
// priority p and owner, i.e. descends owner -> innerSystem -> name.
func (s *System[T]) NamedQueue(p int, owner, name string) *flow.Leaf[T] {
	inner := s.tiers[p].owners.GetOrAdd(owner).(*clientqueue.Collection[string, T])
	return inner.GetOrAdd(name).(*flow.Leaf[T])
}
