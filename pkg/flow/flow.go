// Package flow implements the scheduling primitive described in spec.md
// section 4.B: a cooperative, weighted-fair queue supporting composition.
// A Leaf produces messages; a Group multiplexes child Flows using
// deficit-weighted round robin (DWRR). Both are "flows" in the sense of
// the spec's tagged-variant design note (section 9): Flow[T] is the
// common interface, Leaf[T] and Group[T] are its two concrete shapes.
//
// All operations are synchronous and lock-guarded; nothing here blocks on
// I/O or awaits while holding a lock, per spec.md section 5.
package flow

import (
	"sync"
	"sync/atomic"
)

// Flow is the scheduling primitive shared by leaves and groups.
type Flow[T any] interface {
	// Enqueue admits an item, firing an activation event up the tree if
	// the flow transitions from idle to non-empty.
	Enqueue(item T)
	// Dequeue removes and returns the next item in scheduling order, or
	// ok=false if the flow has nothing to serve right now.
	Dequeue() (item T, ok bool)
	// Len reports the number of items currently queued (approximate for
	// groups, exact for leaves; intended for observability, not control
	// flow).
	Len() int
}

// ActivationEvent describes one child's activity flip. Counter is a
// per-child monotonically increasing sequence number so that out-of-order
// delivery of events can be detected and discarded by a listener. Group
// does not construct ActivationEvent values; activity changes are
// reported through OnActivation callbacks (see pkg/clientqueue).
type ActivationEvent struct {
	ChildKey   any
	Counter    uint64
	Activated  bool
	Attachment any
}

// OnActivation is called whenever a Flow transitions between idle and
// non-empty. counter is captured atomically with the transition itself
// (while still holding the flow's internal lock) so a listener can
// detect and discard out-of-order delivery even if the callback
// invocations themselves are reordered by the goroutine scheduler after
// the lock is released — exactly the race spec.md section 4.C calls out.
// Implementations must not block.
type OnActivation func(activated bool, counter uint64)

// Stats is a read-only snapshot of a Leaf's scheduling account, per
// spec.md section 6's "scheduler observables": total items queued,
// served, and charged.
type Stats struct {
	Queued  uint64
	Served  uint64
	Charged uint64
}

// Leaf is a FIFO flow of messages. The zero value is not usable; build
// one with NewLeaf.
type Leaf[T any] struct {
	mu       sync.Mutex
	queue    []T
	head     int
	onActive OnActivation
	counter  uint64

	totalQueued uint64 // atomic, cumulative Enqueue count
	totalServed uint64 // atomic, cumulative Dequeue count
	totalCharge uint64 // atomic, cumulative scheduling-account charge
}

// NewLeaf creates a leaf flow. onActive (may be nil) is invoked whenever
// the leaf transitions between empty and non-empty.
func NewLeaf[T any](onActive OnActivation) *Leaf[T] {
	return &Leaf[T]{onActive: onActive}
}

// Enqueue appends item to the tail of the FIFO.
func (l *Leaf[T]) Enqueue(item T) {
	atomic.AddUint64(&l.totalQueued, 1)
	l.mu.Lock()
	wasEmpty := l.len() == 0
	l.queue = append(l.queue, item)
	var counter uint64
	if wasEmpty {
		l.counter++
		counter = l.counter
	}
	cb := l.onActive
	l.mu.Unlock()
	if wasEmpty && cb != nil {
		cb(true, counter)
	}
}

// Dequeue removes the head item, if any.
func (l *Leaf[T]) Dequeue() (item T, ok bool) {
	l.mu.Lock()
	if l.len() == 0 {
		l.mu.Unlock()
		return item, false
	}
	atomic.AddUint64(&l.totalServed, 1)
	atomic.AddUint64(&l.totalCharge, 1)
	item = l.queue[l.head]
	var zero T
	l.queue[l.head] = zero
	l.head++
	becameEmpty := l.len() == 0
	if becameEmpty {
		l.queue = nil
		l.head = 0
	} else if l.head > 64 && l.head*2 > len(l.queue) {
		// Compact occasionally so a long-lived leaf doesn't leak slice
		// capacity behind a moving head index.
		l.queue = append([]T(nil), l.queue[l.head:]...)
		l.head = 0
	}
	var counter uint64
	if becameEmpty {
		l.counter++
		counter = l.counter
	}
	cb := l.onActive
	l.mu.Unlock()
	if becameEmpty && cb != nil {
		cb(false, counter)
	}
	return item, true
}

// SetOnActivation (re)binds the activation callback. Used to wire a leaf
// into its parent group after both have been constructed, since the
// parent's Child handle only exists once AddChild has returned.
func (l *Leaf[T]) SetOnActivation(onActive OnActivation) {
	l.mu.Lock()
	l.onActive = onActive
	l.mu.Unlock()
}

// Len reports the number of queued items.
func (l *Leaf[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.len()
}

func (l *Leaf[T]) len() int { return len(l.queue) - l.head }

// Stats returns a snapshot of this leaf's scheduling account.
func (l *Leaf[T]) Stats() Stats {
	return Stats{
		Queued:  atomic.LoadUint64(&l.totalQueued),
		Served:  atomic.LoadUint64(&l.totalServed),
		Charged: atomic.LoadUint64(&l.totalCharge),
	}
}


// defaultWeight is applied to a child that does not specify one,
// matching spec.md section 4.B's "default 10, scaled across priorities".
const defaultWeight = 10

// childState is a Group's bookkeeping for one child flow.
type childState[T any] struct {
	key     any
	flow    Flow[T]
	weight  int
	deficit int
	active  bool
}

// Group multiplexes child Flows using deficit-weighted round robin.
// Children are served in FIFO order of addition; ties among children
// waiting to cross their deficit threshold are broken by round-robin
// position (spec.md section 4.B's "ordering" guarantee).
type Group[T any] struct {
	mu           sync.Mutex
	children     []*childState[T]
	cursor       int
	active       int // count of active children, for activation propagation
	onActive     OnActivation
	groupCounter uint64
}

// NewGroup creates an empty scheduling group.
func NewGroup[T any](onActive OnActivation) *Group[T] {
	return &Group[T]{onActive: onActive}
}

// Child is an opaque handle to a group's child, used to adjust weight or
// remove the child later.
type Child[T any] struct {
	state *childState[T]
}

// AddChild admits a new child flow with the given weight (defaultWeight
// is used if weight <= 0).
func (g *Group[T]) AddChild(key any, child Flow[T], weight int) *Child[T] {
	if weight <= 0 {
		weight = defaultWeight
	}
	g.mu.Lock()
	cs := &childState[T]{key: key, flow: child, weight: weight}
	g.children = append(g.children, cs)
	if child.Len() > 0 {
		g.activateLocked(cs)
	}
	g.mu.Unlock()
	return &Child[T]{state: cs}
}

// SetWeight changes a child's weight at runtime (spec.md section 4.D
// notes that priority weights are "reconfigurable at runtime").
func (g *Group[T]) SetWeight(c *Child[T], weight int) {
	if weight <= 0 {
		weight = defaultWeight
	}
	g.mu.Lock()
	c.state.weight = weight
	g.mu.Unlock()
}

// RemoveChild drops a child from the group entirely.
func (g *Group[T]) RemoveChild(c *Child[T]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, cs := range g.children {
		if cs == c.state {
			if cs.active {
				g.deactivateLocked(cs)
			}
			g.children = append(g.children[:i], g.children[i+1:]...)
			if g.cursor > i {
				g.cursor--
			}
			return
		}
	}
}

// Enqueue exists only so Group satisfies Flow[T] when nested as a child
// of another group. Groups do not fan out by content: callers always
// enqueue directly on the specific leaf (ClientJobQueue) they looked up,
// never on a group. Calling this is a programmer error.
func (g *Group[T]) Enqueue(item T) {
	panic("flow: Enqueue called on a Group; enqueue on the target leaf instead")
}

// Dequeue selects one non-empty child using DWRR and recursively
// descends into it.
func (g *Group[T]) Dequeue() (item T, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.children) == 0 {
		return item, false
	}
	n := len(g.children)
	for spins := 0; spins < 2*n+2; spins++ {
		if len(g.children) == 0 {
			return item, false
		}
		g.cursor %= len(g.children)
		cs := g.children[g.cursor]
		if !cs.active {
			g.cursor++
			continue
		}
		if cs.deficit < 1 {
			cs.deficit += cs.weight
			g.cursor++
			continue
		}
		// The child's Dequeue may report its own deactivation back through
		// NotifyActivation, which takes g.mu, so the lock is released
		// around the call.
		g.mu.Unlock()
		got, innerOK := cs.flow.Dequeue()
		g.mu.Lock()
		if !innerOK {
			// Child claimed to be active but has nothing; treat as a
			// spurious activation and deactivate it.
			g.deactivateLocked(cs)
			continue
		}
		if cs.active {
			cs.deficit--
		}
		if cs.flow.Len() == 0 {
			g.deactivateLocked(cs)
			g.cursor++
		}
		return got, true
	}
	return item, false
}

// Len sums the queued length across all children (approximate: a group's
// children may mutate concurrently with this read).
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, cs := range g.children {
		total += cs.flow.Len()
	}
	return total
}

// SetOnActivation (re)binds the activation callback, mirroring
// Leaf.SetOnActivation for the case where a Group is itself nested as a
// child of another Group.
func (g *Group[T]) SetOnActivation(onActive OnActivation) {
	g.mu.Lock()
	g.onActive = onActive
	g.mu.Unlock()
}

// NotifyActivation is called by a leaf or child group owned by this
// group when that child's activity changes, so the group can update its
// own active-child bookkeeping. Intended to be wired as the
// OnActivation callback passed when constructing the child. childCounter
// is the counter the child reported; a caller that wants to detect
// stale/out-of-order deliveries should only call this when childCounter
// is newer than the last one seen for that child (pkg/clientqueue does
// this at the entry level).
func (g *Group[T]) NotifyActivation(c *Child[T], activated bool, childCounter uint64) {
	g.mu.Lock()
	if activated {
		g.activateLocked(c.state)
	} else {
		g.deactivateLocked(c.state)
	}
	g.mu.Unlock()
}

func (g *Group[T]) activateLocked(cs *childState[T]) {
	if cs.active {
		return
	}
	cs.active = true
	g.active++
	g.groupCounter++
	counter := g.groupCounter
	if g.active == 1 && g.onActive != nil {
		g.onActive(true, counter)
	}
}

func (g *Group[T]) deactivateLocked(cs *childState[T]) {
	if !cs.active {
		return
	}
	cs.active = false
	cs.deficit = 0
	g.active--
	g.groupCounter++
	counter := g.groupCounter
	if g.active == 0 && g.onActive != nil {
		g.onActive(false, counter)
	}
}
