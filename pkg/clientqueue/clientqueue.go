// Package clientqueue implements spec.md section 4.C: a keyed collection
// K -> Q where every Q carries equal scheduling weight, used for two
// nested layers in the scheduler: owner -> innerSystem and
// name -> ClientJobQueue. Both layers use the same Collection type; the
// inner layer's values (another Collection) are themselves admitted as
// children of the outer layer's scheduling group, since Collection
// implements flow.Flow.
package clientqueue

import (
	"math"
	"sync"
	"time"

	"go.od2.network/jobcore/pkg/flow"
)

// equalWeight is used for every child admitted by a Collection: "every Q
// carries equal scheduling weight" (spec.md section 4.C).
const equalWeight = 10

// neverExpire marks an entry's deactivation time as "currently active",
// i.e. not eligible for idle expiry (spec.md section 4.C: "On
// reactivation, deactivationTime is set to +infinity").
const neverExpire = int64(math.MaxInt64)

// Factory builds the Flow value for a newly added key.
type Factory[K comparable, T any] func(key K) flow.Flow[T]

// entry is a Collection's bookkeeping for one key.
type entry[K comparable, T any] struct {
	key   K
	value flow.Flow[T]
	child *flow.Child[T]

	mu            sync.Mutex
	epoch         uint64
	isNewlyAdded  bool
	deactivatedAt int64 // unix nanos, or neverExpire
	inExpiryQueue bool
}

// Collection is the keyed collection described by spec.md section 4.C.
// It implements flow.Flow[T] so that one Collection's values can in turn
// be Collections, nesting owner -> innerSystem -> name -> ClientJobQueue.
type Collection[K comparable, T any] struct {
	mu      sync.Mutex
	group   *flow.Group[T]
	entries map[K]*entry[K, T]
	factory Factory[K, T]

	expiryTicks time.Duration
	expiryMu    sync.Mutex
	pending     map[K]*entry[K, T]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Options configure the idle-expiry sweep.
type Options struct {
	// ExpiryTicks is how long an entry may sit idle before it is pruned.
	// Default 60s per spec.md section 5.
	ExpiryTicks time.Duration
	// ExpiryBucketCount controls the sweep frequency: the sweep runs
	// every ExpiryTicks/ExpiryBucketCount. Default 20 per spec.md
	// section 5.
	ExpiryBucketCount int
}

// DefaultOptions matches spec.md section 5's defaults.
var DefaultOptions = Options{
	ExpiryTicks:       60 * time.Second,
	ExpiryBucketCount: 20,
}

// New creates a Collection whose values come from factory. onActive (may
// be nil) is invoked when the Collection as a whole transitions between
// idle and non-empty, so it can be nested as a child of an outer Group or
// Collection.
func New[K comparable, T any](factory Factory[K, T], opts Options, onActive flow.OnActivation) *Collection[K, T] {
	if opts.ExpiryTicks <= 0 {
		opts.ExpiryTicks = DefaultOptions.ExpiryTicks
	}
	if opts.ExpiryBucketCount <= 0 {
		opts.ExpiryBucketCount = DefaultOptions.ExpiryBucketCount
	}
	c := &Collection[K, T]{
		group:       flow.NewGroup[T](onActive),
		entries:     make(map[K]*entry[K, T]),
		factory:     factory,
		expiryTicks: opts.ExpiryTicks,
		pending:     make(map[K]*entry[K, T]),
		stopCh:      make(chan struct{}),
	}
	interval := opts.ExpiryTicks / time.Duration(opts.ExpiryBucketCount)
	if interval <= 0 {
		interval = time.Second
	}
	go c.sweepLoop(interval)
	return c
}

// Close stops the background expiry sweep. Entries are left as-is.
func (c *Collection[K, T]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// GetOrAdd returns the existing value for key, or builds one via the
// factory, admits it into the scheduling group with equal weight, and
// arms it for idle expiry.
func (c *Collection[K, T]) GetOrAdd(key K) flow.Flow[T] {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.value
	}
	value := c.factory(key)
	e := &entry[K, T]{
		key:           key,
		value:         value,
		isNewlyAdded:  true,
		deactivatedAt: time.Now().UnixNano(),
	}
	e.child = c.group.AddChild(key, value, equalWeight)
	c.entries[key] = e
	c.mu.Unlock()

	value.(activationWirer[T]).SetOnActivation(func(activated bool, counter uint64) {
		c.onChildActivation(e, activated, counter)
	})
	// A newly added entry is deactivated-now, so arm it for expiry
	// immediately unless it already has work queued.
	if value.Len() == 0 {
		c.armExpiry(e)
	}
	return value
}

// activationWirer lets Collection rebind the activation callback of
// whatever Flow[T] the factory produced, after the Child handle exists.
// flow.Leaf, flow.Group, and a nested Collection all expose
// SetOnActivation and so satisfy it without any adapter.
type activationWirer[T any] interface {
	SetOnActivation(flow.OnActivation)
}

func (c *Collection[K, T]) onChildActivation(e *entry[K, T], activated bool, counter uint64) {
	e.mu.Lock()
	if counter <= e.epoch && !e.isNewlyAdded {
		e.mu.Unlock()
		return // stale/out-of-order delivery, discard
	}
	e.epoch = counter
	e.isNewlyAdded = false
	if activated {
		e.deactivatedAt = neverExpire
		e.mu.Unlock()
	} else {
		e.deactivatedAt = time.Now().UnixNano()
		e.mu.Unlock()
		c.armExpiry(e)
	}
	c.group.NotifyActivation(e.child, activated, counter)
}

func (c *Collection[K, T]) armExpiry(e *entry[K, T]) {
	e.mu.Lock()
	if e.inExpiryQueue {
		e.mu.Unlock()
		return
	}
	e.inExpiryQueue = true
	e.mu.Unlock()

	c.expiryMu.Lock()
	c.pending[e.key] = e
	c.expiryMu.Unlock()
}

func (c *Collection[K, T]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Collection[K, T]) sweepOnce() {
	now := time.Now().UnixNano()
	c.expiryMu.Lock()
	due := make([]*entry[K, T], 0, len(c.pending))
	for _, e := range c.pending {
		due = append(due, e)
	}
	c.expiryMu.Unlock()

	for _, e := range due {
		e.mu.Lock()
		deactivatedAt := e.deactivatedAt
		e.mu.Unlock()
		if deactivatedAt == neverExpire {
			c.expiryMu.Lock()
			delete(c.pending, e.key)
			c.expiryMu.Unlock()
			e.mu.Lock()
			e.inExpiryQueue = false
			e.mu.Unlock()
			continue
		}
		if now-deactivatedAt >= c.expiryTicks.Nanoseconds() {
			c.removeIfStillIdle(e)
		}
	}
}

func (c *Collection[K, T]) removeIfStillIdle(e *entry[K, T]) {
	c.mu.Lock()
	cur, ok := c.entries[e.key]
	if !ok || cur != e {
		c.mu.Unlock()
		return
	}
	e.mu.Lock()
	stillIdle := e.deactivatedAt != neverExpire
	e.mu.Unlock()
	if !stillIdle {
		c.mu.Unlock()
		return
	}
	delete(c.entries, e.key)
	c.group.RemoveChild(e.child)
	c.mu.Unlock()

	c.expiryMu.Lock()
	delete(c.pending, e.key)
	c.expiryMu.Unlock()
}

// TryGetValue returns the current value for key, if any. Safe to call
// concurrently with mutation; the result may be stale by the time the
// caller inspects it.
func (c *Collection[K, T]) TryGetValue(key K) (flow.Flow[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// ContainsKey reports whether key currently has an entry.
func (c *Collection[K, T]) ContainsKey(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// ListMembers returns a snapshot of the current keys.
func (c *Collection[K, T]) ListMembers() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]K, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// Enqueue satisfies flow.Flow[T] so a Collection can be nested as a
// child of an outer group, but enqueuing always targets a specific key's
// value via GetOrAdd; calling this directly is a programmer error,
// mirroring flow.Group.Enqueue.
func (c *Collection[K, T]) Enqueue(item T) {
	panic("clientqueue: Enqueue called on a Collection; GetOrAdd a key and enqueue on its value instead")
}

// Dequeue delegates to the internal scheduling group.
func (c *Collection[K, T]) Dequeue() (item T, ok bool) {
	return c.group.Dequeue()
}

// Len delegates to the internal scheduling group.
func (c *Collection[K, T]) Len() int {
	return c.group.Len()
}

// SetOnActivation lets a Collection be nested as a Factory's product of
// an outer Collection, mirroring flow.Leaf/Group.SetOnActivation.
func (c *Collection[K, T]) SetOnActivation(cb flow.OnActivation) {
	c.group.SetOnActivation(cb)
}
