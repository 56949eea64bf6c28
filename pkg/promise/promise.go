// Package promise implements spec.md section 4.A: the Promise Store, a
// mapping id -> weak handle backed by pkg/kvstore for persistence. Go has
// no native weak reference, so completion demotes a promise from a
// strong in-memory object to a "persisted-weak" marker via an
// atomic.Pointer swap (spec.md section 9's design note) instead of
// relying on a finalizer.
package promise

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go.od2.network/jobcore/pkg/jobserr"
	"go.od2.network/jobcore/pkg/kvstore"
	"go.od2.network/jobcore/pkg/promiseid"
)

// MaxPersistedPayload is the size cap past which a completed promise is
// never written to the KV store and remains memory-only (spec.md
// section 3's "Promise Blob ... size-capped at 16 MiB").
const MaxPersistedPayload = 16 << 20

// SchemaTag identifies how a promise's payload bytes are encoded, so the
// store's caller-supplied codec can dispatch on it when rematerializing
// from disk.
type SchemaTag = uint8

// Codec (de)serializes application payloads. One is supplied by the
// caller per schema tag, analogous to spec.md section 4.A's "schema
// registry".
type Codec interface {
	Encode(tag SchemaTag, v any) ([]byte, error)
	Decode(tag SchemaTag, raw []byte) (any, error)
}

// UpdateSubscriber is invoked exactly once, on the goroutine that marks a
// promise complete, per transition to completed (spec.md section 3).
type UpdateSubscriber func(p *Promise)

// liveState is the slot held in the store's live map: either a strong
// reference (incomplete promise, retained) or a weak marker (completed
// and persisted, reference cleared so the Promise can be collected).
type liveState struct {
	strong *Promise // nil once demoted to weak
}

// Promise is the central entity of spec.md section 3.
type Promise struct {
	ID promiseid.ID

	mu          sync.Mutex
	input       any
	output      any
	isComplete  bool
	schemaTag   SchemaTag
	subscribers []UpdateSubscriber
}

// Input returns the promise's input payload.
func (p *Promise) Input() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

// Output returns the promise's output payload and whether it is set.
func (p *Promise) Output() (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output, p.isComplete
}

// IsComplete reports whether output has been definitively set. Once
// true it never reverts (spec.md section 3's invariant).
func (p *Promise) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isComplete
}

// Subscribe registers a callback fired exactly once on the transition to
// completed. If the promise is already complete, the callback fires
// synchronously and immediately.
func (p *Promise) Subscribe(cb UpdateSubscriber) {
	p.mu.Lock()
	if p.isComplete {
		p.mu.Unlock()
		cb(p)
		return
	}
	p.subscribers = append(p.subscribers, cb)
	p.mu.Unlock()
}

// complete marks the promise done and returns the subscribers to notify;
// it is a no-op (returns ok=false) if already complete.
func (p *Promise) complete(output any, schemaTag SchemaTag) (subs []UpdateSubscriber, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isComplete {
		return nil, false
	}
	p.output = output
	p.schemaTag = schemaTag
	p.isComplete = true
	subs = p.subscribers
	p.subscribers = nil
	return subs, true
}

// Store is the Promise Store of spec.md section 4.A.
type Store struct {
	log   *zap.Logger
	kv    *kvstore.Store
	cache *kvstore.ReadCache
	codec Codec

	live sync.Map // promiseid.ID -> *liveState

	nextSeq   uint64
	serviceID uint32

	sweepTicks uint64 // rate-limits opportunistic housekeeping
}

// NewStore builds a promise store over kv, scoped to serviceID for id
// minting.
func NewStore(log *zap.Logger, kv *kvstore.Store, cache *kvstore.ReadCache, codec Codec, serviceID uint32) *Store {
	return &Store{log: log, kv: kv, cache: cache, codec: codec, serviceID: serviceID}
}

// Create mints a fresh promise id, registers it live, and — if input
// already yields a small, complete output — persists it immediately.
// completeNow, if non-nil, supplies the already-known output and its
// schema tag.
func (s *Store) Create(input any, completeNow func() (output any, tag SchemaTag, ok bool)) *Promise {
	seq := atomic.AddUint64(&s.nextSeq, 1)
	id := promiseid.ID{ServiceID: s.serviceID, Sequence: seq}
	p := &Promise{ID: id, input: input}
	s.live.Store(id, &liveState{strong: p})

	p.Subscribe(func(done *Promise) { s.onUpdate(done) })

	if completeNow != nil {
		if out, tag, ok := completeNow(); ok {
			s.Complete(p, out, tag)
		}
	}
	s.maybeSweep()
	return p
}

// Complete marks p done with output, notifying subscribers (including
// the internal persist-and-demote handler) exactly once.
func (s *Store) Complete(p *Promise, output any, tag SchemaTag) {
	subs, ok := p.complete(output, tag)
	if !ok {
		return
	}
	for _, cb := range subs {
		cb(p)
	}
}

// onUpdate is the internal handler subscribed at Create time: on
// completion it serializes (if under the size cap) and persists the
// payload, then demotes the live slot to weak. Runs synchronously on the
// completing goroutine (SPEC_FULL.md's resolution of spec.md section 9's
// open question), and must be safe to call from any goroutine since
// Complete may be invoked from whichever worker finished the job.
func (s *Store) onUpdate(p *Promise) {
	output, ok := p.Output()
	if !ok {
		return
	}
	raw, err := s.codec.Encode(p.schemaTag, output)
	if err == nil && len(raw) <= MaxPersistedPayload {
		blob, encErr := kvstore.EncodeBlob(p.schemaTag, raw)
		if encErr != nil {
			s.log.Warn("promise blob encode failed, remaining memory-resident",
				zap.String("promise_id", p.ID.String()), zap.Error(encErr))
		} else if putErr := s.kv.Set(p.ID.Encode(), blob); putErr != nil {
			s.log.Warn("promise persist failed, remaining memory-resident",
				zap.String("promise_id", p.ID.String()), zap.Error(putErr))
		} else {
			if s.cache != nil {
				s.cache.Put(p.ID.Encode(), blob)
			}
			// Persisted: demote the live slot to weak so the Promise can
			// be collected once external strong references drop.
			if v, ok := s.live.Load(p.ID); ok {
				v.(*liveState).strong = nil
			}
			return
		}
	} else if err != nil {
		s.log.Warn("promise encode failed, remaining memory-resident",
			zap.String("promise_id", p.ID.String()), zap.Error(err))
	}
	// Oversize or unpersistable: stays strongly referenced in the live
	// map; never persisted (spec.md section 3's Promise Blob cap).
}

// GetByID consults the live map first, then the KV store.
func (s *Store) GetByID(id promiseid.ID) (*Promise, error) {
	if v, ok := s.live.Load(id); ok {
		st := v.(*liveState)
		if st.strong != nil {
			return st.strong, nil
		}
	}
	key := id.Encode()
	var raw []byte
	var found bool
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			raw, found = cached, true
		}
	}
	if !found {
		got, ok, err := s.kv.Get(key)
		if err != nil {
			return nil, jobserr.Wrap(jobserr.KindPersistenceFailure, err)
		}
		if !ok {
			return nil, nil
		}
		raw, found = got, true
		if s.cache != nil {
			s.cache.Put(key, raw)
		}
	}
	tag, payload, err := kvstore.DecodeBlob(raw)
	if err != nil {
		// Deserialization failure on read yields a miss, per spec.md
		// section 4.A.
		s.log.Warn("promise blob decode failed, treating as miss",
			zap.String("promise_id", id.String()), zap.Error(err))
		return nil, nil
	}
	output, err := s.codec.Decode(tag, payload)
	if err != nil {
		s.log.Warn("promise payload decode failed, treating as miss",
			zap.String("promise_id", id.String()), zap.Error(err))
		return nil, nil
	}
	p := &Promise{ID: id, output: output, isComplete: true, schemaTag: tag}
	s.live.Store(id, &liveState{strong: nil})
	p.Subscribe(func(done *Promise) { s.onUpdate(done) })
	return p, nil
}

// SchedulePromiseExpiry is a reserved operation; spec.md section 4.A
// permits a no-op implementation as long as it does not corrupt state.
func (s *Store) SchedulePromiseExpiry(p *Promise, when time.Time) {
	_ = p
	_ = when
}

// maybeSweep runs opportunistic housekeeping over the live map,
// rate-limited by a tick counter so it does not run on every call.
func (s *Store) maybeSweep() {
	const sweepEvery = 256
	if atomic.AddUint64(&s.sweepTicks, 1)%sweepEvery != 0 {
		return
	}
	s.live.Range(func(key, value any) bool {
		st := value.(*liveState)
		if st.strong == nil {
			// Already weak; nothing further to prune without a real GC
			// finalizer, but the slot itself is cheap to drop so a later
			// GetByID simply re-hydrates from the KV store.
			s.live.Delete(key)
		}
		return true
	})
}
