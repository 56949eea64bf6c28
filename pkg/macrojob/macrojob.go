// Package macrojob implements spec.md section 4.F, the hard core of the
// server: a single client-visible promise whose payload is a lazily
// expanded list of child promises, shared by every client that submitted
// the same deduplicated batch request. The protocol balances laziness
// (expand only once, on first dequeue), cancellation (any one client may
// withdraw without affecting the others), and correctness under
// concurrent disposal (the shared participant list and refcount must
// never desynchronize).
package macrojob

import (
	"context"
	"sync"
	"sync/atomic"

	"go.od2.network/jobcore/pkg/cancelpool"
	"go.od2.network/jobcore/pkg/flow"
	"go.od2.network/jobcore/pkg/jobserr"
	"go.od2.network/jobcore/pkg/promise"
	"go.od2.network/jobcore/pkg/promiseid"
)

// state is the atomic cell driving a MacroJobMessage's lifecycle:
// fresh (0) -> enumerating (1) -> dead (terminal), or fresh/enumerating
// -> dead (-1) directly via cancellation.
type state int32

const (
	stateFresh       state = 0
	stateEnumerating state = 1
	stateDead        state = -1
)

// WorkItem is one unit the expansion enumerator produces: a retriever
// for the target promise and an opaque work descriptor for the
// dispatcher/worker to execute.
type WorkItem struct {
	PromiseRetriever func() (*promise.Promise, error)
	Work             any
}

// Expansion is the lazy, single-pass sequence of WorkItems a macro job
// expands into. Implementations need not be goroutine-safe; only one
// MacroJobMessage ever drives it (the first to reach the dequeue).
type Expansion interface {
	// Next returns the next item, or ok=false once the sequence is
	// exhausted.
	Next(ctx context.Context) (item WorkItem, ok bool, err error)
	// Close releases any resources held by the expansion.
	Close()
}

// JobRegistrar is the subset of the jobs manager (component E) the
// macro-job expansion depends on, kept as a narrow interface here so
// pkg/jobsmanager can depend on pkg/macrojob without a cycle.
type JobRegistrar interface {
	// RegisterJobMessage obtains or creates the target promise via
	// retriever. If already complete, it returns a nil message (no
	// scheduling needed) with the existing promise. Otherwise it builds a
	// micro-job message scheduled against account, tagged with
	// cancelToken for group cancellation.
	RegisterJobMessage(account *flow.Leaf[*Entry], retriever func() (*promise.Promise, error), work any, cancelToken jobserr.CancelToken) (*JobMessage, *promise.Promise, error)
	// TryRegisterClientRequest records (promiseID, clientTokenID) -> owner
	// for cancellation routing and dedup; fails if already present.
	TryRegisterClientRequest(promiseID promiseid.ID, clientTokenID uint64, owner string) bool
	// UnregisterClientRequest is the symmetric removal.
	UnregisterClientRequest(promiseID promiseid.ID, clientTokenID uint64)
	// UnregisterMacroJob is called once the macro job becomes dead.
	UnregisterMacroJob(promiseID promiseid.ID)
}

// JobMessage is an individually launchable micro-job (spec.md section 3).
type JobMessage struct {
	Account    *flow.Leaf[*Entry]
	PromiseID  promiseid.ID
	Work       any
	GroupToken jobserr.CancelToken
}

// Entry is the single type every named client queue carries (spec.md
// section 2's data-flow paragraph: a client submission "installs either
// a single micro-job message into a specific client queue ... or ... a
// single macro-job message" that expands into many at dequeue time).
// Exactly one of Job or Macro is set.
type Entry struct {
	Job   *JobMessage
	Macro *MacroJobMessage
}

// ClientToken is a cancellation source scoped to one client's request.
// *cancelpool.Source satisfies this.
type ClientToken interface {
	jobserr.CancelToken
	Done() <-chan struct{}
}

// MacroJob is the shared state for every client that submitted the same
// deduplicated batch request (spec.md section 3).
type MacroJob struct {
	PromiseID     promiseid.ID
	ResultBuilder *ResultBuilder
	Expansion     Expansion
	Registrar     JobRegistrar

	mu           sync.Mutex
	participants []*MacroJobMessage
	count        int // -1 once dead; refuses further AddParticipant calls
}

// NewMacroJob constructs a fresh, live MacroJob.
func NewMacroJob(id promiseid.ID, expansion Expansion, registrar JobRegistrar) *MacroJob {
	return &MacroJob{
		PromiseID:     id,
		ResultBuilder: NewResultBuilder(),
		Expansion:     expansion,
		Registrar:     registrar,
	}
}

// AddParticipant admits msg to the participants list, refusing if the
// macro job is already dead (spec.md section 4.F's "Resurrection":
// AddParticipant must refuse while state is dead; the caller must
// construct a new MacroJob instead).
func (m *MacroJob) AddParticipant(msg *MacroJobMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count < 0 {
		return false
	}
	m.count++
	m.participants = append(m.participants, msg)
	return true
}

// removeParticipant drops msg from the list, decrementing count; if
// count falls to zero the macro job transitions to dead and the jobs
// manager is notified to unregister it.
func (m *MacroJob) removeParticipant(msg *MacroJobMessage) {
	m.mu.Lock()
	for i, p := range m.participants {
		if p == msg {
			m.participants = append(m.participants[:i], m.participants[i+1:]...)
			break
		}
	}
	if m.count < 0 {
		m.mu.Unlock()
		return
	}
	m.count--
	becameDead := m.count == 0
	if becameDead {
		m.count = -1
	}
	registrar := m.Registrar
	m.mu.Unlock()

	if becameDead {
		if registrar != nil {
			registrar.UnregisterMacroJob(m.PromiseID)
		}
		// Every participant withdrew before completion: the shared
		// promise must be completed with cancellation exactly once
		// (spec.md section 8, invariant 5).
		m.ResultBuilder.TryComplete(0, jobserr.NewCancelError(nil), nil)
	}
}

// ParticipantCount reports the number of participants currently sharing
// this macro job (spec.md section 6's "for each macro job: participant
// count"), or -1 once the macro job is dead.
func (m *MacroJob) ParticipantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count < 0 {
		return -1
	}
	return len(m.participants)
}

// Kill cancels every participant, snapshotting the list under the lock
// first since cancellation may remove nodes from it concurrently (spec.md
// section 4.F).
func (m *MacroJob) Kill(background bool) {
	m.mu.Lock()
	snapshot := append([]*MacroJobMessage(nil), m.participants...)
	m.mu.Unlock()
	for _, p := range snapshot {
		p.Cancel(background)
	}
}

// MacroJobMessage is one participant's view of a shared MacroJob
// (spec.md section 3).
type MacroJobMessage struct {
	macroJob    *MacroJob
	account     *flow.Leaf[*Entry]
	clientToken ClientToken
	pool        *cancelpool.Pool
	registrar   JobRegistrar
	owner       string

	mu                      sync.Mutex
	source                  *cancelpool.Source // rented for the run, once enumeration starts
	isCancelled             bool
	disposed                bool
	isTrackingClientRequest bool
	watchStop               chan struct{}

	state          int32 // atomic, one of the state constants
	ranEnumeration int32 // atomic bool: 1 once the (fresh -> enumerating) CAS ever succeeded
}

// NewMacroJobMessage constructs a message and attempts to join mj's
// participants. Returns ok=false if mj is already dead; the caller must
// then construct a new MacroJob for its request (spec.md section 4.F's
// Resurrection rule).
func NewMacroJobMessage(mj *MacroJob, account *flow.Leaf[*Entry], clientToken ClientToken, pool *cancelpool.Pool, registrar JobRegistrar, owner string) (*MacroJobMessage, bool) {
	msg := &MacroJobMessage{
		macroJob:    mj,
		account:     account,
		clientToken: clientToken,
		pool:        pool,
		registrar:   registrar,
		owner:       owner,
	}
	if !mj.AddParticipant(msg) {
		return nil, false
	}
	return msg, true
}

// TryTrackClientRequest records (promiseID, clientToken) -> owner with
// the jobs manager, then re-checks state with an acquire load: between
// the successful registration and setting the local flag, another
// participant's cancellation may have killed this message. atomic.LoadInt32
// is a sequentially consistent load and so serves as the acquire fence
// the spec requires even on weakly-ordered architectures (spec.md section
// 4.F's "Subscribe race").
func (m *MacroJobMessage) TryTrackClientRequest() bool {
	if m.registrar == nil {
		return false
	}
	if !m.registrar.TryRegisterClientRequest(m.macroJob.PromiseID, m.clientToken.ID(), m.owner) {
		return false
	}
	m.mu.Lock()
	m.isTrackingClientRequest = true
	m.mu.Unlock()

	if state(atomic.LoadInt32(&m.state)) != stateFresh {
		m.registrar.UnregisterClientRequest(m.macroJob.PromiseID, m.clientToken.ID())
		m.mu.Lock()
		m.isTrackingClientRequest = false
		m.mu.Unlock()
		return false
	}
	return true
}

// Enumerate runs the enumeration algorithm exactly once for this
// message. yield is called for each micro-job message produced (the
// caller is responsible for inserting it into the scheduling flow); it
// may return false to stop early (mirrors foreach break semantics), in
// which case Enumerate stops producing further items but still runs
// cleanup.
func (m *MacroJobMessage) Enumerate(ctx context.Context, yield func(*JobMessage) bool) error {
	if !atomic.CompareAndSwapInt32(&m.state, int32(stateFresh), int32(stateEnumerating)) {
		if atomic.LoadInt32(&m.ranEnumeration) == 0 {
			// Never granted the right to drive expansion: cancelled or
			// disposed before ever being dequeued, the "speculative
			// construction, never ran, never will" terminal of Design
			// Notes section 9. Not a programmer error; yield nothing.
			return nil
		}
		return jobserr.New(jobserr.KindSchedulingInvariant, "macro job message enumerator invoked twice")
	}
	atomic.StoreInt32(&m.ranEnumeration, 1)
	defer m.basicCleanUp()

	// 1. Short-circuit if a sibling already produced the full result.
	if m.macroJob.ResultBuilder.IsComplete() {
		return nil
	}

	// 2. Rent a cancellation source for the run and watch the client
	// token, unless already cancelled.
	m.mu.Lock()
	alreadyCancelled := m.isCancelled
	m.mu.Unlock()
	if !alreadyCancelled && !clientTriggered(m.clientToken) {
		source := m.pool.Rent(ctx)
		m.mu.Lock()
		m.source = source
		stop := make(chan struct{})
		m.watchStop = stop
		m.mu.Unlock()
		go m.watchClientToken(source, stop)
	}

	m.mu.Lock()
	jobCancelToken := m.source
	m.mu.Unlock()

	// 3. Acquire the shared expansion enumerator (only the first message
	// to reach this point ever calls Next; later ones break immediately
	// at 4b because the result builder will already be complete, or they
	// were never admitted past step 2 because jobCancelToken is nil).
	nextCtx := ctx
	if jobCancelToken != nil {
		nextCtx = jobCancelToken.Context()
	}
	count := 0
	var enumErr error
loop:
	for {
		// a.
		if jobCancelToken == nil || jobCancelToken.Triggered() {
			break loop
		}
		// b.
		if m.macroJob.ResultBuilder.IsComplete() {
			break loop
		}
		// c.
		item, ok, err := m.macroJob.Expansion.Next(nextCtx)
		if err != nil && nextCtx.Err() == nil {
			enumErr = err
			break loop
		}
		if !ok {
			break loop
		}
		// d.
		if jobCancelToken != nil && jobCancelToken.Triggered() {
			break loop
		}
		// e.
		var groupToken jobserr.CancelToken
		if jobCancelToken != nil {
			groupToken = jobCancelToken
		}
		jobMsg, childPromise, err := m.registrar.RegisterJobMessage(m.account, item.PromiseRetriever, item.Work, groupToken)
		if err != nil {
			enumErr = err
			break loop
		}
		// f.
		m.macroJob.ResultBuilder.SetMember(count, childPromise)
		count++
		// g.
		if jobMsg != nil {
			if !yield(jobMsg) {
				break loop
			}
		}
	}
	m.macroJob.Expansion.Close()

	// 6/7.
	if (jobCancelToken == nil || jobCancelToken.Triggered()) && enumErr == nil {
		m.failIfOnlyProducer(count, nil)
		return nil
	}
	if m.macroJob.ResultBuilder.TryComplete(count, enumErr, jobCancelToken) {
		go func() {
			if _, err := m.macroJob.ResultBuilder.WaitForAllPromises(context.Background()); err != nil {
				_ = err // already recorded on the result builder; nothing further to do here
			}
		}()
	}
	// The run finished without the rented source ever firing: hand it
	// back to the pool rather than leaking it (spec.md section 4.F/9:
	// "each must be returned exactly once"; returning a triggered source
	// is forbidden, so a cancelled run's source is left for Cancel's
	// Trigger to own instead). Clear m.source first so a concurrent
	// Cancel racing in right now finds nothing left to trigger.
	if jobCancelToken != nil && !jobCancelToken.Triggered() {
		m.mu.Lock()
		owned := m.source == jobCancelToken
		if owned {
			m.source = nil
		}
		m.mu.Unlock()
		if owned {
			jobCancelToken.Return()
		}
	}
	return enumErr
}

// failIfOnlyProducer performs basicCleanUp and, if this was the last
// participant, completes the result builder with cancellation. Other
// participants silently withdraw, preserving an in-progress run driven
// by some other producer (spec.md section 4.F's "Shared completion
// policy").
func (m *MacroJobMessage) failIfOnlyProducer(count int, err error) {
	m.basicCleanUp()
}

// watchClientToken fires Cancel(background=true) when the client token
// triggers, unless the watch is stopped first (the idiomatic-Go stand-in
// for the spec's callback registration on the client token).
func (m *MacroJobMessage) watchClientToken(source *cancelpool.Source, stop chan struct{}) {
	select {
	case <-m.clientToken.Done():
		m.Cancel(true)
	case <-stop:
	case <-source.Context().Done():
	}
}

func clientTriggered(tok ClientToken) bool {
	select {
	case <-tok.Done():
		return true
	default:
		return false
	}
}

// CancelForClient lets a MacroJobMessage serve as the owner registered
// with the jobs manager's cancellation routing table (pkg/jobsmanager).
func (m *MacroJobMessage) CancelForClient(background bool) {
	m.Cancel(background)
}

// Cancel is idempotent: sets isCancelled, swaps out the rented
// cancellation source, fires it (possibly in the background to keep the
// caller's thread clear of downstream handlers), then disposes.
func (m *MacroJobMessage) Cancel(background bool) {
	m.mu.Lock()
	if m.isCancelled {
		m.mu.Unlock()
		return
	}
	m.isCancelled = true
	source := m.source
	m.source = nil
	m.mu.Unlock()

	fire := func() {
		if source != nil {
			source.Trigger()
		}
	}
	if background {
		go fire()
	} else {
		fire()
	}
	m.basicCleanUp()
}

// basicCleanUp implements spec.md section 4.F's cleanup ordering: unhook
// the client-token watch, unregister from the jobs manager if tracked,
// then remove from the participants list (which transitions the macro
// job to dead if this was the last participant). Idempotent.
func (m *MacroJobMessage) basicCleanUp() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	stop := m.watchStop
	tracking := m.isTrackingClientRequest
	m.isTrackingClientRequest = false
	m.mu.Unlock()

	// 1. Unregister the client-token watch.
	if stop != nil {
		close(stop)
	}
	// 2.
	if tracking && m.registrar != nil {
		m.registrar.UnregisterClientRequest(m.macroJob.PromiseID, m.clientToken.ID())
	}
	// 3.
	m.macroJob.removeParticipant(m)
	atomic.StoreInt32(&m.state, int32(stateDead))
}
