// Package jobsmanager implements spec.md section 4.E: the registry of
// live work. It mints micro-job messages against a target promise and
// scheduling account, and routes client-initiated cancellation to
// whichever owner (a macro-job message, or a plain job registration) is
// tracking a given (promiseId, clientToken) pair.
package jobsmanager

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"go.od2.network/jobcore/pkg/cancelpool"
	"go.od2.network/jobcore/pkg/flow"
	"go.od2.network/jobcore/pkg/jobserr"
	"go.od2.network/jobcore/pkg/macrojob"
	"go.od2.network/jobcore/pkg/promise"
	"go.od2.network/jobcore/pkg/promiseid"
)

// CancellableOwner is whatever tryRegisterClientRequest recorded for a
// (promiseId, clientToken) pair: a macro-job message or any other handle
// capable of responding to client-scoped cancellation.
type CancellableOwner interface {
	CancelForClient(background bool)
}

// Manager is the jobs manager of spec.md section 4.E.
type Manager struct {
	log  *zap.Logger
	pool *cancelpool.Pool

	mu           sync.Mutex
	clientOwners map[string]CancellableOwner
	macroJobs    map[promiseid.ID]*macrojob.MacroJob
}

// New builds an empty jobs manager. pool supplies the rented
// cancellation sources SubmitBatch's macro-job messages run under
// (spec.md section 4.F/9); a fresh cancelpool.New() is the usual
// argument.
func New(log *zap.Logger, pool *cancelpool.Pool) *Manager {
	return &Manager{
		log:          log,
		pool:         pool,
		clientOwners: make(map[string]CancellableOwner),
		macroJobs:    make(map[promiseid.ID]*macrojob.MacroJob),
	}
}

func clientKey(promiseID promiseid.ID, clientTokenID uint64) string {
	return fmt.Sprintf("%s/%d", promiseID.String(), clientTokenID)
}

// RegisterJobMessage obtains or creates the target promise via
// retriever; if it is already complete, no message is needed. Otherwise
// it builds a micro-job message scheduled against account, tagged with
// cancelToken for group cancellation. Satisfies macrojob.JobRegistrar.
func (m *Manager) RegisterJobMessage(account *flow.Leaf[*macrojob.Entry], retriever func() (*promise.Promise, error), work any, cancelToken jobserr.CancelToken) (*macrojob.JobMessage, *promise.Promise, error) {
	p, err := retriever()
	if err != nil {
		return nil, nil, err
	}
	if p.IsComplete() {
		return nil, p, nil
	}
	msg := &macrojob.JobMessage{
		Account:    account,
		PromiseID:  p.ID,
		Work:       work,
		GroupToken: cancelToken,
	}
	return msg, p, nil
}

// SubmitJob is spec.md section 2's client-submission entry point for a
// single (non-batch) work item: resolve or create the target promise via
// retriever, and — unless it is already complete — install a micro-job
// message onto queue (the named ClientJobQueue the caller looked up via
// priorityqueue.System.NamedQueue for this owner/priority/name). Returns
// the target promise either way; installed reports whether a message was
// actually enqueued.
func (m *Manager) SubmitJob(queue *flow.Leaf[*macrojob.Entry], retriever func() (*promise.Promise, error), work any, cancelToken jobserr.CancelToken) (target *promise.Promise, installed bool, err error) {
	msg, p, err := m.RegisterJobMessage(queue, retriever, work, cancelToken)
	if err != nil {
		return nil, false, err
	}
	if msg == nil {
		return p, false, nil
	}
	queue.Enqueue(&macrojob.Entry{Job: msg})
	return p, true, nil
}

// SubmitBatch is spec.md section 2's client-submission entry point for
// batch work: join the shared MacroJob tracked under promiseID (building
// one over buildExpansion's result if none is tracked yet), construct
// this client's MacroJobMessage, and install it onto queue as a
// macro-job entry so the dispatcher drives its lazy expansion at
// dequeue time (spec.md section 4.F). If the tracked MacroJob has
// already gone dead, AddParticipant refuses (the "Resurrection" rule)
// and this retries with a fresh one, exactly as spec.md section 4.F
// requires of any caller holding a reference to a macro job that might
// have just died.
func (m *Manager) SubmitBatch(promiseID promiseid.ID, buildExpansion func() macrojob.Expansion, queue *flow.Leaf[*macrojob.Entry], clientToken macrojob.ClientToken, owner string) (*macrojob.MacroJob, *macrojob.MacroJobMessage) {
	for {
		m.mu.Lock()
		mj, tracked := m.macroJobs[promiseID]
		m.mu.Unlock()
		if !tracked {
			mj = macrojob.NewMacroJob(promiseID, buildExpansion(), m)
			m.RegisterMacroJob(mj, promiseID)
		}

		msg, joined := macrojob.NewMacroJobMessage(mj, queue, clientToken, m.pool, m, owner)
		if !joined {
			// mj went dead between our lookup (or construction) and
			// AddParticipant; drop it if it is still the one tracked and
			// retry with a fresh MacroJob.
			m.mu.Lock()
			if cur := m.macroJobs[promiseID]; cur == mj {
				delete(m.macroJobs, promiseID)
			}
			m.mu.Unlock()
			continue
		}

		if msg.TryTrackClientRequest() {
			m.RegisterOwner(promiseID, clientToken.ID(), msg)
		}
		queue.Enqueue(&macrojob.Entry{Macro: msg})
		return mj, msg
	}
}

// TryRegisterClientRequest records (promiseID, clientTokenID) -> owner
// for cancellation routing and deduplication; fails if the pair is
// already registered.
func (m *Manager) TryRegisterClientRequest(promiseID promiseid.ID, clientTokenID uint64, owner string) bool {
	// owner here is an opaque label used only for logging; the actual
	// cancellable handle is supplied via RegisterOwner, which callers
	// invoke immediately after a successful TryRegisterClientRequest
	// (the jobsmanager API splits "reserve the slot" from "attach the
	// handle" so macrojob's subscribe race can back out cleanly without
	// ever exposing a half-constructed owner).
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clientKey(promiseID, clientTokenID)
	if _, exists := m.clientOwners[key]; exists {
		return false
	}
	m.clientOwners[key] = nil
	return true
}

// RegisterOwner attaches the cancellable handle for a slot already
// reserved by TryRegisterClientRequest.
func (m *Manager) RegisterOwner(promiseID promiseid.ID, clientTokenID uint64, owner CancellableOwner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientOwners[clientKey(promiseID, clientTokenID)] = owner
}

// UnregisterClientRequest is the symmetric removal.
func (m *Manager) UnregisterClientRequest(promiseID promiseid.ID, clientTokenID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clientOwners, clientKey(promiseID, clientTokenID))
}

// RegisterMacroJob tracks mj so Kill and MacroJobs can reach it by
// promise id.
func (m *Manager) RegisterMacroJob(mj *macrojob.MacroJob, promiseID promiseid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.macroJobs[promiseID] = mj
}

// UnregisterMacroJob is called when a macro job becomes dead.
func (m *Manager) UnregisterMacroJob(promiseID promiseid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.macroJobs, promiseID)
}

// MacroJobs returns a snapshot of every macro job currently tracked,
// the source pkg/reporter polls for spec.md section 6's per-macro-job
// participant counts.
func (m *Manager) MacroJobs() map[promiseid.ID]*macrojob.MacroJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[promiseid.ID]*macrojob.MacroJob, len(m.macroJobs))
	for id, mj := range m.macroJobs {
		out[id] = mj
	}
	return out
}

// CancelJob finds the registered owner for (promiseID, clientTokenID)
// and invokes its client-scoped cancellation.
func (m *Manager) CancelJob(promiseID promiseid.ID, clientTokenID uint64, background bool) bool {
	m.mu.Lock()
	owner := m.clientOwners[clientKey(promiseID, clientTokenID)]
	m.mu.Unlock()
	if owner == nil {
		m.log.Debug("cancelJob: no registered owner", zap.String("promise_id", promiseID.String()))
		return false
	}
	owner.CancelForClient(background)
	return true
}

// Kill performs an authoritative group cancellation of every participant
// of the macro job identified by promiseID.
func (m *Manager) Kill(promiseID promiseid.ID, background bool) bool {
	m.mu.Lock()
	mj := m.macroJobs[promiseID]
	m.mu.Unlock()
	if mj == nil {
		m.log.Debug("kill: no registered macro job", zap.String("promise_id", promiseID.String()))
		return false
	}
	mj.Kill(background)
	return true
}
