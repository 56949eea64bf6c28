// Package dispatch implements the root dispatcher and worker pool
// described by SPEC_FULL.md section 4.H: a single goroutine pulls
// entries (micro-jobs and macro-job messages) off the prioritized queue
// system's root flow and fans them out to a bounded pool of worker
// goroutines.
//
// Grounded on the teacher's pkg/njobs/assigner.go Run/flush/flushStep/
// backOff loop shape: a ticker-driven root loop that backs off briefly
// when there is nothing to dequeue, rather than busy-spinning.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"go.od2.network/jobcore/pkg/jobserr"
	"go.od2.network/jobcore/pkg/macrojob"
	"go.od2.network/jobcore/pkg/promise"
)

// Work executes one micro-job's payload against its target promise and
// returns the output bytes to complete it with, plus the schema tag to
// store it under. The concrete worker implementation (compute, or a
// remote invocation) is explicitly out of scope per spec.md section 1;
// this is the injected seam a transport/compute layer plugs into.
type Work func(ctx context.Context, msg *macrojob.JobMessage, target *promise.Promise) (output []byte, tag promise.SchemaTag, err error)

// Root is the minimal surface the dispatcher needs from the prioritized
// queue system (pkg/priorityqueue.System[*macrojob.Entry]).
type Root interface {
	Dequeue() (*macrojob.Entry, bool)
}

// Options configure the dispatcher and worker pool.
type Options struct {
	// Workers is the number of worker goroutines draining the internal
	// fan-out channel. Default 4 if <= 0.
	Workers int
	// QueueSize is the buffer depth of the internal chan *macrojob.Entry
	// standing in for the teacher's Kafka/Redis fan-out, since spec.md
	// explicitly places transport out of scope. Default 64 if <= 0.
	QueueSize int
	// EmptyBackoff is how long the dispatcher sleeps after finding the
	// root momentarily empty, mirroring assigner.go's backOff on
	// ErrNoWorkers. Default 50ms if <= 0.
	EmptyBackoff time.Duration
}

// DefaultOptions matches the teacher's conservative assigner defaults,
// scaled down for an in-process pool rather than a distributed one.
var DefaultOptions = Options{
	Workers:      4,
	QueueSize:    64,
	EmptyBackoff: 50 * time.Millisecond,
}

// Dispatcher drains Root and executes each entry: a ready JobMessage's
// work is run and completes its target promise; a MacroJobMessage is
// enumerated to lazily produce further JobMessages, which are fed back
// into the scheduling flow (spec.md section 4.F's enumeration algorithm
// step (g)) rather than run directly.
type Dispatcher struct {
	log     *zap.Logger
	root    Root
	work    Work
	opts    Options
	store   *promise.Store
	jobCh   chan *macrojob.Entry
	stopped chan struct{}
}

// New builds a dispatcher. store is used to resolve a JobMessage's
// PromiseID to the live *promise.Promise so the worker result can
// complete it.
func New(log *zap.Logger, root Root, store *promise.Store, work Work, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions.QueueSize
	}
	if opts.EmptyBackoff <= 0 {
		opts.EmptyBackoff = DefaultOptions.EmptyBackoff
	}
	return &Dispatcher{
		log:     log,
		root:    root,
		work:    work,
		opts:    opts,
		store:   store,
		jobCh:   make(chan *macrojob.Entry, opts.QueueSize),
		stopped: make(chan struct{}),
	}
}

// Run starts the worker pool and the root dispatch loop. It blocks
// until ctx is cancelled, then drains in-flight workers before
// returning.
func (d *Dispatcher) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var workers sync.WaitGroup
		for i := 0; i < d.opts.Workers; i++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				d.workerLoop(ctx)
			}()
		}
		d.dispatchLoop(ctx)
		workers.Wait()
	}()
	<-ctx.Done()
	<-done
	close(d.stopped)
}

// dispatchLoop is the single root-dispatcher goroutine: pull from the
// prioritized queue root, push to the fan-out channel, back off briefly
// when the root is momentarily empty (assigner.go's flush/backOff
// shape, replacing Kafka throttling with a plain ticker).
func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	backoff := time.NewTimer(d.opts.EmptyBackoff)
	defer backoff.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, ok := d.root.Dequeue()
		if !ok {
			backoff.Reset(d.opts.EmptyBackoff)
			select {
			case <-ctx.Done():
				return
			case <-backoff.C:
			}
			continue
		}
		select {
		case d.jobCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-d.jobCh:
			if !ok {
				return
			}
			d.runEntry(ctx, entry)
		}
	}
}

// runEntry dispatches on which half of the entry is populated: a ready
// micro-job runs directly; a macro-job message drives its lazy
// expansion instead (spec.md section 2's data-flow paragraph).
func (d *Dispatcher) runEntry(ctx context.Context, entry *macrojob.Entry) {
	if entry.Job != nil {
		d.runJob(ctx, entry.Job)
		return
	}
	if entry.Macro != nil {
		d.runMacro(ctx, entry.Macro)
	}
}

// runMacro drives one macro-job message's expansion (spec.md section
// 4.F's enumeration algorithm). Each JobMessage it yields is inserted
// back into the scheduling flow on the same account the macro entry
// itself was queued against, per step (g) ("yield it to the caller,
// which inserts it into the scheduling flow") — it is not run directly
// here, so it still goes through the fair-scheduling and worker-pool
// machinery like any other micro-job.
func (d *Dispatcher) runMacro(ctx context.Context, msg *macrojob.MacroJobMessage) {
	err := msg.Enumerate(ctx, func(jm *macrojob.JobMessage) bool {
		if jm.Account != nil {
			jm.Account.Enqueue(&macrojob.Entry{Job: jm})
		}
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})
	if err != nil && ctx.Err() == nil {
		d.log.Warn("dispatch: macro job enumeration failed", zap.Error(err))
	}
}

// runJob executes a single micro-job: resolve its target promise, run
// the injected Work, and complete the promise with the result. A
// JobExecutionError is logged and not propagated further up; it is not
// stored on the child promise, which is left incomplete.
func (d *Dispatcher) runJob(ctx context.Context, msg *macrojob.JobMessage) {
	target, err := d.store.GetByID(msg.PromiseID)
	if err != nil || target == nil {
		d.log.Error("dispatch: target promise vanished",
			zap.String("promise_id", msg.PromiseID.String()), zap.Error(err))
		return
	}
	if target.IsComplete() {
		return
	}
	runCtx := ctx
	if msg.GroupToken != nil {
		if withCtx, ok := msg.GroupToken.(interface{ Context() context.Context }); ok {
			var cancel context.CancelFunc
			runCtx, cancel = contextWithParent(ctx, withCtx.Context())
			defer cancel()
		}
	}
	output, tag, err := d.work(runCtx, msg, target)
	if err != nil {
		if runCtx.Err() != nil {
			d.log.Debug("dispatch: job cancelled", zap.String("promise_id", msg.PromiseID.String()))
			return
		}
		werr := jobserr.Wrap(jobserr.KindJobExecution, err)
		d.log.Warn("dispatch: job execution failed",
			zap.String("promise_id", msg.PromiseID.String()), zap.Error(werr))
		return
	}
	d.store.Complete(target, output, tag)
}

// contextWithParent derives a context that is cancelled when either ctx
// or group is done, without discarding ctx's own deadline/values.
func contextWithParent(ctx context.Context, group context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-group.Done():
			cancel()
		case <-stop:
		}
	}()
	return merged, func() {
		close(stop)
		cancel()
	}
}
