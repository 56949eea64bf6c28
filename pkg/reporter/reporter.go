// Package reporter implements SPEC_FULL.md section 4.I: periodic
// polling of the scheduler observables named by spec.md section 6 (per
// client-queue queued/served/charged counts, per macro-job participant
// counts) and publishing them as OpenTelemetry metric instruments,
// mirroring the teacher's pkg/njobs/reporter.go periodic-loop shape and
// pkg/njobs/assigner.go's NewAssignerMetrics registration idiom (atomic
// backing values read by an UpDownSumObserver callback).
package reporter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"go.od2.network/jobcore/pkg/flow"
	"go.od2.network/jobcore/pkg/macrojob"
	"go.od2.network/jobcore/pkg/promiseid"
)

// NamedQueue is one client queue worth observing, keyed for logging by
// its (owner, priority, name) tuple per spec.md section 3's JobQueueKey.
type NamedQueue[T any] struct {
	Owner    string
	Priority int
	Name     string
	Leaf     *flow.Leaf[T]
}

// QueueSource supplies the current set of client queues to observe. A
// caller typically implements this by snapshotting
// pkg/priorityqueue.System's tiers via ListMembers.
type QueueSource[T any] func() []NamedQueue[T]

// MacroJobSource supplies the current set of live macro jobs to observe.
type MacroJobSource func() map[promiseid.ID]*macrojob.MacroJob

// Metrics holds the OpenTelemetry instruments this reporter publishes.
// Per-queue/per-macro-job detail is carried in Snapshot (read via
// Reporter.Snapshot) rather than as metric labels, since the teacher's
// otel version (v0.20.0) registers observers without a label-cardinality
// API; aggregate totals are what get exported to Prometheus.
type Metrics struct {
	sweeps metric.Int64Counter

	queued       int64
	served       int64
	charged      int64
	participants int64
}

// NewMetrics registers the reporter's instruments against meter,
// following njobs.NewAssignerMetrics's constructor-with-error shape.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	metrics := new(Metrics)
	var err error
	metrics.sweeps, err = m.NewInt64Counter("jobcore_reporter_sweeps")
	if err != nil {
		return nil, err
	}
	if _, err := m.NewInt64UpDownSumObserver("jobcore_queue_queued_total",
		func(_ context.Context, res metric.Int64ObserverResult) {
			res.Observe(atomic.LoadInt64(&metrics.queued))
		}); err != nil {
		return nil, err
	}
	if _, err := m.NewInt64UpDownSumObserver("jobcore_queue_served_total",
		func(_ context.Context, res metric.Int64ObserverResult) {
			res.Observe(atomic.LoadInt64(&metrics.served))
		}); err != nil {
		return nil, err
	}
	if _, err := m.NewInt64UpDownSumObserver("jobcore_queue_charged_total",
		func(_ context.Context, res metric.Int64ObserverResult) {
			res.Observe(atomic.LoadInt64(&metrics.charged))
		}); err != nil {
		return nil, err
	}
	if _, err := m.NewInt64UpDownSumObserver("jobcore_macrojob_participants_total",
		func(_ context.Context, res metric.Int64ObserverResult) {
			res.Observe(atomic.LoadInt64(&metrics.participants))
		}); err != nil {
		return nil, err
	}
	return metrics, nil
}

// Reporter is the periodic scheduler-observables sweep of SPEC_FULL.md
// section 4.I.
type Reporter struct {
	Log       *zap.Logger
	Metrics   *Metrics
	Queues    QueueSource[*macrojob.Entry]
	MacroJobs MacroJobSource
	Interval  time.Duration

	mu       sync.Mutex
	snapshot Snapshot
}

// QueueSnapshot is one client queue's stats at sweep time.
type QueueSnapshot struct {
	Owner    string
	Priority int
	Name     string
	Stats    flow.Stats
}

// MacroJobSnapshot is one macro job's participant count at sweep time.
type MacroJobSnapshot struct {
	PromiseID    promiseid.ID
	Participants int
}

// Snapshot is a read-only view of the scheduler observables as of the
// most recent sweep, per spec.md section 6.
type Snapshot struct {
	Queues    []QueueSnapshot
	MacroJobs []MacroJobSnapshot
	At        time.Time
}

// DefaultInterval matches the teacher's session-refresh cadence order of
// magnitude (cmd/config.go's ConfNJobsSessionRefreshInterval default).
const DefaultInterval = 3 * time.Second

// Run polls at r.Interval (DefaultInterval if unset) until ctx is
// cancelled, mirroring njobs/reporter.go's Run/step loop shape.
func (r *Reporter) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.step(ctx)
		}
	}
}

func (r *Reporter) step(ctx context.Context) {
	snap := Snapshot{At: time.Now()}
	var queuedTotal, servedTotal, chargedTotal int64
	if r.Queues != nil {
		for _, q := range r.Queues() {
			stats := q.Leaf.Stats()
			snap.Queues = append(snap.Queues, QueueSnapshot{
				Owner: q.Owner, Priority: q.Priority, Name: q.Name, Stats: stats,
			})
			queuedTotal += int64(stats.Queued)
			servedTotal += int64(stats.Served)
			chargedTotal += int64(stats.Charged)
		}
	}
	var participantsTotal int64
	if r.MacroJobs != nil {
		for id, mj := range r.MacroJobs() {
			count := mj.ParticipantCount()
			snap.MacroJobs = append(snap.MacroJobs, MacroJobSnapshot{PromiseID: id, Participants: count})
			if count > 0 {
				participantsTotal += int64(count)
			}
		}
	}
	if r.Metrics != nil {
		atomic.StoreInt64(&r.Metrics.queued, queuedTotal)
		atomic.StoreInt64(&r.Metrics.served, servedTotal)
		atomic.StoreInt64(&r.Metrics.charged, chargedTotal)
		atomic.StoreInt64(&r.Metrics.participants, participantsTotal)
		r.Metrics.sweeps.Add(ctx, 1)
	}
	if r.Log != nil {
		r.Log.Debug("reporter: sweep complete",
			zap.Int("queue_count", len(snap.Queues)),
			zap.Int("macro_job_count", len(snap.MacroJobs)))
	}
	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
}

// Snapshot returns the most recent sweep's read-only view.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}
