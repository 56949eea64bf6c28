package providers

import (
	"context"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.od2.network/jobcore/pkg/dispatch"
	"go.od2.network/jobcore/pkg/jobserr"
	"go.od2.network/jobcore/pkg/macrojob"
	"go.od2.network/jobcore/pkg/priorityqueue"
	"go.od2.network/jobcore/pkg/promise"
)

// Config keys.
const (
	ConfDispatchWorkers      = "dispatch.workers"
	ConfDispatchQueueSize    = "dispatch.queue_size"
	ConfDispatchEmptyBackoff = "dispatch.empty_backoff"
)

func init() {
	viper.SetDefault(ConfDispatchWorkers, 4)
	viper.SetDefault(ConfDispatchQueueSize, 64)
	viper.SetDefault(ConfDispatchEmptyBackoff, 50*time.Millisecond)
}

// NewDispatchOptions reads dispatch.* keys from viper.
func NewDispatchOptions() dispatch.Options {
	return dispatch.Options{
		Workers:      viper.GetInt(ConfDispatchWorkers),
		QueueSize:    viper.GetInt(ConfDispatchQueueSize),
		EmptyBackoff: viper.GetDuration(ConfDispatchEmptyBackoff),
	}
}

// NewWork supplies the default Work implementation. The concrete worker
// (compute, or a remote invocation) is explicitly out of scope per
// spec.md section 1; this placeholder echoes the target promise's input
// back as its output, so `jobcore serve` is runnable standalone without
// a transport layer wired in. A real deployment overrides this provider.
func NewWork(log *zap.Logger) dispatch.Work {
	return func(ctx context.Context, msg *macrojob.JobMessage, target *promise.Promise) ([]byte, promise.SchemaTag, error) {
		in, ok := target.Input().([]byte)
		if !ok {
			return nil, 0, jobserr.New(jobserr.KindJobExecution, "no concrete worker wired: pass dispatch.Work explicitly")
		}
		log.Debug("dispatch: placeholder worker echoing input",
			zap.String("promise_id", target.ID.String()))
		return in, 0, nil
	}
}

// NewDispatcher wires pkg/dispatch.Dispatcher over the priority queue
// system's root and the promise store.
func NewDispatcher(log *zap.Logger, root *priorityqueue.System[*macrojob.Entry], store *promise.Store, work dispatch.Work, opts dispatch.Options) *dispatch.Dispatcher {
	return dispatch.New(log, root, store, work, opts)
}
