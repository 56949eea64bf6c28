package providers

import (
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.od2.network/jobcore/pkg/cancelpool"
	"go.od2.network/jobcore/pkg/clientqueue"
	"go.od2.network/jobcore/pkg/jobsmanager"
	"go.od2.network/jobcore/pkg/kvstore"
	"go.od2.network/jobcore/pkg/macrojob"
	"go.od2.network/jobcore/pkg/priorityqueue"
	"go.od2.network/jobcore/pkg/promise"
)

// Config keys.
const (
	ConfSchedulerCountPriorities   = "scheduler.count_priorities"
	ConfSchedulerExpiryTicks       = "scheduler.expiry_ticks"
	ConfSchedulerExpiryBucketCount = "scheduler.expiry_bucket_count"
	ConfSchedulerServiceID         = "scheduler.service_id"
)

func init() {
	viper.SetDefault(ConfSchedulerCountPriorities, uint32(4))
	viper.SetDefault(ConfSchedulerExpiryTicks, 60*time.Second)
	viper.SetDefault(ConfSchedulerExpiryBucketCount, 20)
	viper.SetDefault(ConfSchedulerServiceID, uint32(1))
}

// SchedulerOptions bundles the viper-sourced knobs for the promise
// store and scheduling hierarchy.
type SchedulerOptions struct {
	CountPriorities   int
	ExpiryTicks       time.Duration
	ExpiryBucketCount int
	ServiceID         uint32
}

// NewSchedulerOptions reads scheduler.* keys from viper.
func NewSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		CountPriorities:   int(viper.GetUint32(ConfSchedulerCountPriorities)),
		ExpiryTicks:       viper.GetDuration(ConfSchedulerExpiryTicks),
		ExpiryBucketCount: viper.GetInt(ConfSchedulerExpiryBucketCount),
		ServiceID:         viper.GetUint32(ConfSchedulerServiceID),
	}
}

// NewPromiseStore wires pkg/promise.Store over the kvstore and read
// cache built in kvstore.go.
func NewPromiseStore(log *zap.Logger, kv *kvstore.Store, cache *kvstore.ReadCache, codec promise.Codec, opts SchedulerOptions) *promise.Store {
	return promise.NewStore(log, kv, cache, codec, opts.ServiceID)
}

// NewCancelPool wires pkg/cancelpool.Pool, the rented-cancellation-source
// pool every macro job's participants rent a run token from.
func NewCancelPool() *cancelpool.Pool {
	return cancelpool.New()
}

// NewJobsManager wires pkg/jobsmanager.Manager.
func NewJobsManager(log *zap.Logger, pool *cancelpool.Pool) *jobsmanager.Manager {
	return jobsmanager.New(log, pool)
}

// NewPriorityQueueSystem wires pkg/priorityqueue.System over
// macrojob.Entry, the type every named ClientJobQueue carries (either a
// ready micro-job message or a macro-job message to enumerate at
// dequeue time).
func NewPriorityQueueSystem(opts SchedulerOptions) (*priorityqueue.System[*macrojob.Entry], error) {
	return priorityqueue.New[*macrojob.Entry](opts.CountPriorities, clientqueue.Options{
		ExpiryTicks:       opts.ExpiryTicks,
		ExpiryBucketCount: opts.ExpiryBucketCount,
	})
}
