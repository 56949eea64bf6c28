package main

import (
	"time"

	"github.com/spf13/viper"
)

// Config keys. Named and grouped the way the teacher's cmd/config.go
// groups njobs.*/redis.*/kafka.* keys, one section per component of
// SPEC_FULL.md's ambient/domain stack.
const (
	ConfKVStorePath            = "kvstore.path"
	ConfKVStorePreallocate     = "kvstore.preallocate"
	ConfKVStoreDeleteOnDispose = "kvstore.delete_on_dispose"
	ConfKVStoreHashIndexSize   = "kvstore.hash_index_size"
	ConfKVStoreCacheSize       = "kvstore.cache_size"
	ConfKVStoreCacheTTL        = "kvstore.cache_ttl"

	ConfSchedulerCountPriorities     = "scheduler.count_priorities"
	ConfSchedulerExpiryTicks         = "scheduler.expiry_ticks"
	ConfSchedulerExpiryBucketCount   = "scheduler.expiry_bucket_count"
	ConfSchedulerServiceID           = "scheduler.service_id"

	ConfDispatchWorkers      = "dispatch.workers"
	ConfDispatchQueueSize    = "dispatch.queue_size"
	ConfDispatchEmptyBackoff = "dispatch.empty_backoff"

	ConfReporterInterval = "reporter.interval"

	ConfMetricsListenAddr = "metrics.listen_addr"
)

func init() {
	viper.SetDefault(ConfKVStorePath, "")
	viper.SetDefault(ConfKVStorePreallocate, false)
	viper.SetDefault(ConfKVStoreDeleteOnDispose, false)
	viper.SetDefault(ConfKVStoreHashIndexSize, int64(1<<16))
	viper.SetDefault(ConfKVStoreCacheSize, 4096)
	viper.SetDefault(ConfKVStoreCacheTTL, 5*time.Minute)

	viper.SetDefault(ConfSchedulerCountPriorities, uint32(4))
	viper.SetDefault(ConfSchedulerExpiryTicks, 60*time.Second)
	viper.SetDefault(ConfSchedulerExpiryBucketCount, 20)
	viper.SetDefault(ConfSchedulerServiceID, uint32(1))

	viper.SetDefault(ConfDispatchWorkers, 4)
	viper.SetDefault(ConfDispatchQueueSize, 64)
	viper.SetDefault(ConfDispatchEmptyBackoff, 50*time.Millisecond)

	viper.SetDefault(ConfReporterInterval, 3*time.Second)

	viper.SetDefault(ConfMetricsListenAddr, ":9090")
}
