package providers

import (
	"context"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.od2.network/jobcore/pkg/kvstore"
	"go.od2.network/jobcore/pkg/promise"
)

// Config keys, named after the section conventions in cmd/config.go.
const (
	ConfKVStorePath            = "kvstore.path"
	ConfKVStorePreallocate     = "kvstore.preallocate"
	ConfKVStoreDeleteOnDispose = "kvstore.delete_on_dispose"
	ConfKVStoreHashIndexSize   = "kvstore.hash_index_size"
	ConfKVStoreCacheSize       = "kvstore.cache_size"
	ConfKVStoreCacheTTL        = "kvstore.cache_ttl"
)

func init() {
	viper.SetDefault(ConfKVStorePath, "")
	viper.SetDefault(ConfKVStorePreallocate, false)
	viper.SetDefault(ConfKVStoreDeleteOnDispose, false)
	viper.SetDefault(ConfKVStoreHashIndexSize, int64(1<<16))
	viper.SetDefault(ConfKVStoreCacheSize, 4096)
	viper.SetDefault(ConfKVStoreCacheTTL, 5*time.Minute)
}

// NewKVStoreOptions reads the Options described by spec.md section 6
// from viper.
func NewKVStoreOptions() kvstore.Options {
	return kvstore.Options{
		Path:            viper.GetString(ConfKVStorePath),
		Preallocate:     viper.GetBool(ConfKVStorePreallocate),
		DeleteOnDispose: viper.GetBool(ConfKVStoreDeleteOnDispose),
		HashIndexSize:   viper.GetInt64(ConfKVStoreHashIndexSize),
	}
}

// NewKVStore opens the Pebble-backed store and registers its Close with
// the fx.Lifecycle, mirroring the teacher's pattern of tying resource
// teardown to fx's OnStop hook (e.g. cmd/providers/redis.go's Close).
func NewKVStore(lc fx.Lifecycle, log *zap.Logger, opts kvstore.Options) (*kvstore.Store, error) {
	store, err := kvstore.Open(opts)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			log.Info("Closing kvstore")
			return store.Close()
		},
	})
	return store, nil
}

// NewReadCache builds the per-session LRU+TTL read cache in front of the
// kvstore, per spec.md section 1's "per-session cache".
func NewReadCache() (*kvstore.ReadCache, error) {
	size := viper.GetInt(ConfKVStoreCacheSize)
	ttl := viper.GetDuration(ConfKVStoreCacheTTL)
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return kvstore.NewReadCache(size, ttl)
}

// NewCodec supplies the default Codec: a schema-0 raw-bytes passthrough.
// Application-defined payload encoding is out of scope per spec.md
// section 1 ("serialization of application payloads" is an external
// collaborator's concern); this default lets the core run standalone.
func NewCodec() promise.Codec {
	return rawCodec{}
}

type rawCodec struct{}

func (rawCodec) Encode(_ promise.SchemaTag, v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, errNotBytes
}

func (rawCodec) Decode(_ promise.SchemaTag, raw []byte) (any, error) {
	return append([]byte(nil), raw...), nil
}

var errNotBytes = rawCodecError("providers: rawCodec only encodes []byte payloads")

type rawCodecError string

func (e rawCodecError) Error() string { return string(e) }
