package locstore

import (
	"fmt"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/core"
	"github.com/alwitt/gtrack/management"
)

// GetLocationStore define the location store selected by the config
//
// natsClient is only used by the "nats" backend.
func GetLocationStore(
	cfg common.SystemConfig, natsClient *core.NatsClient, instance string,
) (LocationStore, error) {
	switch cfg.Store.Backend {
	case "nats":
		if natsClient == nil {
			return nil, fmt.Errorf("nats store backend requires a NATS client")
		}
		buckets, err := management.GetKVBucketController(*natsClient, instance)
		if err != nil {
			return nil, err
		}
		kv, err := buckets.EnsureBucket(management.KVBucketParam{
			Name:        cfg.Store.Bucket,
			Description: "collector locations",
			History:     1,
		})
		if err != nil {
			return nil, err
		}
		return GetNATSKVStore(kv, cfg.Store.SubscribeBuffer)
	case "sql":
		db, err := OpenSQLDatabase(cfg.SQL)
		if err != nil {
			return nil, err
		}
		return GetSQLStore(
			db,
			cfg.Store.Bucket,
			time.Millisecond*time.Duration(cfg.SQL.PollInterval),
			time.Millisecond*time.Duration(cfg.SQL.ChangeLag),
			cfg.Store.SubscribeBuffer,
		)
	case "memory":
		return GetMemoryStore(instance, cfg.Store.SubscribeBuffer)
	default:
		return nil, fmt.Errorf("unsupported store backend '%s'", cfg.Store.Backend)
	}
}
