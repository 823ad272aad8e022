package management

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// kvStreamPrefix JetStream names the stream backing a KV bucket with this prefix
const kvStreamPrefix = "KV_"

// KVBucketParam list parameters for defining a KV bucket
type KVBucketParam struct {
	// Name is the bucket name
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description,omitempty"`
	// History is the number of revisions kept per key
	History uint8 `json:"history" validate:"gte=1,lte=64"`
	// TTL is the max age of an entry. Zero keeps entries forever.
	TTL time.Duration `json:"ttl,omitempty"`
	// InMemory whether the bucket is held in memory instead of on file
	InMemory bool `json:"in_memory"`
}

// KVBucketController manage JetStream KV buckets
type KVBucketController interface {
	// EnsureBucket fetch a KV bucket, defining it if it does not exist
	EnsureBucket(param KVBucketParam) (nats.KeyValue, error)
	// GetAllBuckets query for info on all KV buckets
	GetAllBuckets(ctxt context.Context) map[string]*nats.StreamInfo
	// GetBucket query for info on one KV bucket by name
	GetBucket(name string) (*nats.StreamInfo, error)
	// DeleteBucket delete a KV bucket by name
	DeleteBucket(name string) error
}

// kvBucketControllerImpl manage JetStream KV buckets
type kvBucketControllerImpl struct {
	common.Component
	core     core.NatsClient
	validate *validator.Validate
}

// GetKVBucketController define KVBucketController
func GetKVBucketController(
	natsCore core.NatsClient, instance string,
) (KVBucketController, error) {
	logTags := log.Fields{
		"module":    "management",
		"component": "kv-bucket",
		"instance":  instance,
	}
	return kvBucketControllerImpl{
		Component: common.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

// EnsureBucket fetch a KV bucket, defining it if it does not exist
func (c kvBucketControllerImpl) EnsureBucket(param KVBucketParam) (nats.KeyValue, error) {
	if err := c.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Invalid bucket param %s", param.Name)
		return nil, err
	}
	kv, err := c.core.JetStream().KeyValue(param.Name)
	if err == nil {
		log.WithFields(c.LogTags).Debugf("Using existing bucket %s", param.Name)
		return kv, nil
	}
	if err != nats.ErrBucketNotFound {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to read bucket %s", param.Name)
		return nil, err
	}
	storage := nats.FileStorage
	if param.InMemory {
		storage = nats.MemoryStorage
	}
	kv, err = c.core.JetStream().CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      param.Name,
		Description: param.Description,
		History:     param.History,
		TTL:         param.TTL,
		Storage:     storage,
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to define new bucket %s", param.Name,
		)
		return nil, err
	}
	log.WithFields(c.LogTags).Infof("Defined new bucket %s", param.Name)
	return kv, nil
}

// GetAllBuckets fetch the list of all known KV buckets
func (c kvBucketControllerImpl) GetAllBuckets(ctxt context.Context) map[string]*nats.StreamInfo {
	readChan := c.core.JetStream().StreamsInfo()
	knownBuckets := map[string]*nats.StreamInfo{}
	readAll := false
	for !readAll {
		select {
		case info, ok := <-readChan:
			if !ok || info == nil {
				readAll = true
				break
			}
			if !strings.HasPrefix(info.Config.Name, kvStreamPrefix) {
				continue
			}
			knownBuckets[strings.TrimPrefix(info.Config.Name, kvStreamPrefix)] = info
		case <-ctxt.Done():
			// out of time
			readAll = true
		}
	}
	return knownBuckets
}

// GetBucket get info on one bucket
func (c kvBucketControllerImpl) GetBucket(name string) (*nats.StreamInfo, error) {
	info, err := c.core.JetStream().StreamInfo(fmt.Sprintf("%s%s", kvStreamPrefix, name))
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to get bucket %s info", name)
	}
	return info, err
}

// DeleteBucket delete an existing bucket
func (c kvBucketControllerImpl) DeleteBucket(name string) error {
	if err := c.core.JetStream().DeleteKeyValue(name); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to delete bucket %s", name)
		return err
	}
	log.WithFields(c.LogTags).Infof("Deleted bucket %s", name)
	return nil
}
