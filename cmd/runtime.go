package cmd

import (
	"context"
	"time"

	"github.com/alwitt/gtrack/apis"
	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/core"
	"github.com/alwitt/gtrack/locstore"
	"github.com/alwitt/gtrack/management"
	"github.com/apex/log"
)

// embeddedNATSReadyTimeout how long to wait for the embedded NATS server
const embeddedNATSReadyTimeout = time.Second * 10

// StoreRuntime the location store of a subcommand and the connections behind it
type StoreRuntime struct {
	common.Component
	// Store the location store
	Store    locstore.LocationStore
	nats     *core.NatsClient
	embedded *core.EmbeddedNATS
	instance string
}

// OpenStoreRuntime connect to the location store selected by the config. With the "nats"
// backend, the embedded NATS server is started first when enabled.
func OpenStoreRuntime(config common.SystemConfig, instance string) (*StoreRuntime, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "store-runtime",
		"instance":  instance,
	}
	runtime := &StoreRuntime{Component: common.Component{LogTags: logTags}, instance: instance}

	if config.Store.Backend == "nats" {
		serverURI := ""
		if config.EmbeddedNATS.Enabled {
			embedded, err := core.RunEmbeddedNATS(config.EmbeddedNATS, embeddedNATSReadyTimeout)
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Unable to start embedded NATS")
				return nil, err
			}
			runtime.embedded = embedded
			serverURI = embedded.ClientURL()
		}
		natsClient, err := core.GetJetStream(
			core.NATSConnectParamsFromConfig(config.NATS, serverURI, logTags),
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			runtime.Close()
			return nil, err
		}
		runtime.nats = &natsClient
	}

	store, err := locstore.GetLocationStore(config, runtime.nats, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s location store", config.Store.Backend,
		)
		runtime.Close()
		return nil, err
	}
	runtime.Store = store
	return runtime, nil
}

// Ready whether the store connection is usable
func (r *StoreRuntime) Ready() apis.ReadinessCheck {
	return func() bool {
		if r.nats == nil {
			return r.Store != nil
		}
		return r.nats.Connected()
	}
}

// Buckets the KV bucket controller over the NATS connection. Nil when the store is not
// backed by NATS.
func (r *StoreRuntime) Buckets() management.KVBucketController {
	if r.nats == nil {
		return nil
	}
	buckets, err := management.GetKVBucketController(*r.nats, r.instance)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to define KV bucket controller")
		return nil
	}
	return buckets
}

// Close release the store and its connections
func (r *StoreRuntime) Close() {
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Location store close failed")
		}
	}
	if r.nats != nil {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		r.nats.Close(ctxt)
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}
