package management

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKVBucketController(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-kv-buckets"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	srv, err := core.RunEmbeddedNATS(common.EmbeddedNATSConfig{
		ListenOn: "127.0.0.1", Port: -1, StoreDir: t.TempDir(),
	}, time.Second*5)
	assert.Nil(err)
	defer srv.Shutdown()

	logTags := log.Fields{
		"module":    "management_test",
		"component": "KVBucketController",
		"instance":  "buckets",
	}
	js, err := core.GetJetStream(core.NATSConnectParamsFromConfig(
		common.NATSConfig{
			ConnectTimeout: 1, Reconnect: common.NATSReconnectConfig{WaitInterval: 1},
		}, srv.ClientURL(), logTags,
	))
	assert.Nil(err)
	defer js.Close(utCtxt)

	uut, err := GetKVBucketController(js, testName)
	assert.Nil(err)

	// Case 0: invalid param
	{
		_, err := uut.EnsureBucket(KVBucketParam{Name: "", History: 1})
		assert.NotNil(err)
	}

	bucket0 := fmt.Sprintf("%s-0", uuid.New().String())
	// Case 1: define a new bucket
	{
		kv, err := uut.EnsureBucket(KVBucketParam{Name: bucket0, History: 1, InMemory: true})
		assert.Nil(err)
		assert.Equal(bucket0, kv.Bucket())
		_, err = kv.Put("c1", []byte("hello"))
		assert.Nil(err)
		info, err := uut.GetBucket(bucket0)
		assert.Nil(err)
		assert.Equal(uint64(1), info.State.Msgs)
	}

	// Case 2: fetch the same bucket again
	{
		kv, err := uut.EnsureBucket(KVBucketParam{Name: bucket0, History: 1, InMemory: true})
		assert.Nil(err)
		entry, err := kv.Get("c1")
		assert.Nil(err)
		assert.Equal([]byte("hello"), entry.Value())
	}

	// Case 3: list buckets
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		all := uut.GetAllBuckets(ctxt)
		assert.Contains(all, bucket0)
	}

	// Case 4: delete the bucket
	{
		assert.Nil(uut.DeleteBucket(bucket0))
		_, err := uut.GetBucket(bucket0)
		assert.NotNil(err)
		assert.NotNil(uut.DeleteBucket(bucket0))
	}
}
