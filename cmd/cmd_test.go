package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/gtrack/apis"
	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/geo"
	"github.com/alwitt/gtrack/locstore"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func testSystemConfig() common.SystemConfig {
	return common.SystemConfig{
		Store: common.StoreConfig{Backend: "memory", Bucket: "collectors", SubscribeBuffer: 8},
		Viewer: common.ViewerConfig{
			AnimationDuration: 20, FrameInterval: 5, CameraZoom: 14, BatchBuffer: 16,
		},
		LiveServer: &common.LiveServerConfig{
			Endpoints: common.LiveEndpointConfig{PathPrefix: "/gtrack", MaxSessions: 2},
		},
	}
}

func TestLiveRouter(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	config := testSystemConfig()

	runtime, err := OpenStoreRuntime(config, "ut-router")
	assert.Nil(err)
	defer runtime.Close()
	assert.True(runtime.Ready()())

	utCtxt := context.Background()
	pos := geo.Position{Latitude: 1.5, Longitude: 2.5}
	assert.Nil(runtime.Store.Upsert(utCtxt, "c1", locstore.PositionFields(pos)))

	handler, err := apis.GetAPIRestLiveHandler(
		utCtxt,
		runtime.Store,
		config.Viewer,
		&config.LiveServer.HTTPSetting,
		config.LiveServer.Endpoints,
		runtime.Ready(),
		time.Second,
	)
	assert.Nil(err)
	router := BuildLiveRouter(handler, nil, config.LiveServer.Endpoints.PathPrefix)

	for path, expected := range map[string]int{
		"/gtrack/v1/alive":         http.StatusOK,
		"/gtrack/v1/ready":         http.StatusOK,
		"/gtrack/v1/collectors/c1": http.StatusOK,
		"/gtrack/v1/collectors/c2": http.StatusNotFound,
		"/v1/alive":                http.StatusNotFound,
	} {
		req, err := http.NewRequest("GET", path, nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equalf(expected, respRecorder.Code, "GET %s", path)
	}
}

func TestRunPublisherReplay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	trackFile := filepath.Join(t.TempDir(), "track.yaml")
	assert.Nil(os.WriteFile(trackFile, []byte(`name: ut-track
waypoints:
  - offset_ms: 0
    lat: 14.6
    lon: 120.98
  - offset_ms: 10
    lat: 14.6001
    lon: 120.9801
`), 0o600))

	config := testSystemConfig()
	config.Publisher = &common.PublisherConfig{
		EntityID:           "c1",
		DisplayName:        "Juan",
		MinInterval:        1,
		MinDisplacement:    0,
		LocationPermission: true,
		Source: common.SourceConfig{
			Type:   "replay",
			Replay: &common.ReplaySourceConfig{TrackFile: trackFile, SpeedFactor: 1},
		},
	}

	// The track ends on its own, which stops the publisher without error
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	assert.Nil(RunPublisher(ctxt, config, "ut-publish"))
	assert.Nil(ctxt.Err())

	// Missing config
	config.Publisher = nil
	assert.NotNil(RunPublisher(ctxt, config, "ut-publish"))
}
