package locsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/geo"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain read every sample until the stream closes
func drain(t *testing.T, stream <-chan Sample, timeout time.Duration) []Sample {
	samples := []Sample{}
	deadline := time.After(timeout)
	for {
		select {
		case sample, ok := <-stream:
			if !ok {
				return samples
			}
			samples = append(samples, sample)
		case <-deadline:
			require.FailNow(t, "stream did not close")
		}
	}
}

func TestUpdatePolicy(t *testing.T) {
	assert := assert.New(t)

	start := time.Now()
	base := geo.Position{Latitude: 14.6, Longitude: 120.98}
	uut := UpdatePolicy{MinInterval: time.Second * 5, MinDisplacement: 10}

	// Case 0: first sample always passes
	assert.True(uut.Admit(Sample{Position: base, Timestamp: start}))

	// Case 1: too soon and too close
	near := geo.Position{Latitude: 14.60001, Longitude: 120.98}
	assert.False(uut.Admit(Sample{Position: near, Timestamp: start.Add(time.Second)}))

	// Case 2: far enough, though too soon
	far := geo.Position{Latitude: 14.6002, Longitude: 120.98}
	assert.True(uut.Admit(Sample{Position: far, Timestamp: start.Add(time.Second * 2)}))

	// Case 3: interval measured from the last admitted sample
	assert.False(uut.Admit(Sample{Position: far, Timestamp: start.Add(time.Second * 6)}))
	assert.True(uut.Admit(Sample{Position: far, Timestamp: start.Add(time.Second * 7)}))
}

func TestUpdatePolicyIntervalOnly(t *testing.T) {
	assert := assert.New(t)

	start := time.Now()
	base := geo.Position{Latitude: 14.6, Longitude: 120.98}
	uut := UpdatePolicy{MinInterval: time.Second * 5}

	admitted := 0
	for itr := 0; itr < 10; itr++ {
		ts := start.Add(time.Millisecond * time.Duration(itr))
		if uut.Admit(Sample{Position: base, Timestamp: ts}) {
			admitted++
		}
	}
	assert.Equal(1, admitted)

	// Any distance is ignored while the displacement trigger is off
	far := geo.Position{Latitude: 14.7, Longitude: 120.98}
	assert.False(uut.Admit(Sample{Position: far, Timestamp: start.Add(time.Second)}))
	assert.True(uut.Admit(Sample{Position: far, Timestamp: start.Add(time.Second * 5)}))
}

func TestPermission(t *testing.T) {
	assert := assert.New(t)
	uut := NewPermission(false)
	assert.False(uut.Granted())
	uut.Grant()
	assert.True(uut.Granted())
	uut.Revoke()
	assert.False(uut.Granted())
}

func TestParseTrack(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: valid track
	{
		track, err := ParseTrack([]byte(`---
name: loop-1
waypoints:
  - offset_ms: 0
    lat: 14.6
    lon: 120.98
  - offset_ms: 5000
    lat: 14.6001
    lon: 120.9801`), validate)
		assert.Nil(err)
		assert.Equal("loop-1", track.Name)
		assert.Len(track.Waypoints, 2)
		assert.Equal(time.Second*5, track.Duration())
	}

	// Case 1: no waypoints
	{
		_, err := ParseTrack([]byte(`name: empty`), validate)
		assert.NotNil(err)
	}

	// Case 2: invalid latitude
	{
		_, err := ParseTrack([]byte(`---
waypoints:
  - offset_ms: 0
    lat: 94.6
    lon: 120.98`), validate)
		assert.NotNil(err)
	}

	// Case 3: offsets go backwards
	{
		_, err := ParseTrack([]byte(`---
waypoints:
  - offset_ms: 100
    lat: 14.6
    lon: 120.98
  - offset_ms: 50
    lat: 14.6
    lon: 120.98`), validate)
		assert.NotNil(err)
	}

	// Case 4: not YAML
	{
		_, err := ParseTrack([]byte(`{{{`), validate)
		assert.NotNil(err)
	}
}

func TestReplaySource(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	track := Track{
		Name: "ut",
		Waypoints: []Waypoint{
			{OffsetMS: 0, Latitude: 14.6, Longitude: 120.98},
			{OffsetMS: 40, Latitude: 14.6001, Longitude: 120.9801},
			{OffsetMS: 80, Latitude: 14.6002, Longitude: 120.9802},
		},
	}
	permission := NewPermission(true)
	uut, err := GetReplaySource(track, false, 1, permission)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()
	assert.True(uut.PermissionGranted())

	// Case 0: replay the whole track
	{
		stream, err := uut.RequestUpdates(utCtxt, 0, 0)
		assert.Nil(err)
		samples := drain(t, stream, time.Second)
		assert.Len(samples, 3)
		assert.Equal(geo.Position{Latitude: 14.6002, Longitude: 120.9802}, samples[2].Position)
		assert.Equal(time.Millisecond*80, samples[2].Timestamp.Sub(samples[0].Timestamp))
		assert.Nil(uut.Err())
	}

	// Case 1: the update policy thins the samples
	{
		stream, err := uut.RequestUpdates(utCtxt, time.Second, 20)
		assert.Nil(err)
		samples := drain(t, stream, time.Second)
		// 0.0002 degree is about 31 m from the first point
		assert.Len(samples, 2)
		assert.Equal(track.Waypoints[2].Latitude, samples[1].Position.Latitude)
	}

	// Case 2: speed up
	{
		fast, err := GetReplaySource(track, false, 4, permission)
		assert.Nil(err)
		started := time.Now()
		stream, err := fast.RequestUpdates(utCtxt, 0, 0)
		assert.Nil(err)
		samples := drain(t, stream, time.Second)
		assert.Len(samples, 3)
		assert.Less(time.Since(started), time.Millisecond*80)
	}
}

func TestReplaySourceLoopAndCancel(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	track := Track{
		Waypoints: []Waypoint{
			{OffsetMS: 0, Latitude: 1, Longitude: 1},
			{OffsetMS: 10, Latitude: 2, Longitude: 2},
		},
	}
	// 1s between laps becomes 10ms at x100
	uut, err := GetReplaySource(track, true, 100, NewPermission(true))
	assert.Nil(err)

	streamCtxt, streamCancel := context.WithCancel(utCtxt)
	stream, err := uut.RequestUpdates(streamCtxt, 0, 0)
	assert.Nil(err)

	// Case 0: only one stream at a time
	{
		_, err := uut.RequestUpdates(utCtxt, 0, 0)
		assert.ErrorIs(err, ErrStreamActive)
	}

	// Case 1: the track restarts
	{
		count := 0
		for count < 5 {
			select {
			case _, ok := <-stream:
				assert.True(ok)
				count++
			case <-time.After(time.Second):
				assert.FailNow("loop stalled")
			}
		}
	}

	// Case 2: cancel closes the stream
	{
		streamCancel()
		drain(t, stream, time.Second)
		assert.Nil(uut.Err())
	}

	// Case 3: close while streaming
	{
		stream, err := uut.RequestUpdates(utCtxt, 0, 0)
		assert.Nil(err)
		assert.Nil(uut.Close())
		drain(t, stream, time.Second)
	}
}

func TestGetPositionSource(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	trackFile := filepath.Join(t.TempDir(), "track.yaml")
	require.Nil(t, os.WriteFile(trackFile, []byte(`---
waypoints:
  - offset_ms: 0
    lat: 14.6
    lon: 120.98`), 0o600))

	// Case 0: replay
	{
		uut, err := GetPositionSource(common.SourceConfig{
			Type:   "replay",
			Replay: &common.ReplaySourceConfig{TrackFile: trackFile},
		}, NewPermission(true), validate)
		assert.Nil(err)
		assert.NotNil(uut)
	}

	// Case 1: missing track file
	{
		_, err := GetPositionSource(common.SourceConfig{
			Type:   "replay",
			Replay: &common.ReplaySourceConfig{TrackFile: trackFile + ".missing"},
		}, NewPermission(true), validate)
		assert.NotNil(err)
	}

	// Case 2: gtfsrt
	{
		uut, err := GetPositionSource(common.SourceConfig{
			Type: "gtfsrt",
			GTFSRT: &common.GTFSRTSourceConfig{
				FeedURL: "http://127.0.0.1:1/vehicle-positions", VehicleID: "bus-1",
			},
		}, NewPermission(true), validate)
		assert.Nil(err)
		assert.NotNil(uut)
	}

	// Case 3: missing sections
	{
		_, err := GetPositionSource(common.SourceConfig{Type: "gtfsrt"}, NewPermission(true), validate)
		assert.NotNil(err)
		_, err = GetPositionSource(common.SourceConfig{Type: "replay"}, NewPermission(true), validate)
		assert.NotNil(err)
		_, err = GetPositionSource(common.SourceConfig{Type: "gps"}, NewPermission(true), validate)
		assert.NotNil(err)
	}
}
