package locsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

// testFeed a GTFS-RT feed served by an httptest server
type testFeed struct {
	lock      sync.Mutex
	lat       float32
	lon       float32
	timestamp uint64
	status    int
}

func (f *testFeed) set(lat, lon float32, timestamp uint64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.lat, f.lon, f.timestamp = lat, lon, timestamp
}

func (f *testFeed) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	feed := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(f.timestamp),
		},
		Entity: []*gtfsrtpb.FeedEntity{
			{
				Id: proto.String("e-0"),
				Vehicle: &gtfsrtpb.VehiclePosition{
					Vehicle:  &gtfsrtpb.VehicleDescriptor{Id: proto.String("bus-0")},
					Position: &gtfsrtpb.Position{Latitude: proto.Float32(1), Longitude: proto.Float32(1)},
				},
			},
			{
				Id: proto.String("e-1"),
				Vehicle: &gtfsrtpb.VehiclePosition{
					Vehicle:   &gtfsrtpb.VehicleDescriptor{Id: proto.String("bus-1")},
					Position:  &gtfsrtpb.Position{Latitude: proto.Float32(f.lat), Longitude: proto.Float32(f.lon)},
					Timestamp: proto.Uint64(f.timestamp),
				},
			},
		},
	}
	raw, err := proto.Marshal(feed)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(raw)
}

func TestGTFSRTSource(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	feed := &testFeed{}
	feed.set(14.6, 120.98, 1000)
	server := httptest.NewServer(feed)
	defer server.Close()

	uut, err := GetGTFSRTSource(server.URL, "bus-1", time.Millisecond*50, nil, NewPermission(true))
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	stream, err := uut.RequestUpdates(utCtxt, 0, 0)
	assert.Nil(err)

	// Case 0: first read
	{
		select {
		case sample := <-stream:
			assert.InDelta(14.6, sample.Position.Latitude, 1e-5)
			assert.InDelta(120.98, sample.Position.Longitude, 1e-5)
			assert.Equal(time.Unix(1000, 0).UTC(), sample.Timestamp)
		case <-time.After(time.Second):
			require.FailNow(t, "no sample")
		}
	}

	// Case 1: an unchanged vehicle timestamp is not delivered again
	{
		select {
		case <-stream:
			assert.Fail("duplicate sample")
		case <-time.After(time.Millisecond * 150):
		}
	}

	// Case 2: the vehicle moves
	{
		feed.set(14.61, 120.99, 1010)
		select {
		case sample := <-stream:
			assert.InDelta(14.61, sample.Position.Latitude, 1e-5)
			assert.Equal(time.Unix(1010, 0).UTC(), sample.Timestamp)
		case <-time.After(time.Second):
			require.FailNow(t, "no sample")
		}
	}

	// Case 3: the feed goes away, the stream ends with an error
	{
		feed.lock.Lock()
		feed.status = http.StatusServiceUnavailable
		feed.lock.Unlock()
		drain(t, stream, time.Second*2)
		assert.NotNil(uut.Err())
	}

	// Case 4: a new stream can be opened afterwards
	{
		feed.lock.Lock()
		feed.status = 0
		feed.lock.Unlock()
		stream, err := uut.RequestUpdates(utCtxt, 0, 0)
		assert.Nil(err)
		select {
		case sample := <-stream:
			assert.InDelta(14.61, sample.Position.Latitude, 1e-5)
		case <-time.After(time.Second):
			require.FailNow(t, "no sample")
		}
	}
}

func TestGTFSRTSourceInvalid(t *testing.T) {
	assert := assert.New(t)
	_, err := GetGTFSRTSource("", "bus-1", 0, nil, NewPermission(true))
	assert.NotNil(err)
	_, err = GetGTFSRTSource("http://127.0.0.1", "", 0, nil, NewPermission(true))
	assert.NotNil(err)
}
