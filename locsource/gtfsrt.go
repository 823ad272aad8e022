package locsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/geo"
	"github.com/apex/log"
	"google.golang.org/protobuf/proto"
)

// gtfsrtMaxConsecutiveFailures feed fetch failures in a row that end the stream
const gtfsrtMaxConsecutiveFailures = 5

// gtfsrtDefaultPollInterval used when no poll interval is configured
const gtfsrtDefaultPollInterval = time.Second * 15

// gtfsrtSource follow one vehicle of a GTFS-RT VehiclePositions feed
type gtfsrtSource struct {
	common.Component
	feedURL      string
	vehicleID    string
	pollInterval time.Duration
	httpClient   *http.Client
	permission   *Permission
	stream       streamState
}

// GetGTFSRTSource define a source following a vehicle of a GTFS-RT feed
//
// pollInterval <= 0 uses a 15 second interval.
func GetGTFSRTSource(
	feedURL, vehicleID string,
	pollInterval time.Duration,
	httpClient *http.Client,
	permission *Permission,
) (PositionSource, error) {
	if feedURL == "" || vehicleID == "" {
		return nil, fmt.Errorf("feed URL and vehicle ID are required")
	}
	if pollInterval <= 0 {
		pollInterval = gtfsrtDefaultPollInterval
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: pollInterval}
	}
	logTags := log.Fields{
		"module": "locsource", "component": "gtfsrt", "instance": vehicleID,
	}
	return &gtfsrtSource{
		Component:    common.Component{LogTags: logTags},
		feedURL:      feedURL,
		vehicleID:    vehicleID,
		pollInterval: pollInterval,
		httpClient:   httpClient,
		permission:   permission,
	}, nil
}

func (s *gtfsrtSource) PermissionGranted() bool {
	return s.permission.Granted()
}

func (s *gtfsrtSource) Err() error {
	return s.stream.lastErr()
}

// fetch read the feed
func (s *gtfsrtSource) fetch(ctxt context.Context) (*gtfsrtpb.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-protobuf")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.feedURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, s.feedURL)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	feed := &gtfsrtpb.FeedMessage{}
	if err := proto.Unmarshal(raw, feed); err != nil {
		return nil, fmt.Errorf("invalid GTFS-RT feed: %w", err)
	}
	return feed, nil
}

// findVehicle pick the followed vehicle's position out of the feed
func (s *gtfsrtSource) findVehicle(feed *gtfsrtpb.FeedMessage) (Sample, bool) {
	for _, entity := range feed.GetEntity() {
		vehicle := entity.GetVehicle()
		if vehicle == nil || vehicle.GetPosition() == nil {
			continue
		}
		if vehicle.GetVehicle().GetId() != s.vehicleID && entity.GetId() != s.vehicleID {
			continue
		}
		sample := Sample{
			Position: geo.Position{
				Latitude:  float64(vehicle.GetPosition().GetLatitude()),
				Longitude: float64(vehicle.GetPosition().GetLongitude()),
			},
			Timestamp: time.Now().UTC(),
		}
		if vehicle.Timestamp != nil {
			sample.Timestamp = time.Unix(int64(vehicle.GetTimestamp()), 0).UTC()
		} else if feed.GetHeader().Timestamp != nil {
			sample.Timestamp = time.Unix(int64(feed.GetHeader().GetTimestamp()), 0).UTC()
		}
		if sample.Position.Validate() != nil {
			log.WithFields(s.LogTags).Debugf("Ignoring invalid position %s", sample.Position)
			return Sample{}, false
		}
		return sample, true
	}
	return Sample{}, false
}

func (s *gtfsrtSource) RequestUpdates(
	ctxt context.Context, minInterval time.Duration, minDisplacement float64,
) (<-chan Sample, error) {
	ctxt, err := s.stream.begin(ctxt)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open stream")
		return nil, err
	}
	out := make(chan Sample)
	policy := UpdatePolicy{MinInterval: minInterval, MinDisplacement: minDisplacement}

	timerWG := sync.WaitGroup{}
	pollTimer, err := common.GetIntervalTimerInstance(
		ctxt, fmt.Sprintf("gtfsrt-%s", s.vehicleID), &timerWG,
	)
	if err != nil {
		s.stream.end(err)
		return nil, err
	}
	ticks := make(chan struct{}, 1)
	if err := pollTimer.Start(s.pollInterval, func() error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return nil
	}, false); err != nil {
		s.stream.end(err)
		return nil, err
	}

	s.stream.wg.Add(1)
	go func() {
		defer s.stream.wg.Done()
		var streamErr error
		defer func() {
			_ = pollTimer.Stop()
			timerWG.Wait()
			s.stream.end(streamErr)
			close(out)
		}()
		failures := 0
		// lastFeedTime the vehicle timestamp already delivered
		var lastFeedTime time.Time
		for {
			feed, err := s.fetch(ctxt)
			if err != nil {
				if ctxt.Err() != nil {
					return
				}
				failures++
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Feed read failed (%d of %d)", failures, gtfsrtMaxConsecutiveFailures,
				)
				if failures >= gtfsrtMaxConsecutiveFailures {
					streamErr = fmt.Errorf("feed unavailable: %w", err)
					return
				}
			} else {
				failures = 0
				if sample, ok := s.findVehicle(feed); !ok {
					log.WithFields(s.LogTags).Debug("Vehicle not in feed")
				} else if sample.Timestamp.After(lastFeedTime) {
					lastFeedTime = sample.Timestamp
					if policy.Admit(sample) && !emit(ctxt, out, sample) {
						return
					}
				}
			}
			select {
			case <-ctxt.Done():
				return
			case <-ticks:
			}
		}
	}()
	return out, nil
}

func (s *gtfsrtSource) Close() error {
	s.stream.stop()
	return nil
}
