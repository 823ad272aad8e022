package locsource

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/geo"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Waypoint one point of a recorded track
type Waypoint struct {
	// OffsetMS time since the start of the track in milliseconds
	OffsetMS  int64   `yaml:"offset_ms" validate:"gte=0"`
	Latitude  float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Longitude float64 `yaml:"lon" validate:"gte=-180,lte=180"`
}

// Track a recorded path replayed by the replay source
type Track struct {
	Name      string     `yaml:"name"`
	Waypoints []Waypoint `yaml:"waypoints" validate:"required,min=1,dive"`
}

// Duration offset of the last waypoint
func (t Track) Duration() time.Duration {
	return time.Millisecond * time.Duration(t.Waypoints[len(t.Waypoints)-1].OffsetMS)
}

// ParseTrack parse and validate a YAML track
func ParseTrack(raw []byte, validate *validator.Validate) (Track, error) {
	var track Track
	if err := yaml.Unmarshal(raw, &track); err != nil {
		return Track{}, err
	}
	if err := validate.Struct(&track); err != nil {
		return Track{}, err
	}
	for idx := 1; idx < len(track.Waypoints); idx++ {
		if track.Waypoints[idx].OffsetMS < track.Waypoints[idx-1].OffsetMS {
			return Track{}, fmt.Errorf("waypoint %d goes back in time", idx)
		}
	}
	return track, nil
}

// LoadTrack read a YAML track file
func LoadTrack(path string, validate *validator.Validate) (Track, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Track{}, err
	}
	return ParseTrack(raw, validate)
}

// replaySource replay a recorded track in real time
type replaySource struct {
	common.Component
	track       Track
	loop        bool
	speedFactor float64
	permission  *Permission
	stream      streamState
	clock       func() time.Time
}

// GetReplaySource define a source replaying a track
//
// speedFactor scales the replay rate, values <= 0 replay at recorded speed.
func GetReplaySource(
	track Track, loop bool, speedFactor float64, permission *Permission,
) (PositionSource, error) {
	if len(track.Waypoints) == 0 {
		return nil, fmt.Errorf("track has no waypoints")
	}
	if speedFactor <= 0 {
		speedFactor = 1
	}
	logTags := log.Fields{
		"module": "locsource", "component": "replay", "instance": track.Name,
	}
	return &replaySource{
		Component:   common.Component{LogTags: logTags},
		track:       track,
		loop:        loop,
		speedFactor: speedFactor,
		permission:  permission,
		clock:       time.Now,
	}, nil
}

func (s *replaySource) PermissionGranted() bool {
	return s.permission.Granted()
}

func (s *replaySource) Err() error {
	return s.stream.lastErr()
}

func (s *replaySource) RequestUpdates(
	ctxt context.Context, minInterval time.Duration, minDisplacement float64,
) (<-chan Sample, error) {
	ctxt, err := s.stream.begin(ctxt)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to open stream")
		return nil, err
	}
	out := make(chan Sample)
	policy := UpdatePolicy{MinInterval: minInterval, MinDisplacement: minDisplacement}
	s.stream.wg.Add(1)
	go func() {
		defer s.stream.wg.Done()
		defer close(out)
		defer s.stream.end(nil)
		log.WithFields(s.LogTags).Infof(
			"Replaying %d waypoints (loop %v, x%.2f)",
			len(s.track.Waypoints), s.loop, s.speedFactor,
		)
		replayStart := s.clock()
		// lap offset of the current lap relative to replayStart on the track clock
		var lap time.Duration
		for {
			for _, waypoint := range s.track.Waypoints {
				trackTime := lap + time.Millisecond*time.Duration(waypoint.OffsetMS)
				wait := time.Duration(float64(trackTime)/s.speedFactor) - s.clock().Sub(replayStart)
				if wait > 0 {
					timer := time.NewTimer(wait)
					select {
					case <-ctxt.Done():
						timer.Stop()
						return
					case <-timer.C:
					}
				} else if ctxt.Err() != nil {
					return
				}
				sample := Sample{
					Position: geo.Position{
						Latitude: waypoint.Latitude, Longitude: waypoint.Longitude,
					},
					Timestamp: replayStart.Add(trackTime),
				}
				if !policy.Admit(sample) {
					continue
				}
				if !emit(ctxt, out, sample) {
					return
				}
			}
			if !s.loop {
				log.WithFields(s.LogTags).Info("Track finished")
				return
			}
			// Leave one second between the end and the restart of the track
			lap += s.track.Duration() + time.Second
		}
	}()
	return out, nil
}

func (s *replaySource) Close() error {
	s.stream.stop()
	return nil
}
