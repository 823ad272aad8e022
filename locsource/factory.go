package locsource

import (
	"fmt"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/go-playground/validator/v10"
)

// GetPositionSource define the position source selected by the config
func GetPositionSource(
	cfg common.SourceConfig, permission *Permission, validate *validator.Validate,
) (PositionSource, error) {
	switch cfg.Type {
	case "replay":
		if cfg.Replay == nil {
			return nil, fmt.Errorf("replay source config missing")
		}
		track, err := LoadTrack(cfg.Replay.TrackFile, validate)
		if err != nil {
			return nil, err
		}
		return GetReplaySource(track, cfg.Replay.Loop, cfg.Replay.SpeedFactor, permission)
	case "gtfsrt":
		if cfg.GTFSRT == nil {
			return nil, fmt.Errorf("gtfsrt source config missing")
		}
		return GetGTFSRTSource(
			cfg.GTFSRT.FeedURL,
			cfg.GTFSRT.VehicleID,
			time.Millisecond*time.Duration(cfg.GTFSRT.PollInterval),
			nil,
			permission,
		)
	default:
		return nil, fmt.Errorf("unsupported position source '%s'", cfg.Type)
	}
}
