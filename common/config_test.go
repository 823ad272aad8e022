package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("nats", cfg.Store.Backend)
		assert.Equal("collectors", cfg.Store.Bucket)
		assert.Equal(1000, cfg.Viewer.AnimationDuration)
		assert.Equal(16, cfg.Viewer.FrameInterval)
		assert.Equal(14.0, cfg.Viewer.CameraZoom)
		assert.NotNil(cfg.Publisher)
		assert.Equal(5000, cfg.Publisher.MinInterval)
		assert.Equal(10.0, cfg.Publisher.MinDisplacement)
		assert.Equal(500, cfg.SQL.PollInterval)
		assert.Equal(5000, cfg.SQL.ChangeLag)
		assert.NotNil(cfg.LiveServer)
	}

	// Case 2: invalid store backend
	{
		config := []byte(`---
store:
  backend: firestore`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid HTTP config
	{
		config := []byte(`---
live_server:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: publisher config is validated on its own
	{
		config := []byte(`---
publisher:
  entity_id: c1
  source:
    type: gtfsrt`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Publisher)
		assert.NotNil(validate.Struct(cfg.Publisher))
	}

	// Case 5: valid publisher config
	{
		config := []byte(`---
publisher:
  entity_id: c1
  source:
    type: replay
    replay:
      track_file: /tmp/track.yaml`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Publisher)
		assert.Nil(validate.Struct(cfg.Publisher))
		assert.Equal("/tmp/track.yaml", cfg.Publisher.Source.Replay.TrackFile)
	}
}

func TestValidateEntityID(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	assert.Nil(ValidateEntityID("C1", validate))
	assert.Nil(ValidateEntityID("collector_01-a", validate))
	assert.NotNil(ValidateEntityID("", validate))
	assert.NotNil(ValidateEntityID("c.1", validate))
	assert.NotNil(ValidateEntityID("c 1", validate))
	assert.NotNil(ValidateEntityID("c/1", validate))
}
