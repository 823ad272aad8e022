package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// EmbeddedNATSConfig defines parameters for running a NATS server within the process
type EmbeddedNATSConfig struct {
	// Enabled whether to start the embedded server. The NATS client will connect to it
	// instead of NATSConfig.ServerURI.
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ListenOn is the interface the embedded server listens on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the client port of the embedded server. -1 picks a random port.
	Port int `mapstructure:"listen_port" json:"listen_port" validate:"gte=-1,lt=65536"`
	// StoreDir is where JetStream persists its data
	StoreDir string `mapstructure:"store_dir" json:"store_dir" validate:"required"`
}

// ===============================================================================
// Location Store Related Config

// StoreConfig defines which location store backend to use
type StoreConfig struct {
	// Backend is the location store backend
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=nats sql memory"`
	// Bucket is the JetStream KV bucket / SQL table group holding the collector records
	Bucket string `mapstructure:"bucket" json:"bucket" validate:"required,max=64"`
	// SubscribeBuffer is the number of change batches buffered per subscription
	SubscribeBuffer int `mapstructure:"subscribe_buffer" json:"subscribe_buffer" validate:"gte=1"`
}

// SQLConfig defines the SQL location store backend parameters
type SQLConfig struct {
	// Driver is the SQL driver
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=sqlite postgres"`
	// DSN is the database connection string
	DSN string `mapstructure:"dsn" json:"dsn" validate:"required"`
	// PollInterval is the change polling interval in milliseconds
	PollInterval int `mapstructure:"poll_interval_ms" json:"poll_interval_ms" validate:"gte=10"`
	// ChangeLag is how far back in milliseconds each poll re-reads for late commits
	ChangeLag int `mapstructure:"change_lag_ms" json:"change_lag_ms" validate:"gte=0"`
}

// ===============================================================================
// Location Publisher Related Config

// ReplaySourceConfig defines a position source replaying a recorded track
type ReplaySourceConfig struct {
	// TrackFile is the YAML track file
	TrackFile string `mapstructure:"track_file" json:"track_file" validate:"required"`
	// Loop whether to restart from the first waypoint once the track ends
	Loop bool `mapstructure:"loop" json:"loop"`
	// SpeedFactor scales the waypoint offsets. 2 replays twice as fast.
	SpeedFactor float64 `mapstructure:"speed_factor" json:"speed_factor" validate:"gte=0"`
}

// GTFSRTSourceConfig defines a position source reading a GTFS-Realtime vehicle feed
type GTFSRTSourceConfig struct {
	// FeedURL is the GTFS-RT VehiclePositions feed URL
	FeedURL string `mapstructure:"feed_url" json:"feed_url" validate:"required,url"`
	// VehicleID is the vehicle descriptor ID to follow
	VehicleID string `mapstructure:"vehicle_id" json:"vehicle_id" validate:"required"`
	// PollInterval is the feed poll interval in milliseconds
	PollInterval int `mapstructure:"poll_interval_ms" json:"poll_interval_ms" validate:"omitempty,gte=100"`
}

// SourceConfig defines the position source
type SourceConfig struct {
	// Type is the source type
	Type string `mapstructure:"type" json:"type" validate:"required,oneof=replay gtfsrt"`
	// Replay is the replay source config
	Replay *ReplaySourceConfig `mapstructure:"replay,omitempty" json:"replay,omitempty" validate:"required_if=Type replay"`
	// GTFSRT is the GTFS-RT source config
	GTFSRT *GTFSRTSourceConfig `mapstructure:"gtfsrt,omitempty" json:"gtfsrt,omitempty" validate:"required_if=Type gtfsrt"`
}

// PublisherConfig defines the location publisher parameters
type PublisherConfig struct {
	// EntityID is the collector ID this publisher writes for
	EntityID string `mapstructure:"entity_id" json:"entity_id"`
	// DisplayName is written once when the publisher starts
	DisplayName string `mapstructure:"display_name" json:"display_name"`
	// MinInterval is the minimum sampling interval in milliseconds
	MinInterval int `mapstructure:"min_interval_ms" json:"min_interval_ms" validate:"gte=1"`
	// MinDisplacement is the minimum displacement in meters that triggers a sample. 0 turns
	// the displacement trigger off.
	MinDisplacement float64 `mapstructure:"min_displacement_m" json:"min_displacement_m" validate:"gte=0"`
	// LocationPermission whether the device granted location access
	LocationPermission bool `mapstructure:"location_permission" json:"location_permission"`
	// Source is the position source
	Source SourceConfig `mapstructure:"source" json:"source" validate:"required"`
}

// ===============================================================================
// Viewer Related Config

// ViewerConfig defines the live view parameters
type ViewerConfig struct {
	// AnimationDuration is the marker animation duration in milliseconds
	AnimationDuration int `mapstructure:"animation_ms" json:"animation_ms" validate:"gte=1"`
	// FrameInterval is the animation frame interval in milliseconds
	FrameInterval int `mapstructure:"frame_ms" json:"frame_ms" validate:"gte=1"`
	// CameraZoom is the zoom level used when centering on the first collector
	CameraZoom float64 `mapstructure:"camera_zoom" json:"camera_zoom" validate:"gte=0,lte=22"`
	// BatchBuffer is the number of pending tasks the view event loop will buffer
	BatchBuffer int `mapstructure:"batch_buffer" json:"batch_buffer" validate:"gte=1"`
	// ClearOnDeactivate whether to remove all markers when a view is deactivated
	ClearOnDeactivate bool `mapstructure:"clear_on_deactivate" json:"clear_on_deactivate"`
}

// AnimationDurationValue the animation duration as time.Duration
func (c ViewerConfig) AnimationDurationValue() time.Duration {
	return time.Millisecond * time.Duration(c.AnimationDuration)
}

// FrameIntervalValue the frame interval as time.Duration
func (c ViewerConfig) FrameIntervalValue() time.Duration {
	return time.Millisecond * time.Duration(c.FrameInterval)
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Live streams are long lived, so this
	// is normally left at zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// LiveEndpointConfig defines live-locate API endpoint config
type LiveEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the live-locate APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// MaxSessions is the max number of concurrent live view sessions
	MaxSessions int `mapstructure:"max_sessions" json:"max_sessions" validate:"gte=1"`
}

// LiveServerConfig defines configuration for the live-locate API server
type LiveServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters
	Endpoints LiveEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by any of the subcommands
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// EmbeddedNATS are the embedded NATS server parameters
	EmbeddedNATS EmbeddedNATSConfig `mapstructure:"embedded_nats" json:"embedded_nats" validate:"required"`
	// Store is the location store selection
	Store StoreConfig `mapstructure:"store" json:"store" validate:"required"`
	// SQL are the SQL location store parameters
	SQL SQLConfig `mapstructure:"sql" json:"sql" validate:"required"`
	// Publisher are the location publisher parameters. These are only validated by the
	// publish subcommand.
	Publisher *PublisherConfig `mapstructure:"publisher,omitempty" json:"publisher,omitempty" validate:"-"`
	// Viewer are the live view parameters
	Viewer ViewerConfig `mapstructure:"viewer" json:"viewer" validate:"required"`
	// LiveServer are the live-locate API server configs
	LiveServer *LiveServerConfig `mapstructure:"live_server,omitempty" json:"live_server,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("embedded_nats.enabled", false)
	viper.SetDefault("embedded_nats.listen_on", "127.0.0.1")
	viper.SetDefault("embedded_nats.listen_port", -1)
	viper.SetDefault("embedded_nats.store_dir", "/tmp/gtrack/jetstream")

	// Default store settings
	viper.SetDefault("store.backend", "nats")
	viper.SetDefault("store.bucket", "collectors")
	viper.SetDefault("store.subscribe_buffer", 32)
	viper.SetDefault("sql.driver", "sqlite")
	viper.SetDefault("sql.dsn", "file:gtrack.db")
	viper.SetDefault("sql.poll_interval_ms", 500)
	viper.SetDefault("sql.change_lag_ms", 5000)

	// Default publisher settings
	viper.SetDefault("publisher.min_interval_ms", 5000)
	viper.SetDefault("publisher.min_displacement_m", 10.0)
	viper.SetDefault("publisher.location_permission", true)
	viper.SetDefault("publisher.source.type", "replay")

	// Default viewer settings
	viper.SetDefault("viewer.animation_ms", 1000)
	viper.SetDefault("viewer.frame_ms", 16)
	viper.SetDefault("viewer.camera_zoom", 14.0)
	viper.SetDefault("viewer.batch_buffer", 64)
	viper.SetDefault("viewer.clear_on_deactivate", false)

	// Default live server settings
	viper.SetDefault("live_server.endpoint_config.path_prefix", "/")
	viper.SetDefault("live_server.endpoint_config.max_sessions", 256)
	viper.SetDefault("live_server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("live_server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("live_server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("live_server.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("live_server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"live_server.api_server.logging_config.request_id_header", "Gtrack-Request-ID",
	)
	viper.SetDefault(
		"live_server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
