package config

import (
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Clock sources for image timestamps
const (
	ClockSystem   = "system"
	ClockHardware = "hardware"
)

// Config represents the application configuration
type Config struct {
	Device   DeviceConfig   `toml:"device" json:"device"`
	Streams  []StreamConfig `toml:"streams" json:"streams"`
	Pipeline PipelineConfig `toml:"pipeline" json:"pipeline"`
	Trigger  TriggerConfig  `toml:"trigger" json:"trigger"`
	Server   ServerConfig   `toml:"server" json:"server"`
	WebRTC   WebRTCConfig   `toml:"webrtc" json:"webrtc"`
	UDP      UDPConfig      `toml:"udp" json:"udp"`
	Buffers  BufferConfig   `toml:"buffers" json:"buffers"`
	Timeouts TimeoutConfig  `toml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`
	Limits   LimitConfig    `toml:"limits" json:"limits"`
}

// DeviceConfig identifies the camera the pipeline talks to
type DeviceConfig struct {
	Kind      string          `toml:"kind" json:"kind"`
	Name      string          `toml:"name" json:"name"`
	Serial    string          `toml:"serial" json:"serial"`
	Simulated SimulatedConfig `toml:"simulated" json:"simulated"`
}

// SimulatedConfig controls the software camera used when no hardware is attached
type SimulatedConfig struct {
	FPS            int    `toml:"fps" json:"fps"`
	Payload        string `toml:"payload" json:"payload"`
	FailEvery      int    `toml:"fail_every" json:"fail_every"`
	ROIChangeAfter int    `toml:"roi_change_after" json:"roi_change_after"`
}

// StreamConfig describes one hardware channel and its substreams
type StreamConfig struct {
	Name       string            `toml:"name" json:"name"`
	Buffers    int               `toml:"buffers" json:"buffers"`
	Substreams []SubstreamConfig `toml:"substreams" json:"substreams"`
}

// SubstreamConfig describes one logical sub-image of a stream
type SubstreamConfig struct {
	Name                string    `toml:"name" json:"name"`
	FrameID             string    `toml:"frame_id" json:"frame_id"`
	PixelFormat         string    `toml:"pixel_format" json:"pixel_format"`
	PixelFormatInternal string    `toml:"pixel_format_internal" json:"pixel_format_internal"`
	CameraInfoURL       string    `toml:"camera_info_url" json:"camera_info_url"`
	ROI                 ROIConfig `toml:"roi" json:"roi"`
}

// ROIConfig holds the initial region of interest and its bounds
type ROIConfig struct {
	X         int `toml:"x" json:"x"`
	Y         int `toml:"y" json:"y"`
	Width     int `toml:"width" json:"width"`
	Height    int `toml:"height" json:"height"`
	WidthMin  int `toml:"width_min" json:"width_min"`
	WidthMax  int `toml:"width_max" json:"width_max"`
	HeightMin int `toml:"height_min" json:"height_min"`
	HeightMax int `toml:"height_max" json:"height_max"`
}

// PipelineConfig holds frame distribution settings
type PipelineConfig struct {
	ClockSource      string `toml:"clock_source" json:"clock_source"`
	WaitTimeoutMS    int    `toml:"wait_timeout_ms" json:"wait_timeout_ms"`
	OpenRetryDelayMS int    `toml:"open_retry_delay_ms" json:"open_retry_delay_ms"`
	OpenMaxRetries   int    `toml:"open_max_retries" json:"open_max_retries"` // 0 retries forever
	ImagePoolWarnAt  int    `toml:"image_pool_warn_at" json:"image_pool_warn_at"`
	Benchmark        bool   `toml:"benchmark" json:"benchmark"`
}

// TriggerConfig holds software trigger settings
type TriggerConfig struct {
	SoftwareRate float64 `toml:"software_rate" json:"software_rate"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort        int      `toml:"web_port" json:"web_port"`
	BindIP         string   `toml:"bind_ip" json:"bind_ip"`
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
}

// WebRTCConfig holds WebRTC-specific settings
type WebRTCConfig struct {
	Enabled        bool     `toml:"enabled" json:"enabled"`
	Port           int      `toml:"port" json:"port"`
	STUNServers    []string `toml:"stun_servers" json:"stun_servers"`
	TURNServers    []string `toml:"turn_servers" json:"turn_servers"`
	TURNUsername   string   `toml:"turn_username" json:"turn_username"`
	TURNCredential string   `toml:"turn_credential" json:"-"`
	MaxClients     int      `toml:"max_clients" json:"max_clients"`
	ChunkSize      int      `toml:"chunk_size" json:"chunk_size"`
}

// UDPConfig holds the push destinations of the UDP transport
type UDPConfig struct {
	Enabled   bool        `toml:"enabled" json:"enabled"`
	MTU       int         `toml:"mtu" json:"mtu"`
	LocalPort int         `toml:"local_port" json:"local_port"`
	QueueSize int         `toml:"queue_size" json:"queue_size"`
	Targets   []UDPTarget `toml:"targets" json:"targets"`
}

// UDPTarget receives every frame of one topic
type UDPTarget struct {
	Topic string `toml:"topic" json:"topic"`
	Host  string `toml:"host" json:"host"`
	Port  int    `toml:"port" json:"port"`
}

// BufferConfig holds buffer size settings for channels
type BufferConfig struct {
	WebSocketSendBuffer int `toml:"websocket_send_buffer" json:"websocket_send_buffer"`
	SubscriberQueue     int `toml:"subscriber_queue" json:"subscriber_queue"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
	SendTimeoutMS       int `toml:"send_timeout_ms" json:"send_timeout_ms"`
}

// LoggingConfig holds logging interval settings
type LoggingConfig struct {
	FrameLogInterval int `toml:"frame_log_interval" json:"frame_log_interval"`
	StatsLogInterval int `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// LimitConfig holds resource limit settings
type LimitConfig struct {
	MaxLogFiles      int `toml:"max_log_files" json:"max_log_files"`
	MaxPayloadSizeMB int `toml:"max_payload_size_mb" json:"max_payload_size_mb"`
}

// Default returns the built-in configuration: one simulated stream carrying an
// intensity and a depth part.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Kind:   "simulated",
			Name:   "camera",
			Serial: "SIM-0001",
			Simulated: SimulatedConfig{
				FPS:     15,
				Payload: "multipart",
			},
		},
		Streams: []StreamConfig{
			{
				Name:    "camera",
				Buffers: 10,
				Substreams: []SubstreamConfig{
					{
						Name:        "intensity",
						PixelFormat: "Mono12p",
						ROI:         ROIConfig{Width: 640, Height: 480, WidthMin: 16, WidthMax: 1280, HeightMin: 16, HeightMax: 960},
					},
					{
						Name:        "depth",
						PixelFormat: "Coord3D_C16",
						ROI:         ROIConfig{Width: 640, Height: 480, WidthMin: 16, WidthMax: 1280, HeightMin: 16, HeightMax: 960},
					},
				},
			},
		},
		Pipeline: PipelineConfig{
			ClockSource:      ClockSystem,
			WaitTimeoutMS:    1000,
			OpenRetryDelayMS: 1000,
			ImagePoolWarnAt:  64,
		},
		Server: ServerConfig{
			WebPort:        8080,
			BindIP:         "0.0.0.0",
			AllowedOrigins: []string{"*"},
		},
		WebRTC: WebRTCConfig{
			Enabled:     true,
			Port:        5557,
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  4,
			ChunkSize:   16384,
		},
		UDP: UDPConfig{
			MTU:       1400,
			QueueSize: 8,
		},
		Buffers: BufferConfig{
			WebSocketSendBuffer: 1024,
			SubscriberQueue:     2,
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
			SendTimeoutMS:       5000,
		},
		Logging: LoggingConfig{
			FrameLogInterval: 300,
			StatsLogInterval: 60,
		},
		Limits: LimitConfig{
			MaxLogFiles:      20,
			MaxPayloadSizeMB: 64,
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		// Streams from the file replace the default layout entirely
		defaultStreams := config.Streams
		config.Streams = nil
		md, err := toml.DecodeFile(configPath, config)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		if !md.IsDefined("streams") {
			config.Streams = defaultStreams
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("Unknown config keys ignored", zap.Strings("keys", keys))
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// ApplyDefaults fills derived values left empty in the file
func (c *Config) ApplyDefaults() {
	if c.Device.Name == "" {
		c.Device.Name = "camera"
	}
	if c.Pipeline.ClockSource == "" {
		c.Pipeline.ClockSource = ClockSystem
	}
	if c.Pipeline.WaitTimeoutMS <= 0 {
		c.Pipeline.WaitTimeoutMS = 1000
	}
	if c.Pipeline.OpenRetryDelayMS <= 0 {
		c.Pipeline.OpenRetryDelayMS = 1000
	}
	if c.UDP.MTU <= 0 {
		c.UDP.MTU = 1400
	}
	if c.UDP.QueueSize <= 0 {
		c.UDP.QueueSize = 8
	}

	for i := range c.Streams {
		st := &c.Streams[i]
		if st.Name == "" {
			st.Name = fmt.Sprintf("stream%d", i)
		}
		if st.Buffers <= 0 {
			st.Buffers = 10
		}
		for j := range st.Substreams {
			sub := &st.Substreams[j]
			if sub.Name == "" {
				sub.Name = fmt.Sprintf("part%d", j)
			}
			if sub.FrameID == "" {
				sub.FrameID = path.Join(c.Device.Name, sub.Name)
			}
			if sub.CameraInfoURL == "" && c.Device.Serial != "" {
				sub.CameraInfoURL = c.Device.Serial + ".yaml"
				if len(st.Substreams) > 1 {
					sub.CameraInfoURL = c.Device.Serial + "_" + sub.Name + ".yaml"
				}
			}
		}
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}

	switch c.Pipeline.ClockSource {
	case ClockSystem, ClockHardware:
	default:
		return fmt.Errorf("unknown clock source %q", c.Pipeline.ClockSource)
	}

	streams := make(map[string]bool)
	for _, st := range c.Streams {
		if streams[st.Name] {
			return fmt.Errorf("duplicate stream name %q", st.Name)
		}
		streams[st.Name] = true

		if len(st.Substreams) == 0 {
			return fmt.Errorf("stream %q has no substreams", st.Name)
		}

		names := make(map[string]bool)
		for _, sub := range st.Substreams {
			if names[sub.Name] {
				return fmt.Errorf("stream %q: duplicate substream name %q", st.Name, sub.Name)
			}
			names[sub.Name] = true

			if sub.PixelFormat == "" {
				return fmt.Errorf("substream %q: pixel_format is required", sub.Name)
			}
			if err := sub.ROI.validate(); err != nil {
				return fmt.Errorf("substream %q: %w", sub.Name, err)
			}
		}
	}

	if c.UDP.Enabled {
		if err := c.UDP.validate(); err != nil {
			return fmt.Errorf("udp: %w", err)
		}
	}

	return nil
}

func (u UDPConfig) validate() error {
	if u.MTU < 64 {
		return fmt.Errorf("mtu %d is too small", u.MTU)
	}
	if len(u.Targets) == 0 {
		return fmt.Errorf("enabled without targets")
	}
	for _, t := range u.Targets {
		if t.Topic == "" || t.Host == "" {
			return fmt.Errorf("target needs a topic and a host")
		}
		if t.Port <= 0 || t.Port > 65535 {
			return fmt.Errorf("target %s:%d has an invalid port", t.Host, t.Port)
		}
	}
	return nil
}

func (r ROIConfig) validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("roi size %dx%d must be positive", r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("roi offset (%d,%d) must not be negative", r.X, r.Y)
	}
	if r.WidthMax > 0 && (r.Width < r.WidthMin || r.Width > r.WidthMax) {
		return fmt.Errorf("roi width %d outside [%d, %d]", r.Width, r.WidthMin, r.WidthMax)
	}
	if r.HeightMax > 0 && (r.Height < r.HeightMin || r.Height > r.HeightMax) {
		return fmt.Errorf("roi height %d outside [%d, %d]", r.Height, r.HeightMin, r.HeightMax)
	}
	return nil
}

// Topic returns the publish topic of a substream. A stream with a single
// substream publishes under the stream name alone.
func (s StreamConfig) Topic(sub SubstreamConfig) string {
	if len(s.Substreams) <= 1 {
		return s.Name
	}
	return s.Name + "/" + sub.Name
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
