package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddr is the default TCP address the websocket listener binds.
	DefaultAddr = ":43127"
	// DefaultTimeSyncAddr is where the gRPC clock-sample stream listens. Empty disables it.
	DefaultTimeSyncAddr = ":43128"
	// DefaultTimeSyncInterval is the cadence of streamed clock samples.
	DefaultTimeSyncInterval = time.Second
	// DefaultPingInterval controls the keepalive cadence for websocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound websocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultSimulationHz is the fixed physics step frequency.
	DefaultSimulationHz = 60.0
	// DefaultNetworkHz is the frequency observers receive updates at.
	DefaultNetworkHz = 20.0
	// DefaultViewDistance is the chunk radius observers track when none is supplied.
	DefaultViewDistance = 8
	// DefaultMaxViewDistance caps the chunk radius an observer may request.
	DefaultMaxViewDistance = 32
	// DefaultMaxFrameBytes bounds a single encoded batch frame.
	DefaultMaxFrameBytes = 32 * 1024
	// DefaultCompression selects the batch block compressor.
	DefaultCompression = "zstd"
	// DefaultBandwidthBytesPerSecond caps state traffic per observer.
	DefaultBandwidthBytesPerSecond = 256 * 1024.0
	// DefaultClientUpdateHz limits client-authored data batches per observer.
	DefaultClientUpdateHz = 30.0
	// DefaultClientUpdateBurst is the burst allowance paired with DefaultClientUpdateHz.
	DefaultClientUpdateBurst = 10

	// DefaultInterpolationDelay renders observers slightly in the past.
	DefaultInterpolationDelay = 100 * time.Millisecond
	// DefaultBufferMaxCount bounds the per-body reception buffer.
	DefaultBufferMaxCount = 64
	// DefaultBufferMaxSpan bounds the time range kept per body.
	DefaultBufferMaxSpan = 2 * time.Second
	// DefaultBufferMinCount is the floor trimming never goes below.
	DefaultBufferMinCount = 3
	// DefaultClockSmoothing is the exponential smoothing factor for clock offsets.
	DefaultClockSmoothing = 0.05

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "physsync.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the sync service.
type Config struct {
	Address          string        `yaml:"address"`
	TimeSyncAddress  string        `yaml:"timesync_address"`
	TimeSyncSecret   string        `yaml:"timesync_secret"`
	AuthSecret       string        `yaml:"auth_secret"`
	AdminToken       string        `yaml:"admin_token"`
	TimeSyncInterval time.Duration `yaml:"timesync_interval"`
	MaxPayloadBytes  int64         `yaml:"max_payload_bytes"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	RegionStorePath  string        `yaml:"region_store_path"`
	Sync             SyncConfig    `yaml:"sync"`
	Interpolation    InterpConfig  `yaml:"interpolation"`
	Terrain          TerrainConfig `yaml:"terrain"`
	Logging          LoggingConfig `yaml:"logging"`
}

// SyncConfig controls the authoritative side of the pipeline.
type SyncConfig struct {
	SimulationHz            float64 `yaml:"simulation_hz"`
	NetworkHz               float64 `yaml:"network_hz"`
	ViewDistance            int     `yaml:"view_distance"`
	MaxViewDistance         int     `yaml:"max_view_distance"`
	MaxFrameBytes           int     `yaml:"max_frame_bytes"`
	Compression             string  `yaml:"compression"`
	BandwidthBytesPerSecond float64 `yaml:"bandwidth_bytes_per_second"`
	ClientUpdateHz          float64 `yaml:"client_update_hz"`
	ClientUpdateBurst       int     `yaml:"client_update_burst"`
}

// TerrainConfig describes the static collision world of the reference engine. It is only read
// from the YAML file.
type TerrainConfig struct {
	GroundHeight float64          `yaml:"ground_height"`
	Obstacles    []ObstacleConfig `yaml:"obstacles"`
}

// ObstacleConfig is one static sphere.
type ObstacleConfig struct {
	Center [3]float64 `yaml:"center"`
	Radius float64    `yaml:"radius"`
}

// InterpConfig controls the receiving side of the pipeline.
type InterpConfig struct {
	Delay          time.Duration `yaml:"delay"`
	BufferMaxCount int           `yaml:"buffer_max_count"`
	BufferMaxSpan  time.Duration `yaml:"buffer_max_span"`
	BufferMinCount int           `yaml:"buffer_min_count"`
	ClockSmoothing float64       `yaml:"clock_smoothing"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Address:          DefaultAddr,
		TimeSyncAddress:  DefaultTimeSyncAddr,
		TimeSyncInterval: DefaultTimeSyncInterval,
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		Sync: SyncConfig{
			SimulationHz:            DefaultSimulationHz,
			NetworkHz:               DefaultNetworkHz,
			ViewDistance:            DefaultViewDistance,
			MaxViewDistance:         DefaultMaxViewDistance,
			MaxFrameBytes:           DefaultMaxFrameBytes,
			Compression:             DefaultCompression,
			BandwidthBytesPerSecond: DefaultBandwidthBytesPerSecond,
			ClientUpdateHz:          DefaultClientUpdateHz,
			ClientUpdateBurst:       DefaultClientUpdateBurst,
		},
		Interpolation: DefaultInterpConfig(),
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// DefaultInterpConfig returns the receiving side defaults; clients use it directly.
func DefaultInterpConfig() InterpConfig {
	return InterpConfig{
		Delay:          DefaultInterpolationDelay,
		BufferMaxCount: DefaultBufferMaxCount,
		BufferMaxSpan:  DefaultBufferMaxSpan,
		BufferMinCount: DefaultBufferMinCount,
		ClockSmoothing: DefaultClockSmoothing,
	}
}

// Load reads the configuration from an optional YAML file named by PHYSSYNC_CONFIG and then
// environment variables, returning one error describing every invalid override.
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("PHYSSYNC_CONFIG")); path != "" {
		//1.- Overlay the YAML file first so explicit environment values win.
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.Address = getString("PHYSSYNC_ADDR", cfg.Address)
	cfg.TimeSyncAddress = getString("PHYSSYNC_TIMESYNC_ADDR", cfg.TimeSyncAddress)
	cfg.TimeSyncSecret = getString("PHYSSYNC_TIMESYNC_SECRET", cfg.TimeSyncSecret)
	cfg.AuthSecret = getString("PHYSSYNC_AUTH_SECRET", cfg.AuthSecret)
	cfg.AdminToken = getString("PHYSSYNC_ADMIN_TOKEN", cfg.AdminToken)
	cfg.RegionStorePath = getString("PHYSSYNC_REGION_STORE", cfg.RegionStorePath)
	cfg.Sync.Compression = strings.ToLower(getString("PHYSSYNC_COMPRESSION", cfg.Sync.Compression))
	cfg.Logging.Level = getString("PHYSSYNC_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Path = getString("PHYSSYNC_LOG_PATH", cfg.Logging.Path)

	var problems []string

	parseInt64(&problems, "PHYSSYNC_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes, 1)
	parseDuration(&problems, "PHYSSYNC_PING_INTERVAL", &cfg.PingInterval)
	parseDuration(&problems, "PHYSSYNC_TIMESYNC_INTERVAL", &cfg.TimeSyncInterval)
	parseFloat(&problems, "PHYSSYNC_SIMULATION_HZ", &cfg.Sync.SimulationHz)
	parseFloat(&problems, "PHYSSYNC_NETWORK_HZ", &cfg.Sync.NetworkHz)
	parseInt(&problems, "PHYSSYNC_VIEW_DISTANCE", &cfg.Sync.ViewDistance, 0)
	parseInt(&problems, "PHYSSYNC_MAX_VIEW_DISTANCE", &cfg.Sync.MaxViewDistance, 1)
	parseInt(&problems, "PHYSSYNC_MAX_FRAME_BYTES", &cfg.Sync.MaxFrameBytes, 64)
	parseFloat(&problems, "PHYSSYNC_BANDWIDTH_BPS", &cfg.Sync.BandwidthBytesPerSecond)
	parseFloat(&problems, "PHYSSYNC_CLIENT_UPDATE_HZ", &cfg.Sync.ClientUpdateHz)
	parseInt(&problems, "PHYSSYNC_CLIENT_UPDATE_BURST", &cfg.Sync.ClientUpdateBurst, 1)
	parseDuration(&problems, "PHYSSYNC_INTERP_DELAY", &cfg.Interpolation.Delay)
	parseInt(&problems, "PHYSSYNC_BUFFER_MAX_COUNT", &cfg.Interpolation.BufferMaxCount, 2)
	parseDuration(&problems, "PHYSSYNC_BUFFER_MAX_SPAN", &cfg.Interpolation.BufferMaxSpan)
	parseInt(&problems, "PHYSSYNC_BUFFER_MIN_COUNT", &cfg.Interpolation.BufferMinCount, 2)
	parseFloat(&problems, "PHYSSYNC_CLOCK_SMOOTHING", &cfg.Interpolation.ClockSmoothing)
	parseInt(&problems, "PHYSSYNC_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, 1)
	parseInt(&problems, "PHYSSYNC_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, 0)
	parseInt(&problems, "PHYSSYNC_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, 0)

	if raw := strings.TrimSpace(os.Getenv("PHYSSYNC_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("PHYSSYNC_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	//2.- Validate cross-field constraints after every override has been applied.
	problems = append(problems, cfg.validate()...)

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func (c *Config) validate() []string {
	var problems []string
	switch c.Sync.Compression {
	case "zstd", "snappy", "gzip":
	default:
		problems = append(problems, fmt.Sprintf("compression must be one of zstd, snappy, gzip, got %q", c.Sync.Compression))
	}
	if c.Sync.SimulationHz <= 0 {
		problems = append(problems, "simulation_hz must be positive")
	}
	if c.Sync.NetworkHz <= 0 {
		problems = append(problems, "network_hz must be positive")
	}
	if c.Sync.MaxViewDistance < 1 {
		problems = append(problems, "max_view_distance must be positive")
	} else if c.Sync.ViewDistance > c.Sync.MaxViewDistance {
		problems = append(problems, fmt.Sprintf("view_distance %d exceeds max_view_distance %d", c.Sync.ViewDistance, c.Sync.MaxViewDistance))
	}
	for i, o := range c.Terrain.Obstacles {
		if o.Radius <= 0 {
			problems = append(problems, fmt.Sprintf("terrain obstacle %d radius must be positive, got %v", i, o.Radius))
		}
	}
	if c.Interpolation.Delay < 0 {
		problems = append(problems, "interpolation delay must not be negative")
	}
	if c.Interpolation.BufferMinCount > c.Interpolation.BufferMaxCount {
		problems = append(problems, "buffer_min_count must not exceed buffer_max_count")
	}
	if a := c.Interpolation.ClockSmoothing; a <= 0 || a > 1 {
		problems = append(problems, fmt.Sprintf("clock_smoothing must be within (0, 1], got %v", a))
	}
	return problems
}

func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s does not exist", path)
		}
		return err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseInt(problems *[]string, key string, dst *int, minimum int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		*problems = append(*problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
		return
	}
	*dst = value
}

func parseInt64(problems *[]string, key string, dst *int64, minimum int64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < minimum {
		*problems = append(*problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
		return
	}
	*dst = value
}

func parseFloat(problems *[]string, key string, dst *float64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
		return
	}
	*dst = value
}

func parseDuration(problems *[]string, key string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}
