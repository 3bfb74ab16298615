package config

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Speaker volume configuration
	Speaker SpeakerConfig `mapstructure:"speaker" yaml:"speaker"`

	// Storage medium configuration
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Internet radio configuration
	Network NetworkConfig `mapstructure:"network" yaml:"network"`

	// Wireless bridge configuration
	Wireless WirelessConfig `mapstructure:"wireless" yaml:"wireless"`

	// Input device configuration
	Input InputConfig `mapstructure:"input" yaml:"input"`

	// Amplifier enable line configuration
	Power PowerConfig `mapstructure:"power" yaml:"power"`

	// Audio output configuration
	Audio AudioConfig `mapstructure:"audio" yaml:"audio"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// SpeakerConfig holds volume defaults and step sizes
type SpeakerConfig struct {
	DefaultVolume  int           `mapstructure:"default_volume" yaml:"default_volume"`
	StepLow        int           `mapstructure:"step_low" yaml:"step_low"`
	StepHigh       int           `mapstructure:"step_high" yaml:"step_high"`
	StepThreshold  int           `mapstructure:"step_threshold" yaml:"step_threshold"`
	StatusInterval time.Duration `mapstructure:"status_interval" yaml:"status_interval"`
}

// StorageConfig holds the storage medium location
type StorageConfig struct {
	Root       string   `mapstructure:"root" yaml:"root"`
	Extensions []string `mapstructure:"extensions" yaml:"extensions"`
}

// NetworkConfig holds the station list and connectivity probe
type NetworkConfig struct {
	Stations      []string      `mapstructure:"stations" yaml:"stations"`
	ProbeAddress  string        `mapstructure:"probe_address" yaml:"probe_address"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
}

// WirelessConfig holds the wireless bridge connection
type WirelessConfig struct {
	BridgeURL  string        `mapstructure:"bridge_url" yaml:"bridge_url"`
	DeviceName string        `mapstructure:"device_name" yaml:"device_name"`
	Retry      time.Duration `mapstructure:"retry" yaml:"retry"`
}

// InputConfig holds input devices and the key map
type InputConfig struct {
	Devices []string `mapstructure:"devices" yaml:"devices"`
	// Keys maps a key name or code to a button name.
	Keys map[string]string `mapstructure:"keys" yaml:"keys"`
}

// PowerConfig holds the amplifier enable line
type PowerConfig struct {
	Chip       string `mapstructure:"chip" yaml:"chip"`
	Line       int    `mapstructure:"line" yaml:"line"`
	ActiveHigh bool   `mapstructure:"active_high" yaml:"active_high"`
}

// AudioConfig holds output device and processing settings
type AudioConfig struct {
	SampleRate     int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Buffer         time.Duration `mapstructure:"buffer" yaml:"buffer"`
	BufferChunks   int           `mapstructure:"buffer_chunks" yaml:"buffer_chunks"`
	ChunkSize      int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	Frames         int           `mapstructure:"frames" yaml:"frames"`
	EqualizerGains []float64     `mapstructure:"equalizer_gains" yaml:"equalizer_gains"`
	ALCGain        float64       `mapstructure:"alc_gain" yaml:"alc_gain"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or text
}

// DefaultStations are played when no station list is configured.
var DefaultStations = []string{
	"http://icecast.omroep.nl/radio1-bb-mp3",
	"http://stream.live.vc.bbcmedia.co.uk/bbc_world_service",
	"http://ice1.somafm.com/groovesalad-128-mp3",
}

// SetDefaults registers every default with viper.
func SetDefaults() {
	viper.SetDefault("speaker.default_volume", 50)
	viper.SetDefault("speaker.step_low", 5)
	viper.SetDefault("speaker.step_high", 5)
	viper.SetDefault("speaker.step_threshold", 100)
	viper.SetDefault("speaker.status_interval", "1m")
	viper.SetDefault("storage.root", "/sdcard")
	viper.SetDefault("storage.extensions", []string{"mp3"})
	viper.SetDefault("network.stations", DefaultStations)
	viper.SetDefault("network.probe_address", "1.1.1.1:53")
	viper.SetDefault("network.probe_interval", "2s")
	viper.SetDefault("wireless.bridge_url", "ws://127.0.0.1:8765/sink")
	viper.SetDefault("wireless.device_name", "MULTIFUNCTION-SPEAKER")
	viper.SetDefault("wireless.retry", "3s")
	viper.SetDefault("input.devices", []string{})
	viper.SetDefault("power.chip", "")
	viper.SetDefault("power.line", 0)
	viper.SetDefault("power.active_high", true)
	viper.SetDefault("audio.sample_rate", 44100)
	viper.SetDefault("audio.buffer", "100ms")
	viper.SetDefault("audio.buffer_chunks", 8)
	viper.SetDefault("audio.chunk_size", 4096)
	viper.SetDefault("audio.frames", 1024)
	viper.SetDefault("audio.equalizer_gains", []float64{4, 6, 6, 3, 2, -50, -89, -89, -50, 2})
	viper.SetDefault("audio.alc_gain", 0.0)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	SetDefaults()

	// Read config file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.speakerd")
	viper.AddConfigPath("/etc/speakerd")

	// Allow environment variables
	viper.SetEnvPrefix("SPEAKERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		slog.Debug("No config file found, using defaults and environment variables")
	} else {
		slog.Info("Using config file", slog.String("file", viper.ConfigFileUsed()))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Speaker.DefaultVolume < 0 || c.Speaker.DefaultVolume > 100 {
		return &ConfigError{Field: "speaker.default_volume", Message: "must be between 0 and 100"}
	}
	if c.Speaker.StepLow <= 0 || c.Speaker.StepHigh <= 0 {
		return &ConfigError{Field: "speaker.step_low", Message: "volume steps must be positive"}
	}
	if c.Speaker.StepThreshold < 0 || c.Speaker.StepThreshold > 100 {
		return &ConfigError{Field: "speaker.step_threshold", Message: "must be between 0 and 100"}
	}
	if c.Storage.Root == "" {
		return &ConfigError{Field: "storage.root", Message: "storage root is required"}
	}
	if len(c.Storage.Extensions) == 0 {
		return &ConfigError{Field: "storage.extensions", Message: "at least one extension is required"}
	}
	for _, s := range c.Network.Stations {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ConfigError{Field: "network.stations", Message: "invalid station URL " + s}
		}
	}
	if c.Network.ProbeAddress == "" {
		return &ConfigError{Field: "network.probe_address", Message: "probe address is required"}
	}
	if c.Wireless.BridgeURL != "" {
		u, err := url.Parse(c.Wireless.BridgeURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return &ConfigError{Field: "wireless.bridge_url", Message: "bridge URL must use ws or wss"}
		}
	}
	if c.Power.Chip != "" && c.Power.Line < 0 {
		return &ConfigError{Field: "power.line", Message: "line offset must not be negative"}
	}
	if c.Audio.SampleRate <= 0 {
		return &ConfigError{Field: "audio.sample_rate", Message: "sample rate must be positive"}
	}
	if len(c.Audio.EqualizerGains) > 10 {
		return &ConfigError{Field: "audio.equalizer_gains", Message: "at most 10 bands are supported"}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return &ConfigError{Field: "logging.level", Message: "unknown level " + c.Logging.Level}
	}
	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
