// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	AppName       = "mixengine"
	ConfigType    = "yaml"
	DefaultConfig = `# mixengine configuration

# Output device settings
device_index: -1       # -1 for default playback device
sample_rate: 48000      # Mixer working sample rate in Hz
channels: 2             # Mixer working channel count (1=mono, 2=stereo)
latency_ms: 20          # Requested device period/latency in milliseconds

# Per-stream defaults
cache_ms: 200           # Default per-stream cache target latency in milliseconds
volume: 65536           # Global volume (0-65536, 65536 = full scale)

# Demo tone stream (useful for exercising the mixer without a real source)
demo_tone_enabled: false
demo_tone_hz: 440.0     # Demo sine frequency
demo_tone_volume: 32768 # Demo stream volume (0-65536)

# Output
debug: false            # Enable debug logging
`
)

// Settings holds all application configuration.
type Settings struct {
	// Output device settings
	DeviceIndex int     `mapstructure:"device_index"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Channels    int     `mapstructure:"channels"`
	LatencyMs   int     `mapstructure:"latency_ms"`

	// Per-stream defaults
	CacheMs int `mapstructure:"cache_ms"`
	Volume  int `mapstructure:"volume"`

	// Demo tone stream
	DemoToneEnabled bool    `mapstructure:"demo_tone_enabled"`
	DemoToneHz      float64 `mapstructure:"demo_tone_hz"`
	DemoToneVolume  int     `mapstructure:"demo_tone_volume"`

	// Output
	Debug bool `mapstructure:"debug"`
}

// Init initializes Viper with defaults and config file.
// Config file search order: current directory, then ~/.config/mixengine/
func Init() error {
	viper.SetDefault("device_index", -1)
	viper.SetDefault("sample_rate", 48000)
	viper.SetDefault("channels", 2)
	viper.SetDefault("latency_ms", 20)
	viper.SetDefault("cache_ms", 200)
	viper.SetDefault("volume", 65536)
	viper.SetDefault("demo_tone_enabled", false)
	viper.SetDefault("demo_tone_hz", 440.0)
	viper.SetDefault("demo_tone_volume", 32768)
	viper.SetDefault("debug", false)

	viper.SetConfigType(ConfigType)

	// Priority order: current directory first, then XDG config
	viper.AddConfigPath(".")

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	viper.AddConfigPath(filepath.Join(configDir, AppName))

	// Try .config.yaml first (hidden file), then config.yaml
	viper.SetConfigName(".config")
	if err = viper.ReadInConfig(); err != nil {
		viper.SetConfigName("config")
		err = viper.ReadInConfig()
	}

	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			xdgConfigPath := filepath.Join(configDir, AppName)
			if err = ensureConfigExists(xdgConfigPath); err != nil {
				return err
			}
			if err = viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		} else {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}

func ensureConfigExists(configPath string) error {
	configFile := filepath.Join(configPath, "config.yaml")

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := os.MkdirAll(configPath, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err := os.WriteFile(configFile, []byte(DefaultConfig), 0644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	return nil
}

// Get returns the current settings.
func Get() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &s, nil
}

// Validate checks that all settings are within acceptable ranges.
func (s *Settings) Validate() error {
	var errs []error

	if s.SampleRate < 8000 || s.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %v", s.SampleRate))
	}
	if s.Channels < 1 || s.Channels > 8 {
		errs = append(errs, fmt.Errorf("channels must be between 1 and 8, got %d", s.Channels))
	}
	if s.LatencyMs < 1 || s.LatencyMs > 1000 {
		errs = append(errs, fmt.Errorf("latency_ms must be between 1 and 1000, got %d", s.LatencyMs))
	}
	if s.CacheMs < 1 || s.CacheMs > 10000 {
		errs = append(errs, fmt.Errorf("cache_ms must be between 1 and 10000, got %d", s.CacheMs))
	}
	if s.Volume < 0 || s.Volume > 65536 {
		errs = append(errs, fmt.Errorf("volume must be between 0 and 65536, got %d", s.Volume))
	}
	if s.DemoToneEnabled {
		if s.DemoToneHz < 20 || s.DemoToneHz > 20000 {
			errs = append(errs, fmt.Errorf("demo_tone_hz must be between 20 and 20000, got %v", s.DemoToneHz))
		}
		if s.DemoToneHz >= s.SampleRate/2 {
			errs = append(errs, fmt.Errorf("demo_tone_hz (%v Hz) must be less than Nyquist frequency (%v Hz)", s.DemoToneHz, s.SampleRate/2))
		}
		if s.DemoToneVolume < 0 || s.DemoToneVolume > 65536 {
			errs = append(errs, fmt.Errorf("demo_tone_volume must be between 0 and 65536, got %d", s.DemoToneVolume))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
