// Package config handles Shuttle configuration loading. Settings come from
// a YAML file overlaid with SHUTTLE_* environment variables; every knob has
// a working default so the daemon runs with no config file at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/frame"
	"github.com/r3d91ll/shuttle/pkg/wire"
)

// Duration wraps time.Duration so YAML and environment values can use the
// human form ("3s", "500ms").
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText lets the env overlay parse durations too.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	History   HistoryConfig   `yaml:"history"`
	Transport TransportConfig `yaml:"transport"`
	Process   ProcessConfig   `yaml:"process"`
	Playback  PlaybackConfig  `yaml:"playback"`
}

// ServerConfig holds the HTTP/websocket listener settings.
type ServerConfig struct {
	Host        string   `yaml:"host" env:"SHUTTLE_HOST"`
	Port        int      `yaml:"port" env:"SHUTTLE_PORT"`
	CORSOrigins []string `yaml:"cors_origins" env:"SHUTTLE_CORS_ORIGINS"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HistoryConfig bounds the history store.
type HistoryConfig struct {
	// Capacity is the maximum resident record count.
	Capacity int `yaml:"capacity" env:"SHUTTLE_HISTORY_CAPACITY"`

	// MaxBytes optionally bounds resident bytes as well; 0 disables it.
	MaxBytes int `yaml:"max_bytes" env:"SHUTTLE_HISTORY_MAX_BYTES"`
}

// TransportConfig tunes chunking and flow control.
type TransportConfig struct {
	ChunkSize  int      `yaml:"chunk_size" env:"SHUTTLE_CHUNK_SIZE"`
	Window     int      `yaml:"window" env:"SHUTTLE_WINDOW"`
	AckTimeout Duration `yaml:"ack_timeout" env:"SHUTTLE_ACK_TIMEOUT"`
	MaxRetries int      `yaml:"max_retries" env:"SHUTTLE_MAX_RETRIES"`
}

// ProcessConfig selects the session-default normalization.
type ProcessConfig struct {
	Transform string  `yaml:"transform" env:"SHUTTLE_TRANSFORM"`
	PLow      float64 `yaml:"p_low" env:"SHUTTLE_P_LOW"`
	PHigh     float64 `yaml:"p_high" env:"SHUTTLE_P_HIGH"`
}

// PlaybackConfig paces replay.
type PlaybackConfig struct {
	// BaseInterval is the wait between steps at speed 1.0.
	BaseInterval Duration `yaml:"base_interval" env:"SHUTTLE_BASE_INTERVAL"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8765,
			CORSOrigins: []string{"*"},
		},
		History: HistoryConfig{
			Capacity: 512,
			MaxBytes: 0,
		},
		Transport: TransportConfig{
			ChunkSize:  wire.DefaultChunkSize,
			Window:     1,
			AckTimeout: Duration(3 * time.Second),
			MaxRetries: 5,
		},
		Process: ProcessConfig{
			Transform: string(frame.TransformPercentile),
			PLow:      2,
			PHigh:     98,
		},
		Playback: PlaybackConfig{
			BaseInterval: Duration(500 * time.Millisecond),
		},
	}
}

// Load loads configuration from a file, applies the environment overlay,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigNotFound, errors.CategoryConfig,
			fmt.Sprintf("failed to read config: %s", path))
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParseFailed, errors.CategoryConfig,
			fmt.Sprintf("failed to parse config: %s", path))
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the environment-overlaid
// default if the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays SHUTTLE_* environment variables onto cfg.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return errors.Wrap(err, errors.ErrConfigParseFailed, errors.CategoryConfig,
			"failed to parse environment overrides")
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.ConfigError(errors.ErrConfigInvalid,
			fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.History.Capacity <= 0 {
		return errors.ConfigError(errors.ErrConfigInvalid, "history.capacity must be positive")
	}
	if c.History.MaxBytes < 0 {
		return errors.ConfigError(errors.ErrConfigInvalid, "history.max_bytes must not be negative")
	}
	if c.Transport.ChunkSize <= 0 {
		return errors.ConfigError(errors.ErrConfigInvalid, "transport.chunk_size must be positive")
	}
	if c.Transport.Window <= 0 {
		return errors.ConfigError(errors.ErrConfigInvalid, "transport.window must be positive")
	}
	if c.Transport.AckTimeout <= 0 {
		return errors.ConfigError(errors.ErrConfigInvalid, "transport.ack_timeout must be positive")
	}
	if c.Transport.MaxRetries <= 0 {
		return errors.ConfigError(errors.ErrConfigInvalid, "transport.max_retries must be positive")
	}
	if !frame.Transform(c.Process.Transform).Valid() {
		return errors.ConfigError(errors.ErrConfigInvalid,
			fmt.Sprintf("process.transform %q is not a known transform", c.Process.Transform))
	}
	if c.Process.PLow < 0 || c.Process.PHigh > 100 || c.Process.PLow >= c.Process.PHigh {
		return errors.ConfigError(errors.ErrConfigInvalid,
			fmt.Sprintf("process percentiles [%g, %g] invalid", c.Process.PLow, c.Process.PHigh))
	}
	if c.Playback.BaseInterval <= 0 {
		return errors.ConfigError(errors.ErrConfigInvalid, "playback.base_interval must be positive")
	}
	return nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	if _, err := os.Stat("shuttle.yaml"); err == nil {
		return "shuttle.yaml"
	}
	if _, err := os.Stat("config/shuttle.yaml"); err == nil {
		return "config/shuttle.yaml"
	}
	return "shuttle.yaml"
}

// InitConfig creates a default config file if it doesn't exist.
func InitConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil // Already exists
	}

	cfg := Default()
	return cfg.Save(path)
}
