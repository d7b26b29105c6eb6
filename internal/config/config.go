// Package config loads collect's configuration. Values start at Default,
// are overlaid by an optional TOML file, then by environment variables.
// Command-line flags are applied last by the command itself.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/xDarkicex/collect"
	"github.com/xDarkicex/collect/internal/logging"
)

// FileEnv names the environment variable holding the config file path.
const FileEnv = "COLLECT_CONFIG"

// Config holds all application configuration.
type Config struct {
	Collect CollectConfig `toml:"collect"`
	Logging LogConfig     `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// CollectConfig holds buffering configuration.
type CollectConfig struct {
	Mode               string `envconfig:"COLLECT_MODE" toml:"mode"`
	PagesPerBuffer     int    `envconfig:"COLLECT_PAGES_PER_BUFFER" toml:"pages_per_buffer"`
	InitialBufferBytes int    `envconfig:"COLLECT_INITIAL_BUFFER_BYTES" toml:"initial_buffer_bytes"`
	MaxBufferBytes     int    `envconfig:"COLLECT_MAX_BUFFER_BYTES" toml:"max_buffer_bytes"`
	HugePageSize       int    `envconfig:"COLLECT_HUGEPAGE_SIZE" toml:"hugepage_size"`
	AcceptShortInput   bool   `envconfig:"COLLECT_ACCEPT_SHORT_INPUT" toml:"accept_short_input"`
	MaxHeapBytes       int    `envconfig:"COLLECT_MAX_HEAP_BYTES" toml:"max_heap_bytes"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	File string `envconfig:"COLLECT_METRICS_FILE" toml:"file"`
}

// Default returns default configuration.
func Default() *Config {
	unsized := collect.DefaultUnsizedConfig()
	return &Config{
		Collect: CollectConfig{
			Mode:               collect.ModeAuto.String(),
			PagesPerBuffer:     collect.DefaultPagesPerBuffer,
			InitialBufferBytes: unsized.InitialBufferBytes,
			MaxBufferBytes:     unsized.MaxBufferBytes,
		},
		Logging: LogConfig{
			Level:       logging.DefaultConfig().Level,
			Development: false,
		},
	}
}

// Load builds configuration from defaults, the file at path (or at
// $COLLECT_CONFIG when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the TOML file at path onto c. Keys absent from the
// file keep their current values; unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config file %s: %s", path, strict.String())
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// Validate reports the first unusable value.
func (c *Config) Validate() error {
	if _, err := collect.ParseMode(c.Collect.Mode); err != nil {
		return err
	}
	if c.Collect.PagesPerBuffer <= 0 {
		return fmt.Errorf("pages per buffer must be positive, got %d", c.Collect.PagesPerBuffer)
	}
	if c.Collect.InitialBufferBytes <= 0 {
		return fmt.Errorf("initial buffer bytes must be positive, got %d", c.Collect.InitialBufferBytes)
	}
	if c.Collect.MaxBufferBytes < 0 {
		return fmt.Errorf("max buffer bytes must not be negative, got %d", c.Collect.MaxBufferBytes)
	}
	if c.Collect.MaxBufferBytes != 0 && c.Collect.MaxBufferBytes < c.Collect.InitialBufferBytes {
		return fmt.Errorf("max buffer bytes %d is below initial buffer bytes %d",
			c.Collect.MaxBufferBytes, c.Collect.InitialBufferBytes)
	}
	if c.Collect.HugePageSize < 0 {
		return fmt.Errorf("huge page size must not be negative, got %d", c.Collect.HugePageSize)
	}
	if c.Collect.MaxHeapBytes < 0 {
		return fmt.Errorf("max heap bytes must not be negative, got %d", c.Collect.MaxHeapBytes)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// Options converts c into collector options logging to logger.
func (c *Config) Options(logger *zap.Logger) (collect.Options, error) {
	if err := c.Validate(); err != nil {
		return collect.Options{}, err
	}
	mode, _ := collect.ParseMode(c.Collect.Mode)
	policy := collect.ShortInputFail
	if c.Collect.AcceptShortInput {
		policy = collect.ShortInputAccept
	}
	return collect.Options{
		Mode:  mode,
		Sized: collect.SizedConfig{PagesPerBuffer: c.Collect.PagesPerBuffer},
		Unsized: collect.UnsizedConfig{
			InitialBufferBytes: c.Collect.InitialBufferBytes,
			MaxBufferBytes:     c.Collect.MaxBufferBytes,
		},
		HugePageSize: c.Collect.HugePageSize,
		ShortInput:   policy,
		MaxHeapBytes: c.Collect.MaxHeapBytes,
		Logger:       logger,
	}, nil
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:       c.Logging.Level,
		Development: c.Logging.Development,
	}
}
