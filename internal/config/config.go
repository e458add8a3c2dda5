// Package config holds the runtime settings read from the YAML config file.
// Model architecture parameters are not configured here; they come from the
// weight file itself.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Load    LoadConfig    `yaml:"load"`
	Engine  EngineConfig  `yaml:"engine"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig selects logger level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig controls model loading.
type LoadConfig struct {
	Workers int  `yaml:"workers"` // Bounded pool size for tensor and shard reads.
	Mmap    bool `yaml:"mmap"`
}

// EngineConfig controls the forward pass.
type EngineConfig struct {
	FlashTile     int  `yaml:"flash_tile"`    // KV tile size for tiled attention, 0 selects full softmax.
	QuantizedKV   bool `yaml:"quantized_kv"`  // Store the KV cache as int8 blocks.
	MaxPosition   int  `yaml:"max_position"`  // Overrides the model context length when > 0.
	ParallelGraph bool `yaml:"parallel_graph"` // Run independent nodes of equal depth concurrently.
	Fuse          bool `yaml:"fuse"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info", Format: "console"},
		Load: LoadConfig{Workers: runtime.NumCPU(), Mmap: true},
		Engine: EngineConfig{
			FlashTile: 64,
			Fuse:      true,
		},
	}
}

// LoadFile reads path over the defaults. A missing file is an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q (must be console or json)", c.Log.Format)
	}
	if c.Load.Workers <= 0 {
		return fmt.Errorf("invalid load.workers: %d (must be positive)", c.Load.Workers)
	}
	if c.Engine.FlashTile < 0 {
		return fmt.Errorf("invalid engine.flash_tile: %d (must be non-negative)", c.Engine.FlashTile)
	}
	if c.Engine.MaxPosition < 0 {
		return fmt.Errorf("invalid engine.max_position: %d (must be non-negative)", c.Engine.MaxPosition)
	}
	return nil
}
