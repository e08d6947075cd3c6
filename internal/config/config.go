// Package config loads the index server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/syntrixbase/backupindex/internal/chunk"
	"github.com/syntrixbase/backupindex/internal/engine"
	"github.com/syntrixbase/backupindex/internal/index/checkpoint"
	"github.com/syntrixbase/backupindex/internal/index/livelog"
	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/server"
	"github.com/syntrixbase/backupindex/internal/synthfull"
)

// Config holds the application configuration
type Config struct {
	Server     server.Config    `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Index      IndexConfig      `yaml:"index"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Payload    PayloadConfig    `yaml:"payload"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Chunk      ChunkConfig      `yaml:"chunk"`
	SynthFull  SynthFullConfig  `yaml:"synthfull"`
	Events     EventsConfig     `yaml:"events"`
}

// Default returns the configuration used before any file is read.
func Default() *Config {
	return &Config{
		Server:     server.DefaultConfig(),
		Logging:    DefaultLoggingConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		SynthFull:  DefaultSynthFullConfig(),
	}
}

// LoadConfig loads configuration from configDir.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults ->
// ApplyEnvOverrides -> ResolvePaths -> Validate. Relative paths resolve
// against the parent of configDir so data/ and logs/ sit next to it.
func LoadConfig(configDir string) (*Config, error) {
	cfg := Default()

	for _, name := range []string{"config.yml", "config.local.yml"} {
		if err := loadFile(filepath.Join(configDir, name), cfg); err != nil {
			return nil, err
		}
	}

	baseDir := filepath.Dir(filepath.Clean(configDir))
	if err := ApplyServiceConfigs(baseDir,
		&cfg.Server,
		&cfg.Logging,
		&cfg.Index,
		&cfg.Checkpoint,
		&cfg.Payload,
		&cfg.Catalog,
		&cfg.Chunk,
		&cfg.SynthFull,
		&cfg.Events,
	); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// loadFile merges a YAML file into cfg. A missing file is skipped.
func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}

// LiveLogDir is where sealed segments are cached locally.
func (c *Config) LiveLogDir() string {
	if c.Index.Backend == BackendMemory {
		return ""
	}
	return filepath.Join(c.Index.DataDir, "livelogs")
}

// IndexDir is where pebble index stores live.
func (c *Config) IndexDir() string {
	return filepath.Join(c.Index.DataDir, "index")
}

// NodeURLs returns the media agent health endpoints keyed by node.
func (c *Config) NodeURLs() map[types.NodeID]string {
	out := make(map[types.NodeID]string, len(c.Chunk.Nodes))
	for node, url := range c.Chunk.Nodes {
		out[types.NodeID(node)] = url
	}
	return out
}

// EngineConfig maps the loaded sections onto the engine configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		IndexServer: c.Index.Server,
		LiveLog: livelog.Config{
			Dir:            c.LiveLogDir(),
			LockWait:       c.Index.LockWait,
			MaxOpenRecords: c.Index.MaxOpenRecords,
		},
		Checkpoint: checkpoint.Config{
			Retention: checkpoint.RetentionPolicy{
				Checkpoints: c.Checkpoint.RetainCheckpoints,
				MaxAge:      c.Checkpoint.RetainMaxAge,
			},
			PutAttempts: c.Checkpoint.PutAttempts,
			PutBackoff:  c.Checkpoint.PutBackoff,
		},
		Policy: checkpoint.Policy{
			Interval:   c.Checkpoint.Interval,
			EventCount: c.Checkpoint.EventCount,
			OnShutdown: c.Checkpoint.OnShutdown,
		},
		TickInterval: c.Checkpoint.TickInterval,
		Locator: chunk.Config{
			HealthTTL: c.Chunk.HealthTTL,
			CacheSize: c.Chunk.CacheSize,
		},
		SynthFull: synthfull.Config{
			Streams: c.SynthFull.Streams,
			Retry: synthfull.RetryPolicy{
				Interval:    c.SynthFull.RetryInterval,
				MaxInterval: c.SynthFull.MaxRetryInterval,
				Multiplier:  c.SynthFull.RetryMultiplier,
				MaxAttempts: c.SynthFull.MaxAttempts,
			},
		},
	}
}
