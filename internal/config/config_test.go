package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadConfig_Defaults(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(configDir, 0o755))

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.HTTPPort)
	assert.Equal(t, BackendPebble, cfg.Index.Backend)
	assert.Equal(t, filepath.Join(root, "data"), cfg.Index.DataDir)
	assert.Equal(t, filepath.Join(root, "logs"), cfg.Logging.Dir)
	assert.Equal(t, filepath.Join(root, "data", "payloads.db"), cfg.Payload.Path)
	assert.Equal(t, BackendMongo, cfg.Catalog.Backend)
	assert.Equal(t, "backupindex", cfg.Catalog.Database)
	assert.True(t, cfg.Checkpoint.OnShutdown)
	assert.True(t, cfg.Logging.Rotation.Compress)
	assert.Equal(t, 2, cfg.SynthFull.Streams)
	assert.Equal(t, "BACKUPINDEX", cfg.Events.Stream)
	assert.Empty(t, cfg.Events.NATSURL)
}

func TestLoadConfig_FilesAndEnv(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "config")
	require.NoError(t, os.Mkdir(configDir, 0o755))

	writeConfig(t, configDir, "config.yml", `
server:
  http_port: 9100
index:
  backend: memory
  lock_wait: 2s
checkpoint:
  interval: 1m
  on_shutdown: false
  retain_checkpoints: 3
chunk:
  root: /srv/chunks
  nodes:
    ma1: http://ma1:8080
synthfull:
  streams: 4
  retry_interval: 10s
  max_retry_interval: 1m
`)
	writeConfig(t, configDir, "config.local.yml", `
server:
  http_port: 9200
catalog:
  backend: memory
`)
	t.Setenv("BACKUPINDEX_NATS_URL", "nats://nats:4222")
	t.Setenv("BACKUPINDEX_SYNTHFULL_STREAMS", "3")

	cfg, err := LoadConfig(configDir)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.HTTPPort)
	assert.Equal(t, BackendMemory, cfg.Index.Backend)
	assert.Equal(t, BackendMemory, cfg.Catalog.Backend)
	assert.Equal(t, 2*time.Second, cfg.Index.LockWait)
	assert.False(t, cfg.Checkpoint.OnShutdown)
	assert.Equal(t, "/srv/chunks", cfg.Chunk.Root)
	assert.Equal(t, filepath.Join(root, "data", "staging"), cfg.Chunk.StageDir)
	assert.Equal(t, map[types.NodeID]string{"ma1": "http://ma1:8080"}, cfg.NodeURLs())
	assert.Equal(t, "nats://nats:4222", cfg.Events.NATSURL)
	assert.Equal(t, 3, cfg.SynthFull.Streams)

	ec := cfg.EngineConfig()
	assert.Empty(t, ec.LiveLog.Dir, "memory backend keeps live logs in memory")
	assert.Equal(t, time.Minute, ec.Policy.Interval)
	assert.False(t, ec.Policy.OnShutdown)
	assert.Equal(t, 3, ec.Checkpoint.Retention.Checkpoints)
	assert.Equal(t, 3, ec.SynthFull.Streams)
	assert.Equal(t, 10*time.Second, ec.SynthFull.Retry.Interval)
	assert.Equal(t, time.Minute, ec.SynthFull.Retry.MaxInterval)
	assert.Equal(t, 60, ec.SynthFull.Retry.MaxAttempts)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "index: [valid"},
		{"unknown backend", "index:\n  backend: sqlite\n"},
		{"bad retry window", "synthfull:\n  retry_interval: 1m\n  max_retry_interval: 1s\n"},
		{"bad log level", "logging:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configDir := filepath.Join(t.TempDir(), "config")
			require.NoError(t, os.Mkdir(configDir, 0o755))
			writeConfig(t, configDir, "config.yml", tt.body)

			_, err := LoadConfig(configDir)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_UnreadableFile(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.MkdirAll(filepath.Join(configDir, "config.yml"), 0o755))

	_, err := LoadConfig(configDir)
	assert.ErrorContains(t, err, "failed to read")
}

func TestSectionValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServiceConfig
	}{
		{"payload backend", &PayloadConfig{Backend: "s3"}},
		{"catalog backend", &CatalogConfig{Backend: "postgres"}},
		{"chunk stage equals root", &ChunkConfig{Root: "/x", StageDir: "/x", ProbeTimeout: time.Second, CacheSize: 1}},
		{"chunk node without url", &ChunkConfig{Root: "/x", StageDir: "/y", Nodes: map[string]string{"ma1": ""}, ProbeTimeout: time.Second, CacheSize: 1}},
		{"checkpoint attempts", &CheckpointConfig{TickInterval: time.Second}},
		{"events stream", &EventsConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}
