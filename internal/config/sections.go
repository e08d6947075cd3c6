package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendBolt   = "bolt"
	BackendMongo  = "mongo"
)

// IndexConfig configures Index Stores and live logs.
type IndexConfig struct {
	// Server names this index server in the catalog.
	Server  string `yaml:"server"`
	Backend string `yaml:"backend"` // pebble or memory
	// DataDir holds index/<entity>/ stores and livelogs/<entity>/ segments.
	DataDir string `yaml:"data_dir"`
	// LockWait bounds how long appends wait behind a checkpoint snapshot.
	LockWait time.Duration `yaml:"lock_wait"`
	// MaxOpenRecords caps unsealed records per entity. Zero is unlimited.
	MaxOpenRecords int `yaml:"max_open_records"`
}

func (c *IndexConfig) ApplyDefaults() {
	if c.Server == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server = host
		} else {
			c.Server = "index-server"
		}
	}
	if c.Backend == "" {
		c.Backend = BackendPebble
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LockWait == 0 {
		c.LockWait = 5 * time.Second
	}
}

func (c *IndexConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BACKUPINDEX_INDEX_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("BACKUPINDEX_INDEX_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("BACKUPINDEX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

func (c *IndexConfig) ResolvePaths(baseDir string) {
	c.DataDir = resolve(baseDir, c.DataDir)
}

func (c *IndexConfig) Validate() error {
	switch c.Backend {
	case BackendPebble, BackendMemory:
	default:
		return fmt.Errorf("index.backend %q must be pebble or memory", c.Backend)
	}
	if c.LockWait <= 0 {
		return errors.New("index.lock_wait must be positive")
	}
	if c.MaxOpenRecords < 0 {
		return errors.New("index.max_open_records must not be negative")
	}
	return nil
}

// CheckpointConfig configures automatic checkpoints and durable stores.
type CheckpointConfig struct {
	Interval   time.Duration `yaml:"interval"`
	EventCount int           `yaml:"event_count"`
	OnShutdown bool          `yaml:"on_shutdown"`
	// TickInterval is how often the checkpoint policy is evaluated.
	TickInterval time.Duration `yaml:"tick_interval"`

	PutAttempts int           `yaml:"put_attempts"`
	PutBackoff  time.Duration `yaml:"put_backoff"`

	// Retention bounds how long deleted items stay browsable. Both zero
	// keeps tombstones forever.
	RetainCheckpoints int           `yaml:"retain_checkpoints"`
	RetainMaxAge      time.Duration `yaml:"retain_max_age"`
}

// DefaultCheckpointConfig returns the defaults LoadConfig starts from.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Interval:     10 * time.Minute,
		EventCount:   100000,
		OnShutdown:   true,
		TickInterval: 30 * time.Second,
		PutAttempts:  3,
		PutBackoff:   500 * time.Millisecond,
	}
}

func (c *CheckpointConfig) ApplyDefaults() {
	d := DefaultCheckpointConfig()
	if c.TickInterval == 0 {
		c.TickInterval = d.TickInterval
	}
	if c.PutAttempts == 0 {
		c.PutAttempts = d.PutAttempts
	}
	if c.PutBackoff == 0 {
		c.PutBackoff = d.PutBackoff
	}
}

func (c *CheckpointConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BACKUPINDEX_CHECKPOINT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Interval = d
		}
	}
	if v := os.Getenv("BACKUPINDEX_CHECKPOINT_EVENT_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EventCount = n
		}
	}
}

func (c *CheckpointConfig) ResolvePaths(string) {}

func (c *CheckpointConfig) Validate() error {
	if c.Interval < 0 || c.EventCount < 0 {
		return errors.New("checkpoint.interval and checkpoint.event_count must not be negative")
	}
	if c.TickInterval <= 0 {
		return errors.New("checkpoint.tick_interval must be positive")
	}
	if c.PutAttempts < 1 {
		return errors.New("checkpoint.put_attempts must be at least 1")
	}
	if c.RetainCheckpoints < 0 || c.RetainMaxAge < 0 {
		return errors.New("checkpoint retention must not be negative")
	}
	return nil
}

// PayloadConfig configures the durable artifact store.
type PayloadConfig struct {
	Backend string `yaml:"backend"` // bolt or memory
	Path    string `yaml:"path"`
}

func (c *PayloadConfig) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendBolt
	}
	if c.Path == "" {
		c.Path = "data/payloads.db"
	}
}

func (c *PayloadConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BACKUPINDEX_PAYLOAD_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("BACKUPINDEX_PAYLOAD_PATH"); v != "" {
		c.Path = v
	}
}

func (c *PayloadConfig) ResolvePaths(baseDir string) {
	c.Path = resolve(baseDir, c.Path)
}

func (c *PayloadConfig) Validate() error {
	switch c.Backend {
	case BackendBolt, BackendMemory:
		return nil
	default:
		return fmt.Errorf("payload.backend %q must be bolt or memory", c.Backend)
	}
}

// CatalogConfig configures the catalog of entities, jobs, chunks,
// checkpoints and segments.
type CatalogConfig struct {
	Backend  string `yaml:"backend"` // mongo or memory
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

func (c *CatalogConfig) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMongo
	}
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.Database == "" {
		c.Database = "backupindex"
	}
}

func (c *CatalogConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BACKUPINDEX_CATALOG_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("BACKUPINDEX_MONGO_URI"); v != "" {
		c.URI = v
	}
	if v := os.Getenv("BACKUPINDEX_MONGO_DATABASE"); v != "" {
		c.Database = v
	}
}

func (c *CatalogConfig) ResolvePaths(string) {}

func (c *CatalogConfig) Validate() error {
	switch c.Backend {
	case BackendMongo:
		if c.URI == "" || c.Database == "" {
			return errors.New("catalog.uri and catalog.database are required for mongo")
		}
		return nil
	case BackendMemory:
		return nil
	default:
		return fmt.Errorf("catalog.backend %q must be mongo or memory", c.Backend)
	}
}

// ChunkConfig configures chunk location and staging.
type ChunkConfig struct {
	// Root holds <node>/<volume>/<chunk> files for every media agent.
	Root string `yaml:"root"`
	// StageDir receives chunks copied for synthetic fulls.
	StageDir string `yaml:"stage_dir"`
	// Nodes maps media agent IDs to their health endpoint base URLs.
	Nodes        map[string]string `yaml:"nodes"`
	ProbeTimeout time.Duration     `yaml:"probe_timeout"`
	HealthTTL    time.Duration     `yaml:"health_ttl"`
	CacheSize    int               `yaml:"cache_size"`
}

func (c *ChunkConfig) ApplyDefaults() {
	if c.Root == "" {
		c.Root = "data/chunks"
	}
	if c.StageDir == "" {
		c.StageDir = "data/staging"
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.HealthTTL == 0 {
		c.HealthTTL = 15 * time.Second
	}
	if c.CacheSize == 0 {
		c.CacheSize = 1024
	}
}

func (c *ChunkConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BACKUPINDEX_CHUNK_ROOT"); v != "" {
		c.Root = v
	}
}

func (c *ChunkConfig) ResolvePaths(baseDir string) {
	c.Root = resolve(baseDir, c.Root)
	c.StageDir = resolve(baseDir, c.StageDir)
}

func (c *ChunkConfig) Validate() error {
	if c.Root == c.StageDir {
		return errors.New("chunk.stage_dir must differ from chunk.root")
	}
	for node, url := range c.Nodes {
		if node == "" || url == "" {
			return fmt.Errorf("chunk.nodes entry %q has no URL", node)
		}
	}
	if c.ProbeTimeout <= 0 || c.CacheSize <= 0 {
		return errors.New("chunk.probe_timeout and chunk.cache_size must be positive")
	}
	return nil
}

// SynthFullConfig configures the synthetic-full orchestrator.
type SynthFullConfig struct {
	Streams          int           `yaml:"streams"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
	RetryMultiplier  float64       `yaml:"retry_multiplier"`
	// MaxAttempts is how many blocked availability checks are tolerated
	// before the job fails. Zero retries until killed.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultSynthFullConfig returns the defaults LoadConfig starts from.
func DefaultSynthFullConfig() SynthFullConfig {
	return SynthFullConfig{
		Streams:          2,
		RetryInterval:    30 * time.Second,
		MaxRetryInterval: 10 * time.Minute,
		RetryMultiplier:  2,
		MaxAttempts:      60,
	}
}

func (c *SynthFullConfig) ApplyDefaults() {
	d := DefaultSynthFullConfig()
	if c.Streams == 0 {
		c.Streams = d.Streams
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.MaxRetryInterval == 0 {
		c.MaxRetryInterval = d.MaxRetryInterval
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = d.RetryMultiplier
	}
}

func (c *SynthFullConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BACKUPINDEX_SYNTHFULL_STREAMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Streams = n
		}
	}
}

func (c *SynthFullConfig) ResolvePaths(string) {}

func (c *SynthFullConfig) Validate() error {
	if c.Streams < 1 {
		return errors.New("synthfull.streams must be at least 1")
	}
	if c.RetryInterval <= 0 || c.MaxRetryInterval < c.RetryInterval {
		return errors.New("synthfull.max_retry_interval must be at least synthfull.retry_interval")
	}
	if c.RetryMultiplier < 1 {
		return errors.New("synthfull.retry_multiplier must be at least 1")
	}
	if c.MaxAttempts < 0 {
		return errors.New("synthfull.max_attempts must not be negative")
	}
	return nil
}

// EventsConfig configures the job event stream. An empty NATSURL disables
// publishing.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Stream  string `yaml:"stream"`
}

func (c *EventsConfig) ApplyDefaults() {
	if c.Stream == "" {
		c.Stream = "BACKUPINDEX"
	}
}

func (c *EventsConfig) ApplyEnvOverrides() {
	if v := os.Getenv("BACKUPINDEX_NATS_URL"); v != "" {
		c.NATSURL = v
	}
}

func (c *EventsConfig) ResolvePaths(string) {}

func (c *EventsConfig) Validate() error {
	if c.Stream == "" {
		return errors.New("events.stream is required")
	}
	return nil
}
