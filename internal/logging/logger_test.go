package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/backupindex/internal/config"
)

func testConfig(t *testing.T) config.LoggingConfig {
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = t.TempDir()
	cfg.ApplyDefaults()
	return cfg
}

func TestNew_FilesAndConsole(t *testing.T) {
	cfg := testConfig(t)
	console := &bytes.Buffer{}

	logger, err := New(cfg, console)
	require.NoError(t, err)

	logger.Info("Segment sealed", "entity", "e1")
	logger.Warn("Node unavailable", "node", "ma1")
	require.NoError(t, logger.Close())

	main, err := os.ReadFile(filepath.Join(cfg.Dir, mainLogName))
	require.NoError(t, err)
	assert.Contains(t, string(main), "Segment sealed")
	assert.Contains(t, string(main), "Node unavailable")

	errs, err := os.ReadFile(filepath.Join(cfg.Dir, errorLogName))
	require.NoError(t, err)
	assert.NotContains(t, string(errs), "Segment sealed")
	assert.Contains(t, string(errs), "Node unavailable")

	assert.Contains(t, console.String(), "entity=e1")
}

func TestNew_JSONFileFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Console.Enabled = false
	cfg.File.Format = "json"

	logger, err := New(cfg, nil)
	require.NoError(t, err)
	logger.Info("Checkpoint committed", "transaction", 7)
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(filepath.Join(cfg.Dir, mainLogName))
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"Checkpoint committed"`)
	assert.Contains(t, string(content), `"transaction":7`)
}

func TestNew_FileLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Console.Enabled = false
	cfg.File.Level = "warn"

	logger, err := New(cfg, nil)
	require.NoError(t, err)
	logger.Info("quiet")
	logger.Error("loud")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(filepath.Join(cfg.Dir, mainLogName))
	require.NoError(t, err)
	assert.NotContains(t, string(content), "quiet")
	assert.Contains(t, string(content), "loud")
}

func TestNew_NoOutputs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Console.Enabled = false
	cfg.File.Enabled = false

	logger, err := New(cfg, nil)
	require.NoError(t, err)
	logger.Info("dropped")
	assert.NoError(t, logger.Close())

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNew_RepeatWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.File.Enabled = false
	cfg.RepeatWindow = time.Hour
	console := &bytes.Buffer{}

	logger, err := New(cfg, console)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		logger.Info("Waiting for media agent", "node", "ma1")
	}
	assert.Equal(t, 1, bytes.Count(console.Bytes(), []byte("Waiting for media agent")))
}

func TestNew_BadDirectory(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.Dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Dir = filepath.Join(blocker, "logs")

	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "failed to create log directory")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warn").String())
	assert.Equal(t, "INFO", parseLevel("bogus").String())
}
