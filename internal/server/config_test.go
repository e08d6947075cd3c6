package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8090, cfg.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.HTTPReadTimeout)
	assert.Equal(t, 6*time.Minute, cfg.HTTPWriteTimeout)
	assert.Equal(t, 60*time.Second, cfg.HTTPIdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.EnableCORS)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name    string
		initial Config
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "empty config gets all defaults",
			initial: Config{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultConfig(), *cfg)
			},
		},
		{
			name: "explicit values are kept",
			initial: Config{
				Host:            "0.0.0.0",
				HTTPPort:        9999,
				ShutdownTimeout: time.Second,
				AllowedMethods:  []string{"GET"},
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "0.0.0.0", cfg.Host)
				assert.Equal(t, 9999, cfg.HTTPPort)
				assert.Equal(t, time.Second, cfg.ShutdownTimeout)
				assert.Equal(t, []string{"GET"}, cfg.AllowedMethods)
				assert.Equal(t, 6*time.Minute, cfg.HTTPWriteTimeout)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.initial
			cfg.ApplyDefaults()
			tt.check(t, &cfg)
		})
	}
}

func TestConfig_ApplyEnvOverrides(t *testing.T) {
	t.Setenv("BACKUPINDEX_HOST", "0.0.0.0")
	t.Setenv("BACKUPINDEX_HTTP_PORT", "7070")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 7070, cfg.HTTPPort)

	t.Setenv("BACKUPINDEX_HTTP_PORT", "not-a-port")
	cfg.ApplyEnvOverrides()
	assert.Equal(t, 7070, cfg.HTTPPort)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.HTTPPort = 70000
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxInFlight = -1
	assert.Error(t, cfg.Validate())
}
