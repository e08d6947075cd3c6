package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockServiceConfig struct {
	calls       []string
	baseDir     string
	validateErr error
}

func (m *mockServiceConfig) ApplyDefaults()     { m.calls = append(m.calls, "defaults") }
func (m *mockServiceConfig) ApplyEnvOverrides() { m.calls = append(m.calls, "env") }
func (m *mockServiceConfig) ResolvePaths(baseDir string) {
	m.calls = append(m.calls, "paths")
	m.baseDir = baseDir
}
func (m *mockServiceConfig) Validate() error {
	m.calls = append(m.calls, "validate")
	return m.validateErr
}

func TestApplyServiceConfigs_Order(t *testing.T) {
	a, b := &mockServiceConfig{}, &mockServiceConfig{}
	assert.NoError(t, ApplyServiceConfigs("/base", a, b))

	for _, m := range []*mockServiceConfig{a, b} {
		assert.Equal(t, []string{"defaults", "env", "paths", "validate"}, m.calls)
		assert.Equal(t, "/base", m.baseDir)
	}
}

func TestApplyServiceConfigs_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	a, b := &mockServiceConfig{validateErr: boom}, &mockServiceConfig{}

	assert.ErrorIs(t, ApplyServiceConfigs("/base", a, b), boom)
	assert.Empty(t, b.calls)
}
