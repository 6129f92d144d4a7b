package octohttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerStderrOnly(t *testing.T) {
	logger := newLogger(LogConfig{})
	require.NotNil(t, logger)
	assert.NotPanics(t, func() { logger.Info("hello") })
}

func TestNewLoggerWithFileRotation(t *testing.T) {
	dir := t.TempDir()
	logger := newLogger(LogConfig{File: dir + "/octohttp.log"})
	require.NotNil(t, logger)
	assert.NotPanics(t, func() {
		logger.Info("wrote to both sinks")
		_ = logger.Sync()
	})
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, 100, orDefault(0, 100))
	assert.Equal(t, 100, orDefault(-1, 100))
	assert.Equal(t, 42, orDefault(42, 100))
}
