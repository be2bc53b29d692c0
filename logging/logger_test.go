package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"retailforecast/config"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.log")
	logger, _ := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1})

	logger.Info("model loaded")
	logger.Debug("suppressed")
	// Sync on stderr fails on some platforms; the file core is what matters here.
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "model loaded")
	assert.NotContains(t, string(data), "suppressed")
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serve.log")
	logger, _ := New(config.LogConfig{Level: "verbose", File: path, MaxSizeMB: 1})
	require.NotNil(t, logger)

	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))

	logger.Info("still serving")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "unknown log level, using info")
	assert.Contains(t, string(data), `"configured_level":"verbose"`)
	assert.Contains(t, string(data), "still serving")
}
