package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "test.log")
	logger, err := NewLogger(&LogConfig{
		Level:      "debug",
		OutputPath: path,
		MaxSize:    1,
		MaxAge:     1,
		MaxBackups: 1,
	})
	require.NoError(t, err)

	logger.Info("started")
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"started"`)
	assert.Contains(t, string(content), `"level":"info"`)
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	logger, err := NewLogger(&LogConfig{Level: "warn", OutputPath: path})
	require.NoError(t, err)

	logger.Info("suppressed")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "suppressed")
	assert.Contains(t, string(content), "kept")
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := NewLogger(&LogConfig{Level: "loudest", OutputPath: filepath.Join(t.TempDir(), "x.log")})
	assert.Error(t, err)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.NotEmpty(t, cfg.OutputPath)
}
