package logs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel(LogLevelTrace))
	assert.Equal(t, zap.DebugLevel, ParseLevel(LogLevelDebug))
	assert.Equal(t, zap.InfoLevel, ParseLevel(LogLevelInfo))
	assert.Equal(t, zap.WarnLevel, ParseLevel(LogLevelWarn))
	assert.Equal(t, zap.ErrorLevel, ParseLevel(LogLevelError))
	assert.Equal(t, zap.InfoLevel, ParseLevel("banana"))
}

func TestSetupLogger(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		logger, err := SetupLogger(&config.LogConfig{Level: "debug", EnableConsole: true})
		require.NoError(t, err)
		logger.Debug("hello")
		require.NoError(t, logger.Sync())
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		logger, err := SetupLogger(nil)
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("no outputs is an error", func(t *testing.T) {
		_, err := SetupLogger(&config.LogConfig{Level: "info"})
		require.Error(t, err)
	})

	t.Run("file output creates the log file", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := SetupLogger(&config.LogConfig{
			Level:      "info",
			EnableFile: true,
			Filename:   "main.log",
			LogDir:     dir,
			MaxSize:    1,
		})
		require.NoError(t, err)

		logger.Info("write something")
		_ = logger.Sync()

		_, statErr := os.Stat(filepath.Join(dir, "main.log"))
		assert.NoError(t, statErr)
	})
}

func TestCreateServerLogger(t *testing.T) {
	dir := t.TempDir()
	logger, err := CreateServerLogger(&config.LogConfig{Level: "debug", LogDir: dir, MaxSize: 1}, "github")
	require.NoError(t, err)

	logger.Info("session opened")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "server-github.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "session opened")
	assert.Contains(t, string(data), "github")
}
