package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/listd/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_FileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listd.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)

	Info("Message held", "list", "dev.example.org", "rules", []string{"emergency"})
	Debugf("sweep removed %d requests", 3)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"msg":"Message held"`)
	assert.Contains(t, out, `"list":"dev.example.org"`)
	assert.Contains(t, out, "sweep removed 3 requests")
}

func TestInitialize_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listd.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Level: "warn"})
	require.NoError(t, err)

	Info("hidden")
	Warn("shown")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "hidden"))
	assert.True(t, strings.Contains(string(data), "shown"))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestInitialize_BadFilePath(t *testing.T) {
	_, err := Initialize(config.LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}
