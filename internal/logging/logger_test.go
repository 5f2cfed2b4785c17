package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc-server/internal/domain"
)

func TestNewLevelsAndFormats(t *testing.T) {
	logger, closer, err := New(domain.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logger, _, err = New(domain.LoggingConfig{Level: "nonsense"})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labqc.log")
	logger, closer, err := New(domain.LoggingConfig{Level: "info", Format: "json", Output: "file", Filename: path})
	require.NoError(t, err)

	logger.WithField("test_code", "GLU").Info("flagged")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "flagged", entry["message"])
	assert.Equal(t, "GLU", entry["test_code"])
}

func TestNewRejectsBadOutput(t *testing.T) {
	_, _, err := New(domain.LoggingConfig{Output: "file"})
	assert.Error(t, err)

	_, _, err = New(domain.LoggingConfig{Output: "syslog"})
	assert.Error(t, err)
}
