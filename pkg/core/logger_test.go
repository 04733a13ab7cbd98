package core

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.With("namespace", "docs").Info("entry promoted", "version", 3, "dangling")
	out := buf.String()
	assert.Contains(t, out, `msg="entry promoted"`)
	assert.Contains(t, out, "namespace=docs")
	assert.Contains(t, out, "version=3")
	assert.Contains(t, out, "!BADKEY=dangling")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"trace":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"fatal":   LevelError,
	}
	for name, want := range tests {
		got, err := ParseLogLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestNewLogrusLoggerKeepsHooks(t *testing.T) {
	base := logrus.New()
	var buf bytes.Buffer
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	NewLogrusLogger(base).Warn("careful", "entry", "e1")
	assert.Contains(t, buf.String(), `"entry":"e1"`)
	assert.Contains(t, buf.String(), `"level":"warning"`)
}
