package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromString("DEBUG"))
	assert.Equal(t, slog.LevelWarn, levelFromString(" warning "))
	assert.Equal(t, slog.LevelError, levelFromString("error"))
	assert.Equal(t, slog.LevelInfo, levelFromString("bogus"))
}

func TestNewLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "info")
	l.Debug("hidden")
	l.Info("dispatched", "request_id", "r1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dispatched", line["msg"])
	assert.Equal(t, "r1", line["request_id"])
	assert.Contains(t, line, "source")
}
