package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chanarr/internal/config"
)

func TestLoggerRedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	type plexLibrary struct {
		Name  string
		Token string
	}
	logger.Info("resolved", "library", plexLibrary{Name: "movies", Token: "supersecret"})

	out := buf.String()
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "movies")
}

func TestLoggerRedactsURLCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("stream", "url", "http://plex:32400/file?X-Plex-Token=supersecret&size=1")

	out := buf.String()
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "[REDACTED]")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")

	// Runtime level change takes effect immediately.
	SetLogLevel("debug")
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger = WithChannel(WithComponent(logger, "supervisor"), "ch1", 5)
	logger.Info("playing item")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "supervisor", entry["component"])
	assert.Equal(t, "ch1", entry["channel_id"])
	assert.EqualValues(t, 5, entry["channel_number"])
	assert.Equal(t, "playing item", entry["msg"])
}
