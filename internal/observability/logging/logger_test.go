package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "empty defaults to info", input: "", expected: slog.LevelInfo},
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "upper case warn", input: "WARN", expected: slog.LevelWarn},
		{name: "warning alias", input: "warning", expected: slog.LevelWarn},
		{name: "error", input: " error ", expected: slog.LevelError},
		{name: "invalid defaults to info", input: "verbose", expected: slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestNew_JSONFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "")

	logger.Info("dropped")
	logger.Warn("kept", slog.String("feed_id", "feed-1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "feed-1", entry["feed_id"])
	assert.NotContains(t, entry, "source")
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "TEXT")

	logger.Info("hello", slog.Int("shard", 2))

	out := buf.String()
	assert.Contains(t, out, "msg=hello")
	assert.Contains(t, out, "shard=2")
}

func TestNew_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "json").Debug("trace me")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Contains(t, entry, "source")
}

func TestNewLogger_ReadsEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "json")

	logger := NewLogger()

	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(New(&buf, "", ""), "delivery").Info("sent")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "delivery", entry["component"])

	assert.NotNil(t, Component(nil, "x"))
}
