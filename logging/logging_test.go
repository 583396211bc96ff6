package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	raftLogger := Component(logger, "raft", "n1")
	raftLogger.Warn().Uint64("term", 3).Msg("stepping down")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "warn", event["level"])
	assert.Equal(t, "raft", event["component"])
	assert.Equal(t, "n1", event["node"])
	assert.Equal(t, float64(3), event["term"])
	assert.Equal(t, "stepping down", event["message"])
	assert.Contains(t, event, "time")
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Output: &buf})
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	apiLogger := Component(logger, "api", "")
	apiLogger.Info().Msg("listening")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "listening")
	assert.Contains(t, out, "component=")
	assert.NotContains(t, out, "node=")
}

func TestBadOptions(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
