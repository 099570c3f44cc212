package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtesync/internal/platform/config"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := newWithWriter(&buf, config.Log{Level: "warn", Format: "json"})
	log.Info("dropped")
	log.Warn("kept", "document_id", "A1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "A1", line["document_id"])
	assert.Equal(t, "dtesync", line["service"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	newWithWriter(&buf, config.Log{Level: "debug", Format: "text"}).Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelError, parseLevel("ERROR"))
}
