package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn")

	log.Info("hidden")
	log.Warn("shown", "provider", "google")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "google", entry["provider"])
}

func TestParseLevel_DefaultsToInfo(t *testing.T) {
	assert.Equal(t, "INFO", parseLevel("bogus").String())
	assert.Equal(t, "DEBUG", parseLevel("DEBUG").String())
}
