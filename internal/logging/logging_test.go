package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"extremis/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, config.LogConfig{Level: "info", Format: "json"}, true)
	log.Debug().Msg("hidden")
	log.Info().Str("session_id", "s1").Msg("started")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "started", entry["message"])
	assert.Equal(t, "s1", entry["session_id"])
	assert.Contains(t, entry, "time")
}

func TestAutoFormatFollowsTTY(t *testing.T) {
	var plain, tty bytes.Buffer
	plainLog := NewWriter(&plain, config.LogConfig{Format: "auto"}, false)
	plainLog.Info().Msg("hello")
	ttyLog := NewWriter(&tty, config.LogConfig{Format: "auto"}, true)
	ttyLog.Info().Msg("hello")

	assert.True(t, json.Valid(bytes.TrimSpace(plain.Bytes())))
	assert.False(t, json.Valid(bytes.TrimSpace(tty.Bytes())))
	assert.Contains(t, tty.String(), "hello")
}
