package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"Error", LevelError},
		{"bogus", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "text", LevelWarn)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")

	l.SetLevel("DEBUG")
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestWithSharesLevelAndAddsContext(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, "json", LevelInfo)
	child := parent.With("service", "Framework/Gateway")

	parent.SetLevel("ERROR")
	child.Info("suppressed")
	assert.Empty(t, buf.String())

	child.Error("boom")
	line := strings.TrimSpace(buf.String())

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "boom", record["msg"])
	assert.Equal(t, "Framework/Gateway", record["service"])
}

func TestOpenFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridrpc.log")

	l, closer, err := Open(Config{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)
	l.Info("written to file")
	require.NoError(t, closer.Close())
}

func TestNilLoggerUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(New(&buf, "text", LevelInfo))
	t.Cleanup(func() { SetDefault(prev) })

	var l *Logger
	l.Info("through default")
	assert.Contains(t, buf.String(), "through default")
}
