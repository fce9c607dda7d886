package monitoring

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	// nil installs a no-op
	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called, "no-op logger should not have triggered callback")
}

func TestLogf_Default(t *testing.T) {
	require.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}

func TestUseZap(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var buf bytes.Buffer
	logger := NewZapLogger(&buf, "3f1c", false)
	UseZap(logger)

	Logf("released %d buffers", 4)
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "released 4 buffers", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "3f1c", entry["session"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewZapLoggerDebugLevel(t *testing.T) {
	t.Parallel()

	var quiet, verbose bytes.Buffer
	NewZapLogger(&quiet, "a", false).Debug("hidden")
	NewZapLogger(&verbose, "b", true).Debug("shown")

	assert.Empty(t, quiet.String())
	assert.Contains(t, verbose.String(), "shown")
}

func TestNewZapLoggerEncoding(t *testing.T) {
	t.Parallel()

	var prod, dev bytes.Buffer
	NewZapLogger(&prod, "a", false).Info("ready")
	NewZapLogger(&dev, "b", true).Info("ready")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(prod.Bytes(), &entry), "production output should be JSON")
	assert.Equal(t, "ready", entry["message"])

	line := dev.String()
	assert.False(t, json.Valid(dev.Bytes()), "debug output should be console lines: %q", line)
	assert.Contains(t, line, "\tINFO\t")
	assert.Contains(t, line, "\tready\t")
	assert.Contains(t, line, `{"session": "b"}`)
}
