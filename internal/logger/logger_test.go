package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Cache", "hidden %d", 1)
	l.Warn("Cache", "shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] [Cache] shown 2")
}

func TestSilentSuppressesErrors(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("X", "boom")
	assert.Empty(t, buf.String())
}

func TestColorModeForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, resolveColor(&buf, ColorAuto))
	assert.True(t, resolveColor(&buf, ColorAlways))

	mode, err := ParseColorMode("never")
	require.NoError(t, err)
	assert.Equal(t, ColorNever, mode)
}

func TestGlobalInitReplacesLogger(t *testing.T) {
	var first, second bytes.Buffer
	Init(INFO, &first, ColorNever)
	Info("Main", "one")
	Init(INFO, &second, ColorNever)
	Info("Main", "two")

	assert.Contains(t, first.String(), "one")
	assert.NotContains(t, first.String(), "two")
	assert.Contains(t, second.String(), "two")
}
