package logx

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskPhone(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "*******4567", MaskPhone("+1 (555) 123-4567"))
	assert.Equal(t, "***", MaskPhone("123"))
	assert.Equal(t, "", MaskPhone("abc"))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning", zerolog.InfoLevel))
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("panic", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud", zerolog.InfoLevel))
}

func TestLoggerFieldsAndCaller(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := Logger{base: &zl}.With(String("comp", "test"))
	child := l.With(Phone("phone", "+15550001234"))
	l.Info("parent")
	child.Warn("child", Int("n", 2))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.NotContains(t, string(lines[0]), "phone")
	assert.Contains(t, string(lines[0]), `"caller":"logger_test.go:`)
	assert.Contains(t, string(lines[1]), `"phone":"*******1234"`)
	assert.Contains(t, string(lines[1]), `"comp":"test"`)
	assert.Contains(t, string(lines[1]), `"n":2`)

	assert.True(t, Logger{}.IsZero())
	assert.False(t, Nop().IsZero())
	Logger{}.Info("discarded")
}
