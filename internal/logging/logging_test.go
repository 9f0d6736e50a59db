package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWithPath(t *testing.T) {
	t.Run("stderr when no file", func(t *testing.T) {
		res := NewLoggerWithPath(Config{Level: "debug", Output: OutputStderr})
		assert.False(t, res.UsingFile)
		assert.False(t, res.FallbackUsed)
		assert.Equal(t, zerolog.DebugLevel, res.Logger.GetLevel())
		require.NoError(t, res.Close())
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "esctl.log")
		res := NewLoggerWithPath(Config{Level: "info", Output: OutputFile, File: path})
		require.True(t, res.UsingFile)
		assert.Equal(t, path, res.FilePath)

		res.Logger.Info().Str("k", "v").Msg("hello")
		require.NoError(t, res.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var line map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
		assert.Equal(t, "hello", line["message"])
		assert.Equal(t, "v", line["k"])
	})

	t.Run("fallback when directory is a file", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

		res := NewLoggerWithPath(Config{Output: OutputFile, File: filepath.Join(blocker, "esctl.log")})
		assert.False(t, res.UsingFile)
		assert.True(t, res.FallbackUsed)
		assert.NotEmpty(t, res.FallbackReason)
	})

	t.Run("invalid level defaults to info", func(t *testing.T) {
		res := NewLoggerWithPath(Config{Level: "loud"})
		assert.Equal(t, zerolog.InfoLevel, res.Logger.GetLevel())
	})
}

func TestTraceIDPropagation(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(TraceHook{})

	ctx := ContextWithTraceID(context.Background(), "01TESTTRACE")
	assert.Equal(t, "01TESTTRACE", GetOrGenerateTraceID(ctx))

	logger.Info().Ctx(ctx).Msg("traced")
	assert.Contains(t, buf.String(), `"trace_id":"01TESTTRACE"`)

	generated := GetOrGenerateTraceID(context.Background())
	assert.Len(t, generated, 26)
}

func TestFromContext(t *testing.T) {
	assert.Equal(t, zerolog.Disabled, FromContext(context.Background()).GetLevel())

	var buf bytes.Buffer
	l := ComponentLogger(zerolog.New(&buf), "cache")
	ctx := l.WithContext(context.Background())

	FromContext(ctx).Info().Msg("x")
	assert.Contains(t, buf.String(), `"component":"cache"`)
}
