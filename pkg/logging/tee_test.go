package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTeeDualOutput(t *testing.T) {
	var console, file bytes.Buffer
	log := NewTee(Config{Level: LevelInfo, Format: FormatText, Output: &console}, &file)

	log.Info("server listening", "addr", "127.0.0.1:9000")

	require.Contains(t, console.String(), "server listening")
	assert.False(t, strings.HasPrefix(console.String(), "{"), "console stays text")
	assert.Contains(t, file.String(), `"msg":"server listening"`)
}

func TestNewTeeAttrsReachBothStreams(t *testing.T) {
	var console, file bytes.Buffer
	log := NewTee(Config{Level: LevelDebug, Format: FormatText, Output: &console}, &file)

	log.With("conn", "c-1").Info("accepted")

	assert.Contains(t, console.String(), "conn=c-1")
	assert.Contains(t, file.String(), `"conn":"c-1"`)
}

func TestFanoutEnabledIfAnyTargetEnabled(t *testing.T) {
	var buf bytes.Buffer
	f := &fanout{targets: []slog.Handler{
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}}
	assert.True(t, f.Enabled(context.Background(), slog.LevelDebug))

	quiet := &fanout{targets: []slog.Handler{
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	assert.False(t, quiet.Enabled(context.Background(), slog.LevelInfo))
}

func TestFanoutRespectsPerTargetLevel(t *testing.T) {
	var errOnly, all bytes.Buffer
	log := slog.New(&fanout{targets: []slog.Handler{
		slog.NewTextHandler(&errOnly, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&all, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}})

	log.Info("routine")

	assert.Empty(t, errOnly.String())
	assert.Contains(t, all.String(), "routine")
}
