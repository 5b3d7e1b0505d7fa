package beebot

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponentLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	logger := componentLogger(level, "redis")

	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))

	// runtime level changes take effect on the existing logger
	level.Set(slog.LevelDebug)
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))

	// nil level falls back to tint's default (info)
	defaulted := componentLogger(nil, "openai")
	assert.True(t, defaulted.Enabled(ctx, slog.LevelInfo))
	assert.False(t, defaulted.Enabled(ctx, slog.LevelDebug))
}
