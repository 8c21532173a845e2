package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/restic115/internal/config"
)

// newRootCmd() binds flags via StringVar/BoolVar, which resets the global
// flag variables to their zero values. Tests set globals AFTER newRootCmd()
// returns, or drive cmd.Flags().Set so Changed() reports correctly.

func resetFlags(t *testing.T) {
	t.Helper()

	oldVerbose, oldQuiet := flagVerbose, flagQuiet
	oldConfig := flagConfigPath

	t.Cleanup(func() {
		flagVerbose, flagQuiet = oldVerbose, oldQuiet
		flagConfigPath = oldConfig
	})
}

func TestBuildLogger(t *testing.T) {
	resetFlags(t)
	ctx := context.Background()

	t.Run("config level baseline", func(t *testing.T) {
		flagVerbose, flagQuiet = false, false

		cfg := config.Defaults()
		cfg.LogLevel = "warn"

		logger := buildLogger(cfg)
		assert.True(t, logger.Handler().Enabled(ctx, slog.LevelWarn))
		assert.False(t, logger.Handler().Enabled(ctx, slog.LevelInfo))
	})

	t.Run("verbose wins over config", func(t *testing.T) {
		flagVerbose, flagQuiet = true, false

		cfg := config.Defaults()
		cfg.LogLevel = "error"

		logger := buildLogger(cfg)
		assert.True(t, logger.Handler().Enabled(ctx, slog.LevelDebug))
	})

	t.Run("quiet suppresses info", func(t *testing.T) {
		flagVerbose, flagQuiet = false, true

		logger := buildLogger(config.Defaults())
		assert.False(t, logger.Handler().Enabled(ctx, slog.LevelInfo))
		assert.True(t, logger.Handler().Enabled(ctx, slog.LevelError))
	})
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	for _, key := range []string{
		config.EnvAccessToken, config.EnvRefreshToken, config.EnvRepoPath,
		config.EnvListenAddr, config.EnvLogLevel, config.EnvAPIBase,
		config.EnvUserAgent, config.EnvDBPath,
	} {
		t.Setenv(key, "")
	}

	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Set("listen", "127.0.0.1:9999"))
	require.NoError(t, cmd.Flags().Set("db", "/tmp/override.db"))
	require.NoError(t, cmd.Flags().Set("rebuild-cache", "true"))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, "/tmp/override.db", cfg.DBPath)
	assert.True(t, cfg.ForceCacheRebuild)

	// Untouched fields keep their defaults.
	assert.Equal(t, config.Defaults().RepoPath, cfg.RepoPath)
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "listen", "repo", "db", "verbose", "quiet", "rebuild-cache"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}

	assert.Equal(t, "restic115", cmd.Use)
}
