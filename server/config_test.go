package server

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":4000", config.ListenAddr)
	require.Empty(t, config.DatabaseURL)
	require.Equal(t, 25, config.MaxDepth)
	require.Equal(t, 8192, config.CacheSize)
	require.False(t, config.AuthEnabled)
	require.Equal(t, slog.LevelInfo, config.SlogLevel())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("FGA_LISTEN_ADDR", ":9000")
	t.Setenv("FGA_MAX_DEPTH", "10")
	t.Setenv("FGA_AUTH_ENABLED", "true")
	t.Setenv("FGA_LOG_LEVEL", "debug")

	config, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":9000", config.ListenAddr)
	require.Equal(t, 10, config.MaxDepth)
	require.True(t, config.AuthEnabled)
	require.Equal(t, slog.LevelDebug, config.SlogLevel())
}
