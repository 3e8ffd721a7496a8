package server

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Config holds everything the server needs to run. Values come from an
// optional config file and from FGA_* environment variables, env winning.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `mapstructure:"listen_addr"`
	// DatabaseURL selects the storage backend. Empty runs the in-memory
	// backend, anything else is a postgres connection string.
	DatabaseURL string `mapstructure:"database_url"`
	// MaxDepth caps resolution recursion.
	MaxDepth int `mapstructure:"max_depth"`
	// CacheSize is the number of check decisions kept in memory. Zero
	// disables the cache.
	CacheSize int `mapstructure:"cache_size"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// AuthEnabled requires a store-scoped API key on data-plane routes.
	AuthEnabled bool `mapstructure:"auth_enabled"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", ":4000")
	v.SetDefault("database_url", "")
	v.SetDefault("max_depth", 25)
	v.SetDefault("cache_size", 8192)
	v.SetDefault("log_level", "info")
	v.SetDefault("auth_enabled", false)

	v.SetEnvPrefix("fga")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
