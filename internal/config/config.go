// Package config loads application configuration from defaults, an optional
// dispatchd.yaml file, and DISPATCHD_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "dispatchd.db"
	defaultWorkers    = 4
)

// Config holds application configuration.
type Config struct {
	ListenAddr     string
	DBPath         string
	LogLevel       slog.Level
	Workers        int
	ShellEnabled   bool
	HTTPEnabled    bool
	TracingEnabled bool
}

// Load reads configuration with sensible defaults. A dispatchd.yaml in the
// working directory or ./configs is optional; environment variables such as
// DISPATCHD_LISTEN_ADDR override both defaults and file values.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", "info")
	v.SetDefault("workers", defaultWorkers)
	v.SetDefault("shell_enabled", true)
	v.SetDefault("http_enabled", true)
	v.SetDefault("tracing_enabled", false)

	v.SetConfigName("dispatchd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.SetEnvPrefix("DISPATCHD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		// No config file; defaults and environment cover everything.
	}

	return Config{
		ListenAddr:     v.GetString("listen_addr"),
		DBPath:         v.GetString("db_path"),
		LogLevel:       parseLogLevel(v.GetString("log_level")),
		Workers:        v.GetInt("workers"),
		ShellEnabled:   v.GetBool("shell_enabled"),
		HTTPEnabled:    v.GetBool("http_enabled"),
		TracingEnabled: v.GetBool("tracing_enabled"),
	}, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
