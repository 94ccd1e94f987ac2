package shellcmd

import (
	"os"
	"strconv"
)

// Environment variable names for shell handler configuration.
const (
	envShellBin  = "DISPATCHD_SHELL_BIN"
	envWorkDir   = "DISPATCHD_SHELL_WORKDIR"
	envMaxOutput = "DISPATCHD_SHELL_MAX_OUTPUT_BYTES"
)

// Defaults applied when the corresponding environment variable is not set.
const (
	DefaultShellBin       = "/bin/sh"
	DefaultMaxOutputBytes = 1 << 20
)

// Config holds configuration for the shell command handler.
type Config struct {
	// ShellBin is the shell binary commands are run under, as "bin -c command".
	ShellBin string

	// WorkDir is the working directory for commands. Empty means the
	// server process working directory is inherited.
	WorkDir string

	// MaxOutputBytes caps how much combined stdout and stderr is retained
	// in the task result. Streamed log lines are not capped.
	MaxOutputBytes int
}

// LoadConfig reads shell handler configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		ShellBin:       DefaultShellBin,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}

	if v := os.Getenv(envShellBin); v != "" {
		cfg.ShellBin = v
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envMaxOutput); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOutputBytes = n
		}
	}

	return cfg
}
