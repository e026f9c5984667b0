package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/leapstack-labs/sqltrainer/internal/coordinator"
)

// OutputFormats lists the accepted values of the output key.
var OutputFormats = []string{"table", "json", "csv", "md", "yaml"}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if !slices.Contains(OutputFormats, c.Output) {
		return fmt.Errorf("unknown output format %q (expected one of: %s)", c.Output, strings.Join(OutputFormats, ", "))
	}
	if _, ok := coordinator.ParseMode(c.Engine.Mode); !ok {
		return fmt.Errorf("unknown engine.mode %q (expected worker or direct)", c.Engine.Mode)
	}
	if c.Engine.IdleTimeout <= 0 {
		return fmt.Errorf("engine.idle_timeout must be positive, got %s", c.Engine.IdleTimeout)
	}
	if c.Save.Delay <= 0 {
		return fmt.Errorf("save.delay must be positive, got %s", c.Save.Delay)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the slog level selected by verbose and log_level.
func (c *Config) Level() (slog.Level, error) {
	if c.Verbose {
		return slog.LevelDebug, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// EngineMode returns the parsed engine mode.
func (c *Config) EngineMode() coordinator.Mode {
	mode, _ := coordinator.ParseMode(c.Engine.Mode)
	return mode
}
