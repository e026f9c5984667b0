// Package config provides configuration management for the sqltrainer CLI.
package config

import "time"

// Config holds all CLI configuration options.
type Config struct {
	StorePath string       `koanf:"store_path"`
	Verbose   bool         `koanf:"verbose"`
	LogLevel  string       `koanf:"log_level"`
	Output    string       `koanf:"output"`
	Engine    EngineConfig `koanf:"engine"`
	Save      SaveConfig   `koanf:"save"`
	Metrics   bool         `koanf:"metrics"`

	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `koanf:"-"`
}

// EngineConfig configures execution resources.
type EngineConfig struct {
	Mode        string        `koanf:"mode"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// SaveConfig configures persistence.
type SaveConfig struct {
	Delay time.Duration `koanf:"delay"`
}

// Default configuration values.
const (
	DefaultStoreFile   = ".sqltrainer/records.db"
	DefaultLogLevel    = "info"
	DefaultOutput      = "table"
	DefaultEngineMode  = "worker"
	DefaultIdleTimeout = 5 * time.Second
	DefaultSaveDelay   = time.Second
)

// Config file names, in lookup order.
var configFileNames = []string{"sqltrainer.yaml", "sqltrainer.yml"}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		StorePath: DefaultStoreFile,
		LogLevel:  DefaultLogLevel,
		Output:    DefaultOutput,
		Engine: EngineConfig{
			Mode:        DefaultEngineMode,
			IdleTimeout: DefaultIdleTimeout,
		},
		Save: SaveConfig{Delay: DefaultSaveDelay},
	}
}
