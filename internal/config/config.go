// Package config loads takt's project configuration from .takt/config.yaml,
// environment variables, and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the merged project configuration.
type Config struct {
	Piece    PieceConfig    `mapstructure:"piece"`
	Provider ProviderConfig `mapstructure:"provider"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Language string         `mapstructure:"language"`
}

// PieceConfig selects which piece runs by default and where pieces live.
type PieceConfig struct {
	Default string `mapstructure:"default"`
	Dir     string `mapstructure:"dir"`
}

// ProviderConfig selects the agent backend.
type ProviderConfig struct {
	Default        string `mapstructure:"default"`
	Model          string `mapstructure:"model"`
	PermissionMode string `mapstructure:"permission_mode"`
	// APIKey may be a literal key or a gcp-secret:// reference resolved at
	// startup.
	APIKey string `mapstructure:"api_key"`
}

// RunnerConfig tunes the worker pool.
type RunnerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Defaults applied when the config file or a key is absent.
const (
	DefaultProvider     = "claude-code"
	DefaultConcurrency  = 2
	DefaultPollInterval = 3 * time.Second
	DefaultPiecesDir    = ".takt/pieces"
)

// Load reads the configuration for a project directory. Order of precedence:
// explicit file values, then TAKT_* environment variables, then defaults.
// A .env next to the config is loaded first so key material can live there.
func Load(projectCwd string) (*Config, error) {
	// Missing .env is fine; a malformed one is not.
	envPath := filepath.Join(projectCwd, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(projectCwd, ".takt"))
	v.SetEnvPrefix("TAKT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Default == "" {
		cfg.Provider.Default = DefaultProvider
	}
	if cfg.Runner.Concurrency <= 0 {
		cfg.Runner.Concurrency = DefaultConcurrency
	}
	if cfg.Runner.PollInterval <= 0 {
		cfg.Runner.PollInterval = DefaultPollInterval
	}
	if cfg.Piece.Dir == "" {
		cfg.Piece.Dir = DefaultPiecesDir
	}
}

// Validate rejects settings the runner cannot operate with.
func (c *Config) Validate() error {
	if c.Runner.Concurrency < 1 {
		return fmt.Errorf("runner.concurrency must be at least 1, got %d", c.Runner.Concurrency)
	}
	if c.Runner.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("runner.poll_interval must be at least 100ms, got %s", c.Runner.PollInterval)
	}
	return nil
}
