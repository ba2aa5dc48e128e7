// Package config provides the configuration structure for the tts-pool-service.
package config

import (
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                   string `toml:"url"`
	ChunkDispatchSubject  string `toml:"chunk_dispatch_subject"`
	ChunkCompletedSubject string `toml:"chunk_completed_subject"`
}

// RedisConfig holds the configuration for the Redis job and credential store.
type RedisConfig struct {
	URL      string `toml:"url"`
	Password string `toml:"password"`
}

// SynthesisConfig holds the configuration for the speech synthesis API.
type SynthesisConfig struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// PoolConfig holds the credential pool and chunking limits.
type PoolConfig struct {
	DailyLimit   int `toml:"daily_limit"`
	MaxChunkSize int `toml:"max_chunk_size"`
	Workers      int `toml:"workers"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Redis     RedisConfig     `toml:"redis"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Pool      PoolConfig      `toml:"pool"`
	Paths     PathsConfig     `toml:"paths"`
}

// Defaults applied by Load when the file leaves a limit unset.
const (
	DefaultDailyLimit     = 30
	DefaultMaxChunkSize   = 4800
	DefaultWorkers        = 4
	DefaultTimeoutSeconds = 120
)

// Load loads the configuration for the tts-pool-service and fills in
// defaults for unset limits.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Pool.DailyLimit <= 0 {
		c.Pool.DailyLimit = DefaultDailyLimit
	}

	if c.Pool.MaxChunkSize <= 0 {
		c.Pool.MaxChunkSize = DefaultMaxChunkSize
	}

	if c.Pool.Workers <= 0 {
		c.Pool.Workers = DefaultWorkers
	}

	if c.Synthesis.TimeoutSeconds <= 0 {
		c.Synthesis.TimeoutSeconds = DefaultTimeoutSeconds
	}
}
