// Package config loads swarm-dl settings from a YAML file, SWARM_*
// environment variables and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"swarm-dl/internal/downloader"
	"swarm-dl/internal/units"
)

// Config defines configuration for the swarm-dl CLI.
type Config struct {
	Sessions          []downloader.Credential
	ChunkSize         int64
	MaxChunkSize      int64
	Retry             RetryConfig
	ProgressInterval  time.Duration
	RequestTimeout    time.Duration
	DoH               bool
	RequestsPerSecond float64
	KeepPartial       bool
	History           string
	LogLevel          string
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts      int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	RateLimitWait time.Duration
}

// Policy converts r to the engine's retry policy.
func (r RetryConfig) Policy() downloader.RetryPolicy {
	return downloader.RetryPolicy{
		BaseDelay:     r.Backoff,
		MaxDelay:      r.MaxBackoff,
		MaxAttempts:   r.Attempts,
		RateLimitWait: r.RateLimitWait,
	}
}

// Default returns a Config with sensible defaults.
func Default() Config {
	p := downloader.DefaultRetryPolicy()
	return Config{
		ChunkSize: downloader.DefaultChunkSize,
		Retry: RetryConfig{
			Attempts:      p.MaxAttempts,
			Backoff:       p.BaseDelay,
			MaxBackoff:    p.MaxDelay,
			RateLimitWait: p.RateLimitWait,
		},
		ProgressInterval: downloader.DefaultProgressInterval,
		RequestTimeout:   60 * time.Second,
		LogLevel:         "info",
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Sessions          []downloader.Credential `yaml:"sessions"`
	ChunkSize         string                  `yaml:"chunk_size"`
	MaxChunkSize      string                  `yaml:"max_chunk_size"`
	Retry             yamlRetryConfig         `yaml:"retry"`
	ProgressInterval  string                  `yaml:"progress_interval"`
	RequestTimeout    string                  `yaml:"request_timeout"`
	DoH               bool                    `yaml:"doh"`
	RequestsPerSecond float64                 `yaml:"requests_per_second"`
	KeepPartial       bool                    `yaml:"keep_partial"`
	History           string                  `yaml:"history"`
	LogLevel          string                  `yaml:"log_level"`
}

type yamlRetryConfig struct {
	Attempts      int    `yaml:"attempts"`
	Backoff       string `yaml:"backoff"`
	MaxBackoff    string `yaml:"max_backoff"`
	RateLimitWait string `yaml:"rate_limit_wait"`
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if len(yc.Sessions) > 0 {
		cfg.Sessions = yc.Sessions
	}
	if err := setBytes(&cfg.ChunkSize, yc.ChunkSize, "chunk_size"); err != nil {
		return Config{}, err
	}
	if err := setBytes(&cfg.MaxChunkSize, yc.MaxChunkSize, "max_chunk_size"); err != nil {
		return Config{}, err
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	for _, d := range []struct {
		dst  *time.Duration
		src  string
		name string
	}{
		{&cfg.Retry.Backoff, yc.Retry.Backoff, "retry.backoff"},
		{&cfg.Retry.MaxBackoff, yc.Retry.MaxBackoff, "retry.max_backoff"},
		{&cfg.Retry.RateLimitWait, yc.Retry.RateLimitWait, "retry.rate_limit_wait"},
		{&cfg.ProgressInterval, yc.ProgressInterval, "progress_interval"},
		{&cfg.RequestTimeout, yc.RequestTimeout, "request_timeout"},
	} {
		if err := setDuration(d.dst, d.src, d.name); err != nil {
			return Config{}, err
		}
	}
	cfg.DoH = yc.DoH
	cfg.RequestsPerSecond = yc.RequestsPerSecond
	cfg.KeepPartial = yc.KeepPartial
	cfg.History = yc.History
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}

	return cfg, nil
}

func setBytes(dst *int64, v, name string) error {
	if v == "" {
		return nil
	}
	n, err := units.ParseBytes(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SWARM_ prefix. SWARM_TOKENS is a
// comma-separated list of session tokens.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SWARM_TOKENS"); v != "" {
		c.Sessions = nil
		for i, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			c.Sessions = append(c.Sessions, downloader.Credential{
				ID:    fmt.Sprintf("env-%d", i+1),
				Token: tok,
			})
		}
	}
	if err := setBytes(&c.ChunkSize, os.Getenv("SWARM_CHUNK_SIZE"), "SWARM_CHUNK_SIZE"); err != nil {
		return err
	}
	if err := setBytes(&c.MaxChunkSize, os.Getenv("SWARM_MAX_CHUNK_SIZE"), "SWARM_MAX_CHUNK_SIZE"); err != nil {
		return err
	}
	if v := os.Getenv("SWARM_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SWARM_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if err := setDuration(&c.Retry.Backoff, os.Getenv("SWARM_RETRY_BACKOFF"), "SWARM_RETRY_BACKOFF"); err != nil {
		return err
	}
	if err := setDuration(&c.Retry.MaxBackoff, os.Getenv("SWARM_RETRY_MAX_BACKOFF"), "SWARM_RETRY_MAX_BACKOFF"); err != nil {
		return err
	}
	if v := os.Getenv("SWARM_DOH"); v != "" {
		c.DoH = v == "true" || v == "1"
	}
	if v := os.Getenv("SWARM_REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse SWARM_REQUESTS_PER_SECOND: %w", err)
		}
		c.RequestsPerSecond = f
	}
	if v := os.Getenv("SWARM_HISTORY"); v != "" {
		c.History = v
	}
	if v := os.Getenv("SWARM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Sessions) == 0 {
		return errors.New("config: at least one session is required")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.MaxChunkSize < 0 {
		return errors.New("config: max_chunk_size must not be negative")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < 0 || c.Retry.RateLimitWait < 0 {
		return errors.New("config: retry durations must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("config: requests_per_second must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if len(override.Sessions) > 0 {
		c.Sessions = override.Sessions
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.MaxChunkSize != 0 {
		c.MaxChunkSize = override.MaxChunkSize
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.Retry.RateLimitWait != 0 {
		c.Retry.RateLimitWait = override.Retry.RateLimitWait
	}
	if override.ProgressInterval != 0 {
		c.ProgressInterval = override.ProgressInterval
	}
	if override.RequestTimeout != 0 {
		c.RequestTimeout = override.RequestTimeout
	}
	if override.DoH {
		c.DoH = true
	}
	if override.RequestsPerSecond != 0 {
		c.RequestsPerSecond = override.RequestsPerSecond
	}
	if override.KeepPartial {
		c.KeepPartial = true
	}
	if override.History != "" {
		c.History = override.History
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	return c
}
