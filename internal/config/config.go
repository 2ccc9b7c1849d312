// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package config loads ipclab settings from the environment.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Prefix is the prefix of all environment variables.
const Prefix = "IPCLAB"

// Config holds all application configuration.
type Config struct {
	CoordinatorConfig
	LogConfig
	HTTPConfig
}

// CoordinatorConfig holds mechanism lifecycle settings.
type CoordinatorConfig struct {
	GracePeriod      time.Duration `envconfig:"GRACE_PERIOD" default:"100ms"`
	SettleDelay      time.Duration `envconfig:"SETTLE_DELAY" default:"500ms"`
	SemaphoreTimeout time.Duration `envconfig:"SEM_TIMEOUT" default:"5s"`
	LogCapacity      int           `envconfig:"LOG_CAPACITY" default:"1000"`
	MonitorInterval  time.Duration `envconfig:"MONITOR_INTERVAL" default:"1s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr string `envconfig:"HTTP_ADDR" default:":9000"`
}

// Load reads .env and .env.local, if present, and then
// loads configuration from environment variables.
// Variables already set in the environment win over the files.
func Load() (*Config, error) {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read %s", name)
		}
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		CoordinatorConfig: DefaultCoordinator(),
		LogConfig: LogConfig{
			Level: "info",
		},
		HTTPConfig: HTTPConfig{
			Addr: ":9000",
		},
	}
}

// DefaultCoordinator returns default lifecycle settings.
func DefaultCoordinator() CoordinatorConfig {
	return CoordinatorConfig{
		GracePeriod:      100 * time.Millisecond,
		SettleDelay:      500 * time.Millisecond,
		SemaphoreTimeout: 5 * time.Second,
		LogCapacity:      1000,
		MonitorInterval:  time.Second,
	}
}

// Validate checks the values, which cannot be used as is.
func (c *Config) Validate() error {
	if c.GracePeriod < 0 {
		return errors.Errorf("grace period must not be negative, got %v", c.GracePeriod)
	}
	if c.LogCapacity <= 0 {
		return errors.Errorf("log capacity must be positive, got %d", c.LogCapacity)
	}
	if c.MonitorInterval <= 0 {
		return errors.Errorf("monitor interval must be positive, got %v", c.MonitorInterval)
	}
	return nil
}
