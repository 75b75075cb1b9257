// Package config loads the daemon configuration: device identity, poll
// interval, and the resilience tunables whose defaults are documented on
// the session package.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/erukolya/tionlink/internal/session"
)

// DeviceConfig identifies the breezer to manage.
type DeviceConfig struct {
	// Address is the device MAC, resolved externally.
	Address string `yaml:"address"`
	Model   string `yaml:"model" default:"S4"`
	Name    string `yaml:"name"`
}

// BackoffConfig mirrors session.BreakerConfig in the config file.
type BackoffConfig struct {
	Base   time.Duration   `yaml:"base" default:"10s"`
	Cap    time.Duration   `yaml:"cap" default:"60s"`
	Stages []time.Duration `yaml:"stages"`
	Jitter float64         `yaml:"jitter" default:"0.2"`
}

// PrimeConfig mirrors session.PrimeConfig in the config file.
type PrimeConfig struct {
	Timeout        time.Duration `yaml:"timeout" default:"30s"`
	Settle         time.Duration `yaml:"settle" default:"250ms"`
	InitialDelay   time.Duration `yaml:"initial_delay" default:"250ms"`
	MaxDelay       time.Duration `yaml:"max_delay" default:"2s"`
	Multiplier     float64       `yaml:"multiplier" default:"1.5"`
	FastFailStreak int           `yaml:"fast_fail_streak" default:"7"`
	FastFailWindow time.Duration `yaml:"fast_fail_window" default:"10s"`
	RetryUnknown   bool          `yaml:"retry_unknown" default:"true"`
}

// Config holds the full application configuration.
type Config struct {
	LogLevel string       `yaml:"log_level" default:"info"`
	Device   DeviceConfig `yaml:"device"`

	// KeepAlive is the steady-state poll interval; intervals below 30s
	// hammer the radio for no benefit and are clamped up.
	KeepAlive      time.Duration `yaml:"keep_alive" default:"60s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	StatusWait     time.Duration `yaml:"status_wait" default:"5s"`

	Prime   PrimeConfig   `yaml:"prime"`
	Backoff BackoffConfig `yaml:"backoff"`
}

const minKeepAlive = 30 * time.Second

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and clamps out-of-range values.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device address is required")
	}
	if c.Device.Name == "" {
		c.Device.Name = fmt.Sprintf("Tion Breezer %s", c.Device.Address)
	}
	if c.KeepAlive < minKeepAlive {
		c.KeepAlive = minKeepAlive
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// SessionOptions translates the config into session.Options.
func (c *Config) SessionOptions() session.Options {
	opts := session.DefaultOptions()
	opts.ConnectTimeout = c.ConnectTimeout
	opts.StatusWait = c.StatusWait

	opts.Prime = session.PrimeConfig{
		Timeout:        c.Prime.Timeout,
		Settle:         c.Prime.Settle,
		InitialDelay:   c.Prime.InitialDelay,
		MaxDelay:       c.Prime.MaxDelay,
		Multiplier:     c.Prime.Multiplier,
		FastFailStreak: c.Prime.FastFailStreak,
		FastFailWindow: c.Prime.FastFailWindow,
		RetryUnknown:   c.Prime.RetryUnknown,
	}

	opts.Breaker = session.BreakerConfig{
		Base:   c.Backoff.Base,
		Cap:    c.Backoff.Cap,
		Jitter: c.Backoff.Jitter,
		Stages: session.DefaultBreakerConfig().Stages,
	}
	for i, stage := range c.Backoff.Stages {
		if i >= len(opts.Breaker.Stages) {
			break
		}
		opts.Breaker.Stages[i] = stage
	}

	return opts
}
