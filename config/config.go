// Package config loads and validates the platform configuration: one
// YAML file with explicit defaults, overridable by a small set of
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/citypulse/core/errors"
	"github.com/citypulse/core/integrator"
)

// HTTPConfig configures the dashboard-facing HTTP server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// NATSConfig configures the optional event forwarder. An empty URL
// disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Config is the full platform configuration.
type Config struct {
	LogLevel  string            `yaml:"log_level"`
	LogFormat string            `yaml:"log_format"`
	HTTP      HTTPConfig        `yaml:"http"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	NATS      NATSConfig        `yaml:"nats"`
	Core      integrator.Config `yaml:"core"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			SubjectPrefix: "citypulse.events",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: %v", errors.ErrMissingConfig, err),
				"Config", "Load", "file read")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Config", "Load", "yaml decode")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment overrides, applied after the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CITYPULSE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CITYPULSE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("CITYPULSE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("CITYPULSE_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
	if v := os.Getenv("CITYPULSE_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log level %q", errors.ErrInvalidConfig, c.LogLevel),
			"Config", "Validate", "log level check")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log format %q", errors.ErrInvalidConfig, c.LogFormat),
			"Config", "Validate", "log format check")
	}

	if c.HTTP.Addr == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: http.addr is required", errors.ErrInvalidConfig),
			"Config", "Validate", "http address check")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metrics.port must be a valid port when metrics are enabled", errors.ErrInvalidConfig),
			"Config", "Validate", "metrics port check")
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nats.subject_prefix is required with a nats url", errors.ErrInvalidConfig),
			"Config", "Validate", "nats subject check")
	}

	for _, t := range c.Core.Thresholds {
		if err := t.Validate(); err != nil {
			return err
		}
	}

	for name, d := range map[string]time.Duration{
		"core.retention":         c.Core.Retention,
		"core.stage_timeout":     c.Core.StageTimeout,
		"core.registry_grace":    c.Core.RegistryGrace,
		"core.registry_inactive": c.Core.RegistryInactive,
		"core.correlator.window": c.Core.Correlator.Window,
		"http.shutdown_timeout":  c.HTTP.ShutdownTimeout,
	} {
		if d < 0 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s must not be negative", errors.ErrInvalidConfig, name),
				"Config", "Validate", "duration check")
		}
	}

	if c.Core.Pipeline.Workers < 0 || c.Core.Pipeline.QueueSize < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: pipeline workers and queue size must not be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "pipeline sizing check")
	}

	return nil
}
