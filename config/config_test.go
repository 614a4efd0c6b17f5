package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/core/alert"
	"github.com/citypulse/core/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.NATS.URL, "nats forwarding is off by default")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "citypulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
http:
  addr: ":9000"
core:
  retention: 48h
  pipeline:
    workers: 8
    queue_size: 256
  correlator:
    window: 24h
    min_samples: 5
  thresholds:
    - metric_path: pipeline.queue_size
      operator: ">"
      warning_level: 50
      critical_level: 90
      cooldown: 30s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 48*time.Hour, cfg.Core.Retention)
	assert.Equal(t, 8, cfg.Core.Pipeline.Workers)
	assert.Equal(t, 5, cfg.Core.Correlator.MinSamples)
	require.Len(t, cfg.Core.Thresholds, 1)
	assert.Equal(t, 30*time.Second, cfg.Core.Thresholds[0].Cooldown)

	// File values merge over defaults, not replace them.
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [nope"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CITYPULSE_LOG_LEVEL", "warn")
	t.Setenv("CITYPULSE_LOG_FORMAT", "json")
	t.Setenv("CITYPULSE_HTTP_ADDR", ":7070")
	t.Setenv("CITYPULSE_NATS_URL", "nats://localhost:4222")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "logfmt" }},
		{"missing http addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"metrics enabled without port", func(c *Config) { c.Metrics.Port = 0 }},
		{"nats url without prefix", func(c *Config) {
			c.NATS.URL = "nats://localhost:4222"
			c.NATS.SubjectPrefix = ""
		}},
		{"negative retention", func(c *Config) { c.Core.Retention = -time.Hour }},
		{"negative workers", func(c *Config) { c.Core.Pipeline.Workers = -1 }},
		{"invalid threshold", func(c *Config) {
			c.Core.Thresholds = append(c.Core.Thresholds, alert.Threshold{
				MetricPath: "x", Operator: "~",
			})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})
}

func TestRequiredFieldsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
core:
  pipeline:
    required_fields:
      weather: [temperature]
      transportation: [congestion]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"temperature"}, cfg.Core.Pipeline.RequiredFields[types.DomainWeather])
}
