package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/telemetria/telemetria/pkg/telemetry"
)

// envOverrides are applied on top of the file. Unset variables leave the
// file value alone.
type envOverrides struct {
	UserID        string        `env:"TELEMETRIA_USER_ID"`
	DataDir       string        `env:"TELEMETRIA_DATA_DIR"`
	Format        string        `env:"TELEMETRIA_FORMAT"`
	FlushInterval time.Duration `env:"TELEMETRIA_FLUSH_INTERVAL"`
	FailurePolicy string        `env:"TELEMETRIA_FAILURE_POLICY"`
	MetricsAddr   string        `env:"TELEMETRIA_METRICS_ADDR"`
	LogLevel      string        `env:"TELEMETRIA_LOG_LEVEL"`
	LogFormat     string        `env:"TELEMETRIA_LOG_FORMAT"`
}

// Load reads and parses a recorder configuration file, then applies
// TELEMETRIA_* environment overrides. An empty path skips the file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := ParseEnv(&o); err != nil {
		return err
	}
	if o.UserID != "" {
		c.UserID = o.UserID
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.Format != "" {
		c.Format = o.Format
	}
	if o.FlushInterval != 0 {
		c.FlushInterval = o.FlushInterval
	}
	if o.FailurePolicy != "" {
		c.FailurePolicy = o.FailurePolicy
	}
	if o.MetricsAddr != "" {
		c.Metrics.Addr = o.MetricsAddr
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Log.Format = o.LogFormat
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.TelemetryDir == "" {
		c.TelemetryDir = telemetry.DefaultTelemetryDir
	}
	if c.FileName == "" {
		c.FileName = telemetry.DefaultFileName
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = telemetry.DefaultFlushInterval
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = "continue"
	}
	for i := range c.Persisters {
		if c.Persisters[i].Format == "" {
			c.Persisters[i].Format = c.Format
		}
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}
