package config

import (
	"fmt"
	"time"
)

// Config is the top-level recorder configuration.
type Config struct {
	UserID        string        `yaml:"user_id"`
	DataDir       string        `yaml:"data_dir"`      // base directory; events go to data_dir/telemetry_dir
	TelemetryDir  string        `yaml:"telemetry_dir"` // default "Telemetry"
	FileName      string        `yaml:"file_name"`     // default file persister; default "events.json"
	Format        string        `yaml:"format"`        // "json" or "yaml"
	DisableFile   bool          `yaml:"disable_file"`  // skip the default file persister
	FlushInterval time.Duration `yaml:"flush_interval"`
	FailurePolicy string        `yaml:"failure_policy"` // "continue" or "abort"

	Persisters []PersisterConfig `yaml:"persisters"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Log        LogConfig         `yaml:"log"`
}

// PersisterConfig describes one extra persister.
type PersisterConfig struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`   // file, stdout, http, badger, sqlite, remote, nop
	Format string `yaml:"format"` // serializer for file/stdout/badger/remote; default Config.Format

	// Path is the file, badger directory or SQLite database. Relative paths
	// resolve against the telemetry directory.
	Path string `yaml:"path,omitempty"`

	// Addr is the base URL of the ingest endpoint (http).
	Addr      string `yaml:"addr,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty"`

	// BackendType is the rclone backend name (remote), e.g. "local", "s3".
	BackendType string            `yaml:"backend_type,omitempty"`
	Remote      string            `yaml:"remote,omitempty"` // bucket/container + prefix
	Params      map[string]string `yaml:"params,omitempty"` // rclone config keys
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

var persisterTypes = map[string]bool{
	"file":   true,
	"stdout": true,
	"http":   true,
	"badger": true,
	"sqlite": true,
	"remote": true,
	"nop":    true,
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.FlushInterval < 0 {
		return fmt.Errorf("config: flush_interval must be positive, got %v", c.FlushInterval)
	}
	switch c.FailurePolicy {
	case "", "continue", "abort":
	default:
		return fmt.Errorf("config: unknown failure_policy %q", c.FailurePolicy)
	}
	if err := validateFormat("format", c.Format); err != nil {
		return err
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}

	names := make(map[string]bool)
	for i, p := range c.Persisters {
		name := p.Name
		if name == "" {
			return fmt.Errorf("config: persister %d: name cannot be empty", i)
		}
		if names[name] {
			return fmt.Errorf("config: duplicate persister name %q", name)
		}
		names[name] = true

		if !persisterTypes[p.Type] {
			return fmt.Errorf("config: persister %q: unknown type %q", name, p.Type)
		}
		if err := validateFormat("persister "+name+" format", p.Format); err != nil {
			return err
		}
		if err := validatePersister(p); err != nil {
			return err
		}
	}
	return nil
}

// validatePersister checks that required fields are set for each type.
func validatePersister(p PersisterConfig) error {
	switch p.Type {
	case "file":
		if p.Path == "" {
			return fmt.Errorf("config: persister %q: file requires path", p.Name)
		}
	case "http":
		if p.Addr == "" {
			return fmt.Errorf("config: persister %q: http requires addr", p.Name)
		}
		if p.BatchSize < 0 {
			return fmt.Errorf("config: persister %q: batch_size must be positive, got %d", p.Name, p.BatchSize)
		}
	case "remote":
		if p.BackendType == "" {
			return fmt.Errorf("config: persister %q: remote requires backend_type", p.Name)
		}
	}
	return nil
}

func validateFormat(field, format string) error {
	switch format {
	case "", "json", "yaml":
		return nil
	}
	return fmt.Errorf("config: %s: unknown format %q", field, format)
}
