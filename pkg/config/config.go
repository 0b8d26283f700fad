package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/cloudferry/cloudferry/pkg/retry"
	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// Load reads a configuration file. Files ending in .cue are validated
// against the built-in CUE schema; anything else is parsed as YAML.
// Environment variables override file values and fill in defaults before
// the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	format := "yaml"
	if filepath.Ext(path) == ".cue" {
		format = "cue"
	}

	cfg, err := Parse(filepath.Base(path), format, data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	// Relative fixture paths are resolved against the config file.
	dir := filepath.Dir(path)
	for name, c := range cfg.Clouds {
		if c.Fixtures != "" && !filepath.IsAbs(c.Fixtures) {
			c.Fixtures = filepath.Join(dir, c.Fixtures)
			cfg.Clouds[name] = c
		}
	}

	return cfg, nil
}

// Parse decodes data in the given format ("yaml" or "cue"), applies
// environment overrides and defaults, and validates the result.
func Parse(filename, format string, data []byte) (*Config, error) {
	cfg := &Config{}

	switch format {
	case "yaml", "yml":
		if err := decodeYAML(data, cfg); err != nil {
			return nil, err
		}
	case "cue":
		schema, err := newCUESchema()
		if err != nil {
			return nil, err
		}
		if err := schema.decode(filename, data, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("config is empty")
		}
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// Validate checks field rules and the references between sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("validation failed: %s", formatValidationErrors(verrs))
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	var result *multierror.Error
	for _, name := range sortedKeys(c.Clouds) {
		cloud := c.Clouds[name]
		if cloud.Type == "http" && cloud.Endpoint == "" {
			result = multierror.Append(result, fmt.Errorf("cloud %s: http clouds require an endpoint", name))
		}
	}
	for _, name := range sortedKeys(c.Migrations) {
		m := c.Migrations[name]
		if _, ok := c.Clouds[m.Source]; !ok {
			result = multierror.Append(result, fmt.Errorf("migration %s: unknown source cloud %q", name, m.Source))
		}
		if _, ok := c.Clouds[m.Destination]; !ok {
			result = multierror.Append(result, fmt.Errorf("migration %s: unknown destination cloud %q", name, m.Destination))
		}
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		result = multierror.Append(result, fmt.Errorf("tracing: otlp exporter requires an endpoint"))
	}

	return result.ErrorOrNil()
}

func formatValidationErrors(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// Migration returns the named migration.
func (c *Config) Migration(name string) (MigrationConfig, error) {
	m, ok := c.Migrations[name]
	if !ok {
		return MigrationConfig{}, fmt.Errorf("migration %q is not configured", name)
	}
	return m, nil
}

// MigrationNames returns the configured migration names in sorted order.
func (c *Config) MigrationNames() []string {
	return sortedKeys(c.Migrations)
}

// CloudNames returns the configured cloud names in sorted order.
func (c *Config) CloudNames() []string {
	return sortedKeys(c.Clouds)
}

// StoreOptions converts the store section.
func (c *Config) StoreOptions() stores.Config {
	return stores.Config{
		Path:         c.Store.Path,
		MaxOpenConns: c.Store.MaxOpenConns,
	}
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy(logger zerolog.Logger) retry.Retry {
	return retry.Retry{
		MaxAttempts: c.Retry.MaxAttempts,
		Timeout:     c.Retry.Timeout.Std(),
		Backoff:     c.Retry.Backoff,
		MaxTimeout:  c.Retry.MaxTimeout.Std(),
		MaxTime:     c.Retry.MaxTime.Std(),
		Logger:      logger,
	}
}

// Telemetry converts the logging, metrics and tracing sections.
func (c *Config) Telemetry() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if c.Logging.Level == "debug" || c.Logging.Level == "trace" {
		tc = telemetry.DevelopmentConfig()
	}
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress
	tc.Metrics.Path = c.Metrics.Path
	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	return tc
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
