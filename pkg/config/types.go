package config

import (
	"fmt"
	"time"
)

// Config is the top-level ferry configuration.
type Config struct {
	// Store configures the SQLite object store.
	Store StoreConfig `yaml:"store" json:"store"`

	// Retry is the retry policy used for cloud calls.
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Workers is the number of tasks executed concurrently per graph level.
	Workers int `yaml:"workers" json:"workers" env:"FERRY_WORKERS" env-default:"8" validate:"min=1,max=256"`

	// DiscoveryWorkers bounds the number of kinds discovered in parallel.
	DiscoveryWorkers int `yaml:"discovery_workers" json:"discovery_workers" env:"FERRY_DISCOVERY_WORKERS" env-default:"4" validate:"min=1,max=64"`

	// Clouds maps a cloud name to its connection settings.
	Clouds map[string]CloudConfig `yaml:"clouds" json:"clouds" validate:"required,min=1,dive"`

	// Migrations maps a migration name to its definition.
	Migrations map[string]MigrationConfig `yaml:"migrations" json:"migrations" validate:"dive"`

	// Policies lists .rego/.json files or directories loaded on top of
	// the built-in policies.
	Policies []string `yaml:"policies" json:"policies"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// StoreConfig configures the object store.
type StoreConfig struct {
	Path         string `yaml:"path" json:"path" env:"FERRY_DB" env-default:"ferry.db" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns" env:"FERRY_DB_MAX_OPEN_CONNS" validate:"min=0"`
}

// RetryConfig mirrors retry.Retry in file form.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts" env:"FERRY_RETRY_MAX_ATTEMPTS" env-default:"5" validate:"min=0"`
	Timeout     Duration `yaml:"timeout" json:"timeout" env:"FERRY_RETRY_TIMEOUT" env-default:"1s"`
	Backoff     float64  `yaml:"backoff" json:"backoff" env:"FERRY_RETRY_BACKOFF" env-default:"2" validate:"min=0"`
	MaxTimeout  Duration `yaml:"max_timeout" json:"max_timeout" env-default:"30s"`
	MaxTime     Duration `yaml:"max_time" json:"max_time" env:"FERRY_RETRY_MAX_TIME" env-default:"5m"`
}

// CloudConfig describes how to reach one cloud.
type CloudConfig struct {
	// Type selects the client implementation.
	Type string `yaml:"type" json:"type" validate:"required,oneof=memory http"`

	// Endpoint is the identity endpoint of an http cloud.
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`

	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"password"`
	Tenant   string   `yaml:"tenant" json:"tenant"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`

	// Fixtures is a YAML file seeding a memory cloud.
	Fixtures string `yaml:"fixtures" json:"fixtures"`
}

// MigrationConfig defines a named migration between two clouds.
type MigrationConfig struct {
	Source      string           `yaml:"source" json:"source" validate:"required"`
	Destination string           `yaml:"destination" json:"destination" validate:"required,nefield=Source"`
	Objects     []ObjectSelector `yaml:"objects" json:"objects" validate:"required,min=1,dive"`
}

// ObjectSelector picks the root objects of a migration.
type ObjectSelector struct {
	// Type is the schema type name, e.g. "server".
	Type string `yaml:"type" json:"type" validate:"required"`

	// IDs restricts the selection. Empty selects every object of Type.
	IDs []string `yaml:"ids" json:"ids"`

	// Where is a Starlark boolean expression over the object fields.
	Where string `yaml:"where" json:"where"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT" env-default:"console" validate:"oneof=console json"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled" env:"FERRY_METRICS_ENABLED"`
	ListenAddress string `yaml:"listen_address" json:"listen_address" env:"FERRY_METRICS_ADDRESS" env-default:":9090"`
	Path          string `yaml:"path" json:"path" env-default:"/metrics" validate:"startswith=/"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"FERRY_TRACING_ENABLED"`
	Exporter string `yaml:"exporter" json:"exporter" env:"FERRY_TRACING_EXPORTER" env-default:"stdout" validate:"oneof=stdout otlp none"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Duration is a time.Duration written as "5s" or "1m30s" in files and
// environment variables.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
