// Package config provides configuration structures and loading logic for the interception
// service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	SourceFile     = "file"
	SourceSQLite   = "sqlite"
	SourcePostgres = "postgres"
	SourceS3       = "s3"
)

const (
	defaultAdminAddress   = ":19091"
	defaultReloadInterval = 30 * time.Second
	defaultEngine         = "expr"
	defaultLuaPoolSize    = 4
	defaultTable          = "behaviors"
	defaultServiceName    = "polis-intercept"
)

// Config holds the global configuration for the service.
type Config struct {
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Source    SourceConfig    `yaml:"source"`
}

// AdminConfig holds configuration for the admin HTTP server.
type AdminConfig struct {
	Address string     `yaml:"address"`
	TLS     *TLSConfig `yaml:"tls,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// ExecutorConfig selects and tunes the behavior engines.
type ExecutorConfig struct {
	DefaultEngine string        `yaml:"default_engine"`
	LuaPoolSize   int           `yaml:"lua_pool_size"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SourceConfig describes where behaviors are loaded from.
type SourceConfig struct {
	Kind string `yaml:"kind"`

	// file
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`

	// sqlite, postgres
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`

	// s3
	Bucket    string `yaml:"bucket"`
	Key       string `yaml:"key"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`

	ReloadInterval time.Duration `yaml:"reload_interval"`
	Enabled        *bool         `yaml:"enabled"`
}

// IsEnabled reports whether interception is switched on. Unset means enabled.
func (c SourceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Admin:     AdminConfig{Address: defaultAdminAddress},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: defaultServiceName},
		Executor:  ExecutorConfig{DefaultEngine: defaultEngine, LuaPoolSize: defaultLuaPoolSize},
		Source: SourceConfig{
			Kind:           SourceFile,
			Path:           "behaviors.yaml",
			Table:          defaultTable,
			ReloadInterval: defaultReloadInterval,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("INTERCEPT_ADMIN_ADDR"); val != "" {
		cfg.Admin.Address = val
	}

	if val := os.Getenv("INTERCEPT_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("INTERCEPT_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("INTERCEPT_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("INTERCEPT_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("INTERCEPT_DEFAULT_ENGINE"); val != "" {
		cfg.Executor.DefaultEngine = val
	}

	if val := os.Getenv("INTERCEPT_SOURCE_KIND"); val != "" {
		cfg.Source.Kind = val
	}
	if val := os.Getenv("INTERCEPT_SOURCE_PATH"); val != "" {
		cfg.Source.Path = val
	}
	if val := os.Getenv("INTERCEPT_SOURCE_DSN"); val != "" {
		cfg.Source.DSN = val
	}
	if val := os.Getenv("INTERCEPT_SOURCE_BUCKET"); val != "" {
		cfg.Source.Bucket = val
	}
	if val := os.Getenv("INTERCEPT_SOURCE_KEY"); val != "" {
		cfg.Source.Key = val
	}
	if val := os.Getenv("INTERCEPT_SOURCE_ENDPOINT"); val != "" {
		cfg.Source.Endpoint = val
	}
	if val := os.Getenv("INTERCEPT_RELOAD_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("INTERCEPT_RELOAD_INTERVAL: %w", err)
		}
		cfg.Source.ReloadInterval = d
	}
	if val := os.Getenv("INTERCEPT_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("INTERCEPT_ENABLED: %w", err)
		}
		cfg.Source.Enabled = &enabled
	}

	// TLS environment overrides
	if val := os.Getenv("INTERCEPT_TLS_CERT_FILE"); val != "" {
		if cfg.Admin.TLS == nil {
			cfg.Admin.TLS = &TLSConfig{}
		}
		cfg.Admin.TLS.Enabled = true
		cfg.Admin.TLS.CertFile = val
	}
	if val := os.Getenv("INTERCEPT_TLS_KEY_FILE"); val != "" {
		if cfg.Admin.TLS == nil {
			cfg.Admin.TLS = &TLSConfig{}
		}
		cfg.Admin.TLS.KeyFile = val
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("executor configuration: %w", err)
	}

	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source configuration: %w", err)
	}

	return nil
}

// Validate performs validation of admin server configuration
func (c *AdminConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = defaultAdminAddress
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = defaultServiceName
	}
	return nil
}

// Validate performs validation of executor configuration
func (c *ExecutorConfig) Validate() error {
	if strings.TrimSpace(c.DefaultEngine) == "" {
		c.DefaultEngine = defaultEngine
	}
	c.DefaultEngine = strings.ToLower(strings.TrimSpace(c.DefaultEngine))
	switch c.DefaultEngine {
	case "expr", "lua", "rego", "hcl", "func":
	default:
		return NewConfigValidationError("default_engine", c.DefaultEngine, "unknown engine").
			WithSuggestion("Use one of expr, lua, rego, hcl, func")
	}
	if c.LuaPoolSize <= 0 {
		c.LuaPoolSize = defaultLuaPoolSize
	}
	if c.Timeout < 0 {
		return NewConfigValidationError("timeout", c.Timeout, "must not be negative")
	}
	return nil
}

// Validate performs validation of the behavior source configuration
func (c *SourceConfig) Validate() error {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Kind == "" {
		c.Kind = SourceFile
	}
	if c.ReloadInterval < 0 {
		return NewConfigValidationError("reload_interval", c.ReloadInterval, "must not be negative")
	}
	if c.ReloadInterval == 0 {
		c.ReloadInterval = defaultReloadInterval
	}

	switch c.Kind {
	case SourceFile:
		if strings.TrimSpace(c.Path) == "" {
			return NewConfigMissingError("path").WithSuggestion("Point path at a .yaml, .json, .toml or .cbor behavior document")
		}
	case SourceSQLite, SourcePostgres:
		if strings.TrimSpace(c.DSN) == "" {
			return NewConfigMissingError("dsn")
		}
		if strings.TrimSpace(c.Table) == "" {
			c.Table = defaultTable
		}
	case SourceS3:
		if strings.TrimSpace(c.Bucket) == "" {
			return NewConfigMissingError("bucket")
		}
		if strings.TrimSpace(c.Key) == "" {
			return NewConfigMissingError("key")
		}
	default:
		return NewConfigValidationError("kind", c.Kind, "unknown source kind").
			WithSuggestion("Use one of file, sqlite, postgres, s3")
	}
	return nil
}
