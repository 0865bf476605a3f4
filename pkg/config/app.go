package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/g8r/g8r/pkg/engine"
	"github.com/g8r/g8r/pkg/stores"
	"github.com/g8r/g8r/pkg/telemetry"
)

// Config is the g8r application configuration, usually read from g8r.yaml.
type Config struct {
	Store     stores.Config    `yaml:"store"`
	Engine    EngineConfig     `yaml:"engine"`
	Stacks    StacksConfig     `yaml:"stacks"`
	Redis     RedisConfig      `yaml:"redis"`
	S3        S3Config         `yaml:"s3"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// EngineConfig configures duty execution.
type EngineConfig struct {
	// Concurrency bounds the number of (duty, roster) executions running at once in a pass.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=256"`

	Retry engine.RetryPolicy `yaml:"retry"`

	// StaleExecutionAfter is how long an execution may stay running before it is
	// considered abandoned on startup.
	StaleExecutionAfter time.Duration `yaml:"stale_execution_after" validate:"min=0"`
}

// StacksConfig configures pull-based sources.
type StacksConfig struct {
	// DefaultInterval applies to stacks declared without an interval.
	DefaultInterval time.Duration `yaml:"default_interval" validate:"required"`

	// WorkDir holds git checkouts.
	WorkDir string `yaml:"work_dir" validate:"required"`
}

// RedisConfig configures the redis streams queue transport.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// S3Config configures the S3-compatible stack source.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Store: stores.Config{
			Driver: "sqlite",
			DSN:    "g8r.db",
		},
		Engine: EngineConfig{
			Concurrency:         4,
			Retry:               engine.DefaultRetryPolicy(),
			StaleExecutionAfter: 30 * time.Minute,
		},
		Stacks: StacksConfig{
			DefaultInterval: 5 * time.Minute,
			WorkDir:         ".g8r/stacks",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		S3: S3Config{
			Endpoint: "s3.amazonaws.com",
			UseSSL:   true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides and validates the result. A missing file is not an
// error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if data, err := os.ReadFile("g8r.yaml"); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config g8r.yaml: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config g8r.yaml: %w", err)
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("G8R_STORE_DRIVER"); ok && v != "" {
		c.Store.Driver = v
	}
	if v, ok := lookup("G8R_STORE_DSN"); ok && v != "" {
		c.Store.DSN = v
	}
	if v, ok := lookup("G8R_REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("G8R_S3_ACCESS_KEY"); ok && v != "" {
		c.S3.AccessKey = v
	}
	if v, ok := lookup("G8R_S3_SECRET_KEY"); ok && v != "" {
		c.S3.SecretKey = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Telemetry.Logging.Level = v
	}
}

// Validate checks struct constraints and the telemetry settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("invalid configuration: store dsn is required")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
