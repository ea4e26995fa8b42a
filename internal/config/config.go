// Package config provides configuration management for the APEX ATT&CK service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ilminate/apex-attack/internal/api/gateway"
	"github.com/ilminate/apex-attack/internal/observability"
)

// Catalog sources.
const (
	CatalogSourceStatic = "static"
	CatalogSourceFile   = "file"
	CatalogSourceS3     = "s3"
)

// Validation errors.
var (
	ErrInvalidScanLimit     = errors.New("dynamodb scan_limit must be positive")
	ErrInvalidDays          = errors.New("attack default_days must be within [1, max_days]")
	ErrInvalidCatalogSource = errors.New("unknown catalog source")
	ErrMissingCatalogObject = errors.New("catalog s3 source requires s3_bucket and s3_key")
	ErrMissingCatalogPath   = errors.New("catalog file source requires path")
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	DynamoDB  DynamoDBConfig          `yaml:"dynamodb"`
	Catalog   CatalogConfig           `yaml:"catalog"`
	Attack    AttackConfig            `yaml:"attack"`
	Tenants   TenantsConfig           `yaml:"tenants"`
	Redis     RedisConfig             `yaml:"redis"`
	RateLimit gateway.RateLimitConfig `yaml:"rate_limit"`
	Telemetry observability.Config    `yaml:"telemetry"`
	Mapper    MapperConfig            `yaml:"mapper"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DynamoDBConfig holds event table settings.
type DynamoDBConfig struct {
	Region       string `yaml:"region"`
	EventsTable  string `yaml:"events_table"`
	Endpoint     string `yaml:"endpoint"` // local DynamoDB, empty for AWS
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	ScanLimit    int    `yaml:"scan_limit"`
}

// CatalogConfig selects where technique metadata is loaded from.
type CatalogConfig struct {
	Source   string `yaml:"source"` // static, file, s3
	Path     string `yaml:"path"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Key    string `yaml:"s3_key"`
	S3Region string `yaml:"s3_region"`
}

// AttackConfig holds layer presentation settings.
type AttackConfig struct {
	DefaultDays    int      `yaml:"default_days"`
	MaxDays        int      `yaml:"max_days"`
	LayerTitle     string   `yaml:"layer_title"`
	GradientColors []string `yaml:"gradient_colors"`
	TopLimit       int      `yaml:"top_limit"`
	DrillDownLimit int      `yaml:"drill_down_limit"`
}

// TenantsConfig points at the tenant registry file.
type TenantsConfig struct {
	Path        string `yaml:"path"`
	DefaultTier string `yaml:"default_tier"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// MapperConfig holds text-to-technique mapper settings.
type MapperConfig struct {
	RulesPath string `yaml:"rules_path"` // empty uses the built-in starter rules
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		DynamoDB: DynamoDBConfig{
			Region:       "us-east-2",
			EventsTable:  "ilminate-apex-events",
			AccessKeyEnv: "DYNAMODB_ACCESS_KEY_ID",
			SecretKeyEnv: "DYNAMODB_SECRET_ACCESS_KEY",
			ScanLimit:    10000,
		},
		Catalog: CatalogConfig{
			Source: CatalogSourceStatic,
		},
		Attack: AttackConfig{
			DefaultDays:    30,
			MaxDays:        365,
			LayerTitle:     "Techniques Observed",
			GradientColors: []string{"#e4f1ff", "#005bbb"},
			TopLimit:       10,
			DrillDownLimit: 1000,
		},
		Tenants: TenantsConfig{
			DefaultTier: "basic",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		RateLimit: gateway.RateLimitConfig{
			Enabled:        true,
			DefaultTier:    "basic",
			Tiers:          gateway.DefaultTiers(),
			Endpoints:      gateway.DefaultEndpointLimits(),
			IncludeHeaders: true,
		},
		Telemetry: observability.Config{
			ServiceName:    "apex-attack",
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DynamoDB.ScanLimit <= 0 {
		return ErrInvalidScanLimit
	}
	if c.Attack.DefaultDays < 1 || c.Attack.DefaultDays > c.Attack.MaxDays {
		return fmt.Errorf("%w: default_days=%d max_days=%d", ErrInvalidDays, c.Attack.DefaultDays, c.Attack.MaxDays)
	}

	switch c.Catalog.Source {
	case CatalogSourceStatic:
	case CatalogSourceFile:
		if c.Catalog.Path == "" {
			return ErrMissingCatalogPath
		}
	case CatalogSourceS3:
		if c.Catalog.S3Bucket == "" || c.Catalog.S3Key == "" {
			return ErrMissingCatalogObject
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCatalogSource, c.Catalog.Source)
	}

	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
