package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds the configuration for the document service.
// Environment variables are parsed with the TRITEIA_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"3000"`

	// Storage
	DBDriver          string        `envconfig:"DB_DRIVER" default:"postgres"`
	PostgresDSN       string        `envconfig:"POSTGRES_DSN" default:""`
	SQLitePath        string        `envconfig:"SQLITE_PATH" default:"./data/triteia.db"`
	DBConnectionLimit int           `envconfig:"DB_CONNECTION_LIMIT" default:"10"`
	DBPartitioned     bool          `envconfig:"DB_PARTITIONED" default:"false"`
	RetryLimit        int           `envconfig:"RETRY_LIMIT" default:"5"`
	RetryDelay        time.Duration `envconfig:"RETRY_DELAY" default:"0"`
	QueryTimeout      time.Duration `envconfig:"QUERY_TIMEOUT" default:"30s"`

	// IncludeDeletedDefault makes reads return soft-deleted documents unless
	// the request says deleted=false.
	IncludeDeletedDefault bool `envconfig:"INCLUDE_DELETED_DEFAULT" default:"false"`

	// Notification sinks
	LogEvents           string        `envconfig:"LOG_EVENTS" default:""`
	AMQPHost            string        `envconfig:"AMQP_HOST" default:""`
	AMQPPort            int           `envconfig:"AMQP_PORT" default:"5671"`
	AMQPTransport       string        `envconfig:"AMQP_TRANSPORT" default:"tls"`
	AMQPUsername        string        `envconfig:"AMQP_USERNAME" default:""`
	AMQPPassword        string        `envconfig:"AMQP_PASSWORD" default:""`
	AMQPTargetPrefix    string        `envconfig:"AMQP_TARGET_PREFIX" default:"/topic/triteia."`
	AMQPMessageType     string        `envconfig:"AMQP_MESSAGE_TYPE" default:"json"`
	AMQPSenderLifetime  time.Duration `envconfig:"AMQP_SENDER_LIFETIME" default:"0"`
	AMQPSendTimeout     time.Duration `envconfig:"AMQP_SEND_TIMEOUT" default:"10s"`
	AMQPQueueSize       int           `envconfig:"AMQP_QUEUE_SIZE" default:"1024"`
	HealthInterval      time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	HealthProbeTimeout  time.Duration `envconfig:"HEALTH_PROBE_TIMEOUT" default:"2s"`
	ShutdownGracePeriod time.Duration `envconfig:"SHUTDOWN_GRACE_PERIOD" default:"10s"`
}

// ResolveDefaults validates the driver and sink settings.
func (c *Config) ResolveDefaults() error {
	switch c.DBDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for DB_DRIVER=%s", c.DBDriver)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for DB_DRIVER=%s", c.DBDriver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.DBPartitioned && c.DBDriver != DriverPostgres {
		return fmt.Errorf("DB_PARTITIONED requires DB_DRIVER=%s", DriverPostgres)
	}
	if c.DBConnectionLimit <= 0 {
		return fmt.Errorf("DB_CONNECTION_LIMIT must be positive, got %d", c.DBConnectionLimit)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("RETRY_LIMIT must not be negative, got %d", c.RetryLimit)
	}

	switch c.LogEvents {
	case "", "uri", "meta", "event", "full":
	default:
		return fmt.Errorf("unsupported LOG_EVENTS: %s", c.LogEvents)
	}
	switch c.AMQPMessageType {
	case "json", "amqp":
	default:
		return fmt.Errorf("invalid AMQP_MESSAGE_TYPE %q; supported: json, amqp", c.AMQPMessageType)
	}
	switch c.AMQPTransport {
	case "tcp", "tls", "ssl":
	default:
		return fmt.Errorf("unsupported AMQP_TRANSPORT: %s", c.AMQPTransport)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("unsupported LOG_LEVEL: %s", c.LogLevel)
	}
	return nil
}

// New creates a new Config by parsing environment variables
// prefixed with TRITEIA_, e.g. TRITEIA_DB_DRIVER, TRITEIA_HTTP_PORT.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("TRITEIA", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Bool("db_partitioned", cfg.DBPartitioned).
		Int("db_connection_limit", cfg.DBConnectionLimit).
		Int("port", cfg.HTTPPort).
		Int("retry_limit", cfg.RetryLimit).
		Bool("include_deleted_default", cfg.IncludeDeletedDefault).
		Str("postgres_dsn_present", func() string {
			if cfg.PostgresDSN != "" {
				return "true"
			}
			return "false"
		}()).
		Bool("amqp_enabled", cfg.AMQPEnabled()).
		Str("log_events", cfg.LogEvents).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates an in-memory config specifically for testing
func NewForTesting() *Config {
	return &Config{
		Environment:         EnvTesting,
		LogLevel:            "debug",
		HTTPPort:            3000,
		DBDriver:            DriverMemory,
		DBConnectionLimit:   1,
		RetryLimit:          5,
		QueryTimeout:        5 * time.Second,
		AMQPPort:            5671,
		AMQPTransport:       "tls",
		AMQPTargetPrefix:    "/topic/triteia.",
		AMQPMessageType:     "json",
		AMQPSendTimeout:     10 * time.Second,
		AMQPQueueSize:       16,
		HealthInterval:      50 * time.Millisecond,
		HealthProbeTimeout:  time.Second,
		ShutdownGracePeriod: time.Second,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// AMQPEnabled reports whether the broker sink is configured.
func (c *Config) AMQPEnabled() bool { return c.AMQPHost != "" }

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
