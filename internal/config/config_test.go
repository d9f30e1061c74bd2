package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfigLoad_Defaults(t *testing.T) {
	t.Setenv("TRITEIA_DB_DRIVER", "memory")

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.HTTPPort != 3000 || cfg.RetryLimit != 5 || cfg.DBConnectionLimit != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.QueryTimeout != 30*time.Second || cfg.RetryDelay != 0 {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.AMQPTargetPrefix != "/topic/triteia." || cfg.AMQPMessageType != "json" || cfg.AMQPEnabled() {
		t.Fatalf("unexpected amqp defaults: %+v", cfg)
	}
	if cfg.IncludeDeletedDefault {
		t.Fatalf("deleted documents are hidden by default")
	}
	if cfg.GetHTTPAddr() != ":3000" {
		t.Fatalf("http addr = %s", cfg.GetHTTPAddr())
	}
}

func TestConfigLoad_EnvOverride(t *testing.T) {
	t.Setenv("TRITEIA_DB_DRIVER", "postgres")
	t.Setenv("TRITEIA_POSTGRES_DSN", "postgres://u:p@localhost:5432/db")
	t.Setenv("TRITEIA_DB_PARTITIONED", "true")
	t.Setenv("TRITEIA_RETRY_DELAY", "250ms")
	t.Setenv("TRITEIA_AMQP_HOST", "broker")
	t.Setenv("TRITEIA_AMQP_SENDER_LIFETIME", "5m")
	t.Setenv("TRITEIA_INCLUDE_DELETED_DEFAULT", "true")

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if !cfg.DBPartitioned || cfg.RetryDelay != 250*time.Millisecond {
		t.Fatalf("env override failed: %+v", cfg)
	}
	if !cfg.AMQPEnabled() || cfg.AMQPSenderLifetime != 5*time.Minute {
		t.Fatalf("amqp override failed: %+v", cfg)
	}
	if !cfg.IncludeDeletedDefault {
		t.Fatalf("include deleted override failed: %+v", cfg)
	}
}

func TestResolveDefaults_Rejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown driver":        func(c *Config) { c.DBDriver = "mysql" },
		"postgres without dsn":  func(c *Config) { c.DBDriver = DriverPostgres },
		"partitioned sqlite":    func(c *Config) { c.DBDriver = DriverSQLite; c.SQLitePath = "x.db"; c.DBPartitioned = true },
		"zero pool":             func(c *Config) { c.DBConnectionLimit = 0 },
		"negative retries":      func(c *Config) { c.RetryLimit = -1 },
		"log events level":      func(c *Config) { c.LogEvents = "verbose" },
		"amqp message type":     func(c *Config) { c.AMQPMessageType = "xml" },
		"amqp transport":        func(c *Config) { c.AMQPTransport = "udp" },
		"log level":             func(c *Config) { c.LogLevel = "loud" },
		"sqlite without a path": func(c *Config) { c.DBDriver = DriverSQLite; c.SQLitePath = "" },
	}
	for name, mutate := range cases {
		cfg := NewForTesting()
		mutate(cfg)
		if err := cfg.ResolveDefaults(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestNewForTesting(t *testing.T) {
	cfg := NewForTesting()
	if err := cfg.ResolveDefaults(); err != nil {
		t.Fatalf("testing config invalid: %v", err)
	}
	if !cfg.IsTesting() || cfg.IsProduction() || cfg.DBDriver != DriverMemory {
		t.Fatalf("unexpected testing config: %+v", cfg)
	}
}

func TestNew_ErrorMentionsVariable(t *testing.T) {
	t.Setenv("TRITEIA_DB_DRIVER", "oracle")
	_, err := New()
	if err == nil || !strings.Contains(err.Error(), "DB_DRIVER") {
		t.Fatalf("expected DB_DRIVER error, got %v", err)
	}
}
