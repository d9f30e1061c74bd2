// Package factory builds the configured storage backend, executor and
// notification sinks.
package factory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/triteia/triteia/internal/config"
	"github.com/triteia/triteia/internal/events"
	amqpsink "github.com/triteia/triteia/internal/events/amqp"
	"github.com/triteia/triteia/internal/events/logsink"
	"github.com/triteia/triteia/internal/store"
	"github.com/triteia/triteia/internal/store/memory"
	"github.com/triteia/triteia/internal/store/postgres"
	"github.com/triteia/triteia/internal/store/sqlite"
	"github.com/triteia/triteia/internal/txn"
)

// NewBackend opens the backend selected by cfg.DBDriver.
func NewBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("TRITEIA_POSTGRES_DSN is required when DB_DRIVER=postgres")
		}
		db, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.DBConnectionLimit)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Debug().Bool("partitioned", cfg.DBPartitioned).Msg("postgres pool opened")
		return postgres.New(db, postgres.Options{Partitioned: cfg.DBPartitioned}), nil
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.DBConnectionLimit)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		log.Debug().Str("path", cfg.SQLitePath).Msg("sqlite database opened")
		return sqlite.New(db, sqlite.Options{}), nil
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store; data is lost on exit")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER: %s", cfg.DBDriver)
}

// NewExecutor wraps backend with the configured retry policy.
func NewExecutor(backend store.Backend, cfg *config.Config, log zerolog.Logger) *txn.Executor {
	opts := []txn.Option{
		txn.WithRetryLimit(cfg.RetryLimit),
		txn.WithTimeout(cfg.QueryTimeout),
		txn.WithLogger(log),
	}
	if cfg.RetryDelay > 0 {
		opts = append(opts, txn.WithRetryDelay(cfg.RetryDelay))
	}
	return txn.New(backend, opts...)
}

// NewHub returns a hub with the configured sinks subscribed. The broker sink
// connects lazily, so an unreachable broker does not block startup.
func NewHub(cfg *config.Config, log zerolog.Logger) (*events.Hub, error) {
	return newHub(cfg, log, amqpsink.GoAMQPDialer(brokerConfig(cfg)))
}

func newHub(cfg *config.Config, log zerolog.Logger, dial amqpsink.Dialer) (*events.Hub, error) {
	hub := events.NewHub(log)
	if cfg.LogEvents != "" {
		level, err := logsink.ParseLevel(cfg.LogEvents)
		if err != nil {
			return nil, err
		}
		logsink.New(log, level).Subscribe(hub)
		log.Info().Str("level", string(level)).Msg("event log sink enabled")
	}
	if cfg.AMQPEnabled() {
		pub, err := amqpsink.New(amqpsink.Config{
			TargetPrefix:   cfg.AMQPTargetPrefix,
			MessageType:    cfg.AMQPMessageType,
			SenderLifetime: cfg.AMQPSenderLifetime,
			SendTimeout:    cfg.AMQPSendTimeout,
			QueueSize:      cfg.AMQPQueueSize,
		}, dial, log)
		if err != nil {
			return nil, err
		}
		pub.Subscribe(hub)
		log.Info().Str("url", brokerConfig(cfg).URL()).Msg("amqp sink enabled")
	}
	return hub, nil
}

func brokerConfig(cfg *config.Config) amqpsink.BrokerConfig {
	transport := cfg.AMQPTransport
	if transport == "ssl" {
		transport = "tls"
	}
	return amqpsink.BrokerConfig{
		Host:      cfg.AMQPHost,
		Port:      cfg.AMQPPort,
		Transport: transport,
		Username:  cfg.AMQPUsername,
		Password:  cfg.AMQPPassword,
	}
}
