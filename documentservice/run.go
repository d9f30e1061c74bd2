// Package documentservice assembles and runs the document service.
package documentservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/triteia/triteia/internal/api"
	"github.com/triteia/triteia/internal/config"
	"github.com/triteia/triteia/internal/events"
	"github.com/triteia/triteia/internal/factory"
	"github.com/triteia/triteia/internal/health"
	"github.com/triteia/triteia/internal/logger"
	"github.com/triteia/triteia/internal/services"
	"github.com/triteia/triteia/internal/store"
)

const serviceName = "document-service"

// Run starts the document service HTTP server and blocks until shutdown or error.
func Run() error {
	log := logger.New(serviceName)

	cfg, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	// Create cancellable root context bound to SIGINT/SIGTERM
	ctx, stop := newServerContext()
	defer stop()

	ln, err := net.Listen("tcp", cfg.GetHTTPAddr())
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.GetHTTPAddr()).Msg("listen")
		return err
	}
	return Serve(ctx, cfg, log, ln)
}

// Serve runs the service on ln until ctx is cancelled or the server fails.
func Serve(ctx context.Context, cfg *config.Config, log zerolog.Logger, ln net.Listener) error {
	log.Info().
		Str("db_driver", cfg.DBDriver).
		Str("addr", ln.Addr().String()).
		Msg("Document service starting")

	backend, hub, err := initDependencies(ctx, cfg, log)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()
	defer closeHub(hub, cfg, log)

	svc := services.NewDocumentService(factory.NewExecutor(backend, cfg, log), hub, log)

	// Start health checkers and bind service health
	svcHealth := startHealthCheckers(ctx, cfg, log, backend)

	router := api.NewRouter(svc, svcHealth.Status, log, api.WithIncludeDeleted(cfg.IncludeDeletedDefault))

	// Block startup until dependencies report healthy; fail fast otherwise
	if err := waitUntilHealthy(ctx, cfg, svcHealth); err != nil {
		log.Error().Stack().Err(err).Msg("startup health check failed")
		_ = ln.Close()
		return err
	}

	server := newHTTPServer(ctx, router)
	errCh := serveHTTP(server, ln, log)

	// Graceful shutdown on context cancel or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error().Stack().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	case err := <-errCh:
		log.Error().Stack().Err(err).Msg("HTTP server failed")
		return err
	}
}

// initDependencies constructs the store and notification hub; fails fast on misconfiguration.
func initDependencies(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Backend, *events.Hub, error) {
	backend, err := factory.NewBackend(ctx, cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Store backend unavailable")
		return nil, nil, err
	}
	hub, err := factory.NewHub(cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Notification sinks misconfigured")
		_ = backend.Close()
		return nil, nil, err
	}
	return backend, hub, nil
}

func closeHub(hub *events.Hub, cfg *config.Config, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := hub.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("notification sinks did not shut down cleanly")
	}
}

// startHealthCheckers starts the store checker under the service-level aggregator.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, backend store.Backend) *health.ServiceChecker {
	storeChecker := store.NewHealthChecker(backend, log, cfg.HealthProbeTimeout)
	svcHealth := health.NewServiceChecker(log, storeChecker)
	go svcHealth.Start(ctx, cfg.HealthInterval)
	return svcHealth
}

func newHTTPServer(ctx context.Context, handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, ln net.Listener, log zerolog.Logger) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server starting")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// startupHealthTimeout is twice the health interval, at least 60 seconds.
func startupHealthTimeout(interval time.Duration) time.Duration {
	timeout := interval * 2
	if timeout < 60*time.Second {
		return 60 * time.Second
	}
	return timeout
}

// waitUntilHealthy blocks until service health is healthy or the startup window expires.
func waitUntilHealthy(ctx context.Context, cfg *config.Config, svcHealth *health.ServiceChecker) error {
	timeout := startupHealthTimeout(cfg.HealthInterval)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if svcHealth.IsHealthy() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup aborted: dependencies not healthy within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// newServerContext returns a cancellable context that is cancelled on SIGINT/SIGTERM.
func newServerContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
