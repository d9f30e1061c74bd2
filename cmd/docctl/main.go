package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/triteia/triteia/internal/config"
	"github.com/triteia/triteia/internal/events"
	"github.com/triteia/triteia/internal/factory"
	"github.com/triteia/triteia/internal/logger"
	"github.com/triteia/triteia/internal/services"
)

func main() {
	log := logger.NewWithWriter(os.Stderr, "docctl", zerolog.WarnLevel)
	root := newRootCmd(func(ctx context.Context) (*services.DocumentService, func(), error) {
		return openService(ctx, log)
	}, os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openService connects to the configured store. Commands run without
// notification sinks.
func openService(ctx context.Context, log zerolog.Logger) (*services.DocumentService, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	backend, err := factory.NewBackend(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	svc := services.NewDocumentService(factory.NewExecutor(backend, cfg, log), events.NewHub(log), log)
	return svc, func() { _ = backend.Close() }, nil
}
