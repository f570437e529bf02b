// Package main is the entry point for the facescan API server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/facescan/internal/app"
	"github.com/dharsanguruparan/facescan/internal/config"
	"github.com/dharsanguruparan/facescan/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	// Cancel on SIGINT/SIGTERM; in-flight scans are canceled with it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init app", logging.Error(err))
		os.Exit(1)
	}
	defer a.Close(context.Background())

	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped", logging.Error(err))
		_ = a.Close(context.Background())
		os.Exit(1)
	}
}
