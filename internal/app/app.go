// Package app builds the dependency graph shared by the binaries: result
// backend, job store, engine runner, processor, preview fetcher and HTTP
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dharsanguruparan/facescan/internal/config"
	"github.com/dharsanguruparan/facescan/internal/database"
	"github.com/dharsanguruparan/facescan/internal/logging"
	"github.com/dharsanguruparan/facescan/internal/matcher"
	"github.com/dharsanguruparan/facescan/internal/preview"
	"github.com/dharsanguruparan/facescan/internal/processing"
	"github.com/dharsanguruparan/facescan/internal/repository"
	"github.com/dharsanguruparan/facescan/internal/s3storage"
	"github.com/dharsanguruparan/facescan/internal/server"
	"github.com/dharsanguruparan/facescan/internal/signing"
	"github.com/dharsanguruparan/facescan/internal/storage"
)

// drainTimeout bounds how long shutdown waits for canceled runs to record
// their final state.
const drainTimeout = 10 * time.Second

// App is a fully wired service.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Jobs      *storage.JobStore
	Results   repository.ResultStore
	Runner    *matcher.Runner
	Processor *processing.Processor
	Signer    *signing.Signer
	Previews  *preview.Fetcher
	Server    *server.Server

	closers []func(context.Context) error
}

// NewRunner builds the engine runner from configuration.
func NewRunner(cfg *config.Config, logger *slog.Logger) *matcher.Runner {
	return &matcher.Runner{
		Command:    cfg.EngineCommand,
		Args:       cfg.EngineArgs,
		Timeout:    cfg.EngineTimeout,
		ScratchDir: cfg.ScratchDir,
		Threshold:  cfg.MatchThreshold,
		Logger:     logging.NewComponentLogger(logger, "matcher"),
	}
}

// New wires every component. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	results, closeResults, err := OpenResults(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Results = results
	a.closers = append(a.closers, closeResults)

	a.Jobs = storage.NewJobStore(cfg.JobTTL, storage.WithLogger(logging.NewComponentLogger(logger, "jobs")))
	a.Runner = NewRunner(cfg, logger)
	a.Processor = processing.New(a.Jobs, a.Results, a.Runner, processing.Options{
		MaxConcurrent: cfg.MaxConcurrentScans,
		Logger:        logging.NewComponentLogger(logger, "processing"),
	})
	a.Signer = signing.NewSigner(cfg.SessionSecret)

	a.Previews = &preview.Fetcher{
		Client:  &http.Client{},
		Timeout: cfg.PreviewTimeout,
		APIKey:  cfg.PreviewAPIKey,
		Logger:  logging.NewComponentLogger(logger, "preview"),
	}
	if cfg.PreviewCacheEnabled() {
		cache, err := s3storage.New(cfg)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		if err := cache.EnsureBucket(ctx); err != nil {
			// The cache is optional; previews still work without it.
			logger.Warn("preview cache disabled", logging.Error(err))
		} else {
			a.Previews.Cache = cache
		}
	}

	a.Server, err = server.New(server.Deps{
		Config:      cfg,
		Jobs:        a.Jobs,
		Results:     a.Results,
		Processor:   a.Processor,
		Signer:      a.Signer,
		Previews:    a.Previews,
		EngineCheck: a.Runner.Check,
		Logger:      logging.NewComponentLogger(logger, "http"),
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// OpenResults connects the configured result backend and returns it with its
// close function.
func OpenResults(ctx context.Context, cfg *config.Config) (repository.ResultStore, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.ResultBackend {
	case config.BackendMemory, "":
		return repository.NewMemoryStore(), noop, nil
	case config.BackendPostgres:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repository.NewPostgresStore(pool), func(context.Context) error { pool.Close(); return nil }, nil
	case config.BackendMongo:
		client, err := database.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewMongoStore(client.Database(cfg.MongoDatabase)), client.Disconnect, nil
	case config.BackendSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewSQLiteStore(db), func(context.Context) error { return db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown result backend %q", cfg.ResultBackend)
	}
}

// Run serves HTTP until ctx is canceled, then cancels in-flight scans and
// waits briefly for them to settle.
func (a *App) Run(ctx context.Context) error {
	if err := a.Runner.Check(); err != nil {
		a.Logger.Warn("matching engine unavailable; scans will fail until it is installed", logging.Error(err))
	}
	if err := a.Jobs.StartReaper(a.Config.ReapInterval); err != nil {
		return err
	}
	defer a.Jobs.StopReaper()

	runCtx, cancelRuns := context.WithCancel(ctx)
	defer cancelRuns()
	a.Processor.Start(runCtx)

	a.Logger.Info("facescan starting",
		"address", a.Config.Address,
		"result_backend", a.Config.ResultBackend,
		"job_ttl", a.Config.JobTTL,
		"max_concurrent_scans", a.Config.MaxConcurrentScans,
	)
	serveErr := a.Server.Serve(ctx)

	cancelRuns()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := a.Processor.Wait(drainCtx); err != nil {
		a.Logger.Warn("scans still running at shutdown", logging.Error(err))
	}
	return serveErr
}

// Close releases backend connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
