// Package processing runs submitted scans in the background. Each job gets
// its own goroutine; the job store is the only state shared with the HTTP
// layer.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/dharsanguruparan/facescan/internal/classify"
	"github.com/dharsanguruparan/facescan/internal/logging"
	"github.com/dharsanguruparan/facescan/internal/matcher"
	"github.com/dharsanguruparan/facescan/internal/model"
	"github.com/dharsanguruparan/facescan/internal/progress"
	"github.com/dharsanguruparan/facescan/internal/repository"
	"github.com/dharsanguruparan/facescan/internal/storage"
)

// Engine runs one matching pass. *matcher.Runner implements it.
type Engine interface {
	Run(ctx context.Context, req matcher.Request, onEvent func(progress.Event)) (*matcher.Result, error)
}

// Options tune a Processor.
type Options struct {
	// MaxConcurrent bounds simultaneous engine runs. Zero means unbounded.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Processor turns submissions into background engine runs.
type Processor struct {
	jobs    *storage.JobStore
	results repository.ResultStore
	engine  Engine
	sem     *semaphore.Weighted
	logger  *slog.Logger

	mu   sync.Mutex
	base context.Context
	wg   sync.WaitGroup
}

// New builds a Processor.
func New(jobs *storage.JobStore, results repository.ResultStore, engine Engine, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Processor{
		jobs:    jobs,
		results: results,
		engine:  engine,
		logger:  logger,
		base:    context.Background(),
	}
	if opts.MaxConcurrent > 0 {
		p.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	} else {
		logger.Warn("scan concurrency is unbounded; set max_concurrent_scans to limit engine processes")
	}
	return p
}

// Start sets the context every run derives from. Canceling it stops all
// in-flight runs.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()
}

// Submit registers a queued job and starts its run. The returned snapshot is
// safe to hand to the caller.
func (p *Processor) Submit(ownerID, folderRef string, input *model.ScanInput) model.ScanJob {
	p.mu.Lock()
	base := p.base
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(base)
	job := p.jobs.Create(ownerID, folderRef, input, cancel)
	p.logger.Info("scan queued", "job_id", job.ID, "folder", folderRef)

	p.wg.Add(1)
	go p.run(ctx, cancel, job.ID, ownerID, folderRef)
	return job
}

// Wait blocks until every run has finished or ctx ends.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) run(ctx context.Context, cancel context.CancelFunc, jobID, ownerID, folderRef string) {
	defer p.wg.Done()
	defer cancel()
	logger := p.logger.With("job_id", jobID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("scan panicked", "panic", fmt.Sprint(r))
			p.fail(logger, jobID, classify.Generic)
		}
	}()

	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.fail(logger, jobID, classify.Canceled)
			return
		}
		defer p.sem.Release(1)
	}

	input, err := p.jobs.Start(jobID)
	if err != nil {
		// Evicted or already failed while queued.
		logger.Debug("scan not started", logging.Error(err))
		return
	}
	defer input.Wipe()
	if ctx.Err() != nil {
		p.fail(logger, jobID, classify.Canceled)
		return
	}
	logger.Info("scan started")

	res, err := p.engine.Run(ctx, matcher.Request{
		FolderID:  input.FolderID,
		Image:     input.Image,
		ImageName: input.ImageName,
	}, func(ev progress.Event) {
		p.jobs.ApplyProgress(jobID, ev)
	})
	if err != nil {
		logger.Warn("scan failed", logging.Error(err))
		p.fail(logger, jobID, FailureMessage(err))
		return
	}
	if res.TotalListed == 0 {
		p.fail(logger, jobID, classify.NoImages)
		return
	}

	saved, err := repository.Persist(ctx, p.results, ownerID, folderRef, res)
	if err != nil {
		logger.Error("persist result failed", logging.Error(err))
		if ctx.Err() != nil {
			p.fail(logger, jobID, classify.Canceled)
			return
		}
		p.fail(logger, jobID, classify.PersistFailed)
		return
	}

	err = p.jobs.Complete(jobID, saved.ID, storage.Final{
		Listed:         res.TotalListed,
		Scanned:        res.TotalScanned,
		DownloadErrors: res.DownloadErrors,
		Matched:        len(saved.Matches),
		Warnings:       res.Warnings,
	})
	if err != nil {
		logger.Warn("complete scan", "result_id", saved.ID, logging.Error(err))
		return
	}
	logger.Info("scan completed", "result_id", saved.ID, "matches", len(saved.Matches))
}

func (p *Processor) fail(logger *slog.Logger, jobID, message string) {
	if err := p.jobs.Fail(jobID, message); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("mark scan failed", logging.Error(err))
	}
}

// FailureMessage maps a run error to the text shown to the guest.
func FailureMessage(err error) string {
	var exitErr *matcher.ExitError
	switch {
	case err == nil:
		return classify.Generic
	case errors.Is(err, matcher.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return classify.Timeout
	case errors.Is(err, matcher.ErrCanceled), errors.Is(err, context.Canceled):
		return classify.Canceled
	case errors.Is(err, matcher.ErrInvalidOutput):
		return classify.InvalidOutput
	case errors.Is(err, matcher.ErrEmptyImage):
		return classify.Undecodable
	case errors.As(err, &exitErr):
		return classify.Message(exitErr.Detail)
	default:
		return classify.Generic
	}
}
