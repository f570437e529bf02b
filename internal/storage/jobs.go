// Package storage holds the volatile, in-memory registry of scan jobs. Jobs
// live here from submission until the reaper evicts them by age; the durable
// results they produce are stored elsewhere (package repository).
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dharsanguruparan/facescan/internal/logging"
	"github.com/dharsanguruparan/facescan/internal/model"
	"github.com/dharsanguruparan/facescan/internal/progress"
)

var (
	// ErrNotFound covers both missing jobs and jobs owned by someone else so
	// callers cannot probe for other guests' job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a transition is not allowed from
	// the job's current status.
	ErrInvalidTransition = errors.New("invalid job transition")
)

const defaultFailure = "Scan failed."

// Final carries the engine's authoritative counts at the end of a run.
type Final struct {
	Listed         int
	Scanned        int
	DownloadErrors int
	Matched        int
	Warnings       []string
}

type entry struct {
	job      model.ScanJob
	counters progress.Counters
	input    *model.ScanInput
	cancel   context.CancelFunc
}

// JobStore is a mutex-guarded map of jobs. Every job is mutated only through
// the transition methods below; reads return copies.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]*entry
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	reaperMu sync.Mutex
	reaper   *cron.Cron
}

// Option customizes a JobStore.
type Option func(*JobStore)

// WithClock overrides the time source. Tests use it to age jobs.
func WithClock(now func() time.Time) Option {
	return func(s *JobStore) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *JobStore) { s.logger = logger }
}

// NewJobStore constructs a JobStore whose reaper evicts jobs idle for ttl.
func NewJobStore(ttl time.Duration, opts ...Option) *JobStore {
	s := &JobStore{
		jobs:   make(map[string]*entry),
		ttl:    ttl,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a queued job and returns a snapshot of it. cancel is
// invoked if the job is canceled or evicted before it finishes.
func (s *JobStore) Create(ownerID, folderRef string, input *model.ScanInput, cancel context.CancelFunc) model.ScanJob {
	now := s.now().UTC()
	e := &entry{
		job: model.ScanJob{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			FolderRef: folderRef,
			Status:    model.StatusQueued,
			Stage:     model.StageQueued,
			Warnings:  []string{},
			CreatedAt: now,
			UpdatedAt: now,
		},
		input:  input,
		cancel: cancel,
	}
	s.mu.Lock()
	s.jobs[e.job.ID] = e
	s.mu.Unlock()
	return snapshot(e)
}

// Start moves a queued job to running, resets its progress and hands the
// sensitive input over to the caller, which becomes responsible for wiping it.
func (s *JobStore) Start(id string) (*model.ScanInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.job.Status != model.StatusQueued {
		return nil, ErrInvalidTransition
	}
	e.counters = progress.Counters{Stage: model.StageStarting}
	e.job.Status = model.StatusRunning
	s.syncCounters(e)
	input := e.input
	e.input = nil
	return input, nil
}

// ApplyProgress folds a progress event into a running job. It reports false
// when the event was ignored, which is always the case once the job is
// terminal.
func (s *JobStore) ApplyProgress(id string, ev progress.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || e.job.Status != model.StatusRunning || !ev.Valid {
		return false
	}
	e.counters = e.counters.Apply(ev)
	if ev.Warning != "" {
		e.job.Warnings = model.AppendWarning(e.job.Warnings, ev.Warning)
	}
	s.syncCounters(e)
	return true
}

// Complete finishes a running job with a persisted result. Counters are
// reconciled against the engine's final numbers.
func (s *JobStore) Complete(id, resultRef string, final Final) error {
	if resultRef == "" {
		return ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if e.job.Status != model.StatusRunning {
		return ErrInvalidTransition
	}
	c := e.counters
	c.Listed = final.Listed
	c.Processed = final.Scanned
	c.Completed = final.Scanned + final.DownloadErrors
	c.Matched = final.Matched
	if c.Listed > 0 {
		c.Percent = max(c.Percent, progress.Clamp(float64(c.Completed)/float64(c.Listed)*100))
	} else {
		c.Percent = 100
	}
	c.Stage = model.StageCompleted
	e.counters = c
	for _, w := range final.Warnings {
		e.job.Warnings = model.AppendWarning(e.job.Warnings, w)
	}
	e.job.Status = model.StatusCompleted
	e.job.ResultRef = resultRef
	e.job.ErrorMessage = ""
	e.cancel = nil
	s.syncCounters(e)
	return nil
}

// Fail moves a queued or running job to failed with a user-facing message.
func (s *JobStore) Fail(id, message string) error {
	if message == "" {
		message = defaultFailure
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if e.job.Status.Terminal() {
		return ErrInvalidTransition
	}
	e.job.Status = model.StatusFailed
	e.job.ErrorMessage = message
	e.job.ResultRef = ""
	e.counters.Stage = model.StageFailed
	e.input.Wipe()
	e.input = nil
	e.cancel = nil
	s.syncCounters(e)
	return nil
}

// Get returns a copy of the job if ownerID owns it.
func (s *JobStore) Get(ownerID, id string) (model.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok || e.job.OwnerID != ownerID {
		return model.ScanJob{}, ErrNotFound
	}
	return snapshot(e), nil
}

// Cancel asks the job's run to stop. The run itself records the terminal
// state. Canceling a terminal job is a no-op.
func (s *JobStore) Cancel(ownerID, id string) error {
	s.mu.RLock()
	e, ok := s.jobs[id]
	if !ok || e.job.OwnerID != ownerID {
		s.mu.RUnlock()
		return ErrNotFound
	}
	cancel := e.cancel
	terminal := e.job.Status.Terminal()
	s.mu.RUnlock()
	if !terminal && cancel != nil {
		cancel()
	}
	return nil
}

// Sweep evicts every job whose last update is older than the TTL, whatever
// its status. Evicting an unfinished job also cancels its run so the engine
// process does not outlive its bookkeeping.
func (s *JobStore) Sweep() int {
	cutoff := s.now().UTC().Add(-s.ttl)
	var cancels []context.CancelFunc

	s.mu.Lock()
	evicted := 0
	for id, e := range s.jobs {
		if !e.job.UpdatedAt.Before(cutoff) {
			continue
		}
		if !e.job.Status.Terminal() && e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
		e.input.Wipe()
		delete(s.jobs, id)
		evicted++
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return evicted
}

// StartReaper schedules Sweep every interval. Calling it twice is an error.
func (s *JobStore) StartReaper(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", interval)
	}
	s.reaperMu.Lock()
	defer s.reaperMu.Unlock()
	if s.reaper != nil {
		return errors.New("reaper already running")
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+interval.String(), func() {
		if n := s.Sweep(); n > 0 {
			s.logger.Info("evicted expired jobs", "count", n, "remaining", s.Len())
		}
	}); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	c.Start()
	s.reaper = c
	s.logger.Debug("job reaper started", "interval", interval, "ttl", s.ttl)
	return nil
}

// StopReaper stops the reaper and waits for a running sweep to finish.
func (s *JobStore) StopReaper() {
	s.reaperMu.Lock()
	c := s.reaper
	s.reaper = nil
	s.reaperMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Stats counts jobs by status.
func (s *JobStore) Stats() map[model.JobStatus]int {
	out := map[model.JobStatus]int{
		model.StatusQueued:    0,
		model.StatusRunning:   0,
		model.StatusCompleted: 0,
		model.StatusFailed:    0,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.jobs {
		out[e.job.Status]++
	}
	return out
}

// Len returns the number of tracked jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// syncCounters copies live counters onto the job and bumps UpdatedAt. Caller
// holds the write lock.
func (s *JobStore) syncCounters(e *entry) {
	e.job.Stage = e.counters.Stage
	e.job.ProgressPercent = e.counters.Percent
	e.job.TotalFilesListed = e.counters.Listed
	e.job.CompletedItems = e.counters.Completed
	e.job.ProcessedItems = e.counters.Processed
	e.job.MatchedCount = e.counters.Matched
	e.job.UpdatedAt = s.now().UTC()
}

func snapshot(e *entry) model.ScanJob {
	// A shallow copy would share the warnings backing array with the store.
	job := e.job
	job.Warnings = append([]string(nil), e.job.Warnings...)
	if job.Warnings == nil {
		job.Warnings = []string{}
	}
	return job
}
