// Package scraper runs the background worker pool that executes queued
// scrape jobs: extraction, artifact storage, export finalization and
// usage metering.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/billing"
	"github.com/gramharvest/scraper-api/internal/extractor"
	"github.com/gramharvest/scraper-api/internal/job"
	"github.com/gramharvest/scraper-api/internal/metrics"
	"github.com/gramharvest/scraper-api/internal/storage"
)

// task is one queued unit of work. The API key travels with the job so
// metering charges the submitting account.
type task struct {
	jobID  string
	apiKey string
}

// Config holds worker pool settings.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns the default pool settings.
func DefaultConfig() Config {
	return Config{Workers: 5, QueueSize: 100}
}

// Service is the scrape orchestrator. Jobs enter through Enqueue and
// are processed by a fixed pool of workers until Stop.
type Service struct {
	registry  *job.Registry
	store     *storage.Manager
	recorder  *billing.Recorder
	extractor extractor.Extractor
	metrics   *metrics.Metrics
	log       *zap.Logger

	queue   chan task
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewService wires the orchestrator. metrics may be nil in tests.
func NewService(registry *job.Registry, store *storage.Manager, recorder *billing.Recorder, ext extractor.Extractor, m *metrics.Metrics, cfg Config, log *zap.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry:  registry,
		store:     store,
		recorder:  recorder,
		extractor: ext,
		metrics:   m,
		log:       log.Named("scraper"),
		queue:     make(chan task, cfg.QueueSize),
		workers:   cfg.Workers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker goroutines.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scraper service is already running")
	}
	s.running = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.log.Info("scraper service started", zap.Int("workers", s.workers))
	return nil
}

// Stop shuts the pool down and waits for in-flight jobs to finish or
// observe cancellation.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.cancel()
	close(s.queue)

	s.wg.Wait()
	s.log.Info("scraper service stopped")
	return nil
}

// Enqueue schedules a queued job for processing.
func (s *Service) Enqueue(jobID, apiKey string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return fmt.Errorf("scraper service is not running")
	}

	select {
	case s.queue <- task{jobID: jobID, apiKey: apiKey}:
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.log.Debug("worker started", zap.Int("worker", id))
	for {
		select {
		case t, ok := <-s.queue:
			if !ok {
				s.log.Debug("worker shutting down", zap.Int("worker", id))
				return
			}
			s.processJob(t)
		case <-s.ctx.Done():
			s.log.Debug("worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// processJob drives one job from queued to a terminal status. No lock
// is held across extraction or storage calls; the registry is consulted
// through its own operations.
func (s *Service) processJob(t task) {
	j, ok := s.registry.Get(t.jobID)
	if !ok {
		s.log.Warn("queued job no longer exists", zap.String("job_id", t.jobID))
		return
	}
	if j.Status != job.StatusQueued {
		s.log.Info("skipping job not in queued status",
			zap.String("job_id", t.jobID),
			zap.String("status", string(j.Status)))
		return
	}

	s.registry.UpdateStatus(t.jobID, job.StatusRunning, "")

	jobCtx, cancelJob := context.WithCancel(s.ctx)
	defer cancelJob()

	opts := extractor.Options{
		ScrapeType:      j.ScrapeType,
		IncludeComments: j.IncludeComments,
		IncludeMedia:    j.IncludeMedia,
	}

	failed := 0
	results, err := s.extractor.ExtractBatch(jobCtx, j.URLs, opts, func(completed, total int) {
		s.registry.UpdateProgress(t.jobID, completed, total, failed)
		if cur, ok := s.registry.Get(t.jobID); ok && cur.Status == job.StatusCancelled {
			cancelJob()
		}
	})

	saved := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			continue
		}
		if saveErr := s.store.SaveResult(t.jobID, res.Item); saveErr != nil {
			s.log.Error("failed to persist item",
				zap.String("job_id", t.jobID),
				zap.String("target", res.Target),
				zap.Error(saveErr))
			failed++
			continue
		}
		saved++
	}
	// Completed counts only persisted items, so completed+failed never
	// exceeds the target count.
	s.registry.UpdateProgress(t.jobID, saved, len(j.URLs), failed)

	cancelled := false
	if cur, ok := s.registry.Get(t.jobID); ok && cur.Status == job.StatusCancelled {
		cancelled = true
	}
	if err != nil && !cancelled {
		if errors.Is(err, context.Canceled) {
			// Service shutdown, not a user cancel. Leave the partial
			// artifacts for the next run and stop here.
			s.finish(t.jobID, job.StatusFailed, "interrupted by shutdown", saved)
			return
		}
		s.finish(t.jobID, job.StatusFailed, err.Error(), saved)
		return
	}

	if _, expErr := s.store.FinalizeExport(t.jobID); expErr != nil {
		if cancelled {
			s.log.Warn("export failed for cancelled job",
				zap.String("job_id", t.jobID), zap.Error(expErr))
		} else {
			s.finish(t.jobID, job.StatusFailed, fmt.Sprintf("export failed: %v", expErr), saved)
			return
		}
	}

	billingErr := s.meter(t)

	switch {
	case cancelled:
		// Status was already set by the cancel request; keep it.
		s.finish(t.jobID, job.StatusCancelled, billingErrText(billingErr), saved)
	case billingErr != nil:
		// The scrape itself succeeded; surface the billing problem on
		// the completed job rather than discarding the work.
		s.finish(t.jobID, job.StatusCompleted, billingErrText(billingErr), saved)
	case saved == 0 && len(j.URLs) > 0:
		s.finish(t.jobID, job.StatusFailed, "all targets failed", saved)
	default:
		s.finish(t.jobID, job.StatusCompleted, "", saved)
	}
}

// meter records the job's persisted output against the owning account.
func (s *Service) meter(t task) error {
	j, ok := s.registry.Get(t.jobID)
	if !ok {
		return nil
	}

	numPosts := s.store.ResultCount(t.jobID)
	if numPosts == 0 {
		return nil
	}

	rec, err := s.recorder.RecordUsage(t.apiKey, t.jobID, numPosts, j.IncludeComments, j.IncludeMedia, s.store.JobSizeMB(t.jobID))
	if err != nil {
		s.log.Error("usage metering failed",
			zap.String("job_id", t.jobID),
			zap.Error(err))
		return err
	}

	if s.metrics != nil {
		s.metrics.PostsScraped(numPosts)
		s.metrics.RevenueRecorded(rec.CostUSD)
	}
	return nil
}

func (s *Service) finish(jobID string, status job.Status, errMsg string, saved int) {
	s.registry.UpdateStatus(jobID, status, errMsg)
	if s.metrics != nil {
		s.metrics.JobFinished(string(status))
	}
	s.log.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Int("items", saved))
}

func billingErrText(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("billing: %v", err)
}
