// Package maintenance runs background collection work (checkpoints and
// compaction) on a bounded, rate limited worker pool.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config bounds background work.
type Config struct {
	// Workers is the number of jobs run concurrently; 0 means 1.
	Workers int64 `yaml:"workers"`
	// Rate limits job starts per second; 0 means unlimited.
	Rate float64 `yaml:"rate"`
}

// Job is a unit of background work.
type Job func(ctx context.Context) error

// Stats counts scheduler activity.
type Stats struct {
	Submitted uint64
	Deduped   uint64
	Completed uint64
	Failed    uint64
}

// Scheduler runs submitted jobs in the background. A job submitted under a
// key that is still queued is dropped.
type Scheduler struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool

	submitted, deduped, completed, failed atomic.Uint64
}

// New creates a scheduler; a nil logger discards.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sem:     semaphore.NewWeighted(cfg.Workers),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: map[string]struct{}{},
	}
	if cfg.Rate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate)))
	}
	return s
}

// Submit queues job under key. It reports false when the scheduler is
// closed or a job with the same key is still waiting to start.
func (s *Scheduler) Submit(key string, job Job) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.pending[key]; ok {
		s.mu.Unlock()
		s.deduped.Add(1)
		return false
	}
	s.pending[key] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	s.submitted.Add(1)

	go s.run(key, job)
	return true
}

func (s *Scheduler) run(key string, job Job) {
	defer s.wg.Done()
	started := false
	defer func() {
		if !started {
			s.release(key)
		}
	}()
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)
	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
	}
	s.release(key)
	started = true

	begin := time.Now()
	err := job(s.ctx)
	switch {
	case err == nil:
		s.completed.Add(1)
		s.logger.Debug("maintenance job done", "job", key, "elapsed", time.Since(begin))
	case errors.Is(err, context.Canceled):
		s.failed.Add(1)
	default:
		s.failed.Add(1)
		s.logger.Warn("maintenance job failed", "job", key, "error", err)
	}
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// Wait blocks until every submitted job has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Stats returns activity counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Deduped:   s.deduped.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
	}
}

// Close rejects new jobs, cancels the ones not yet started and waits for
// the running ones.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
