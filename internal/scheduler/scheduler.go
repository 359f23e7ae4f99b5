// Package scheduler implements the job scheduler (C9): fixed-cadence
// background jobs with parallel fan-out under a single bounded worker pool
// and a per-job soft deadline. Jobs receive a context carrying the deadline;
// the scheduler treats "deadline exceeded" as a normal job failure, not a
// crash.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relayfleet/controlplane/internal/logging"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error

	// RunOnStart fires the job once immediately instead of waiting a full
	// interval for the first tick.
	RunOnStart bool
}

// Scheduler drives registered jobs on their cadences. All job executions
// across all jobs share one weighted semaphore, so total concurrency stays
// under the configured ceiling no matter how many tickers fire at once.
type Scheduler struct {
	jobs    []Job
	workers *semaphore.Weighted
	logger  *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New builds a Scheduler with the given worker ceiling.
func New(maxWorkers int64, logger *logging.Logger) *Scheduler {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Scheduler{
		workers: semaphore.NewWeighted(maxWorkers),
		logger:  logger,
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Start launches one ticker loop per job and returns. Calling Start again
// without an intervening Stop does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(runCtx, j)
		}(job)
	}
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(s.done)
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	if job.RunOnStart {
		s.execute(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, job)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.workers.Release(1)

	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	started := time.Now()
	err := job.Run(jobCtx)
	elapsed := time.Since(started)

	entry := s.logger.WithFields(logging.Fields{"job": job.Name, "elapsed": elapsed.String()})
	switch {
	case err == nil:
		entry.Debug("job completed")
	case ctx.Err() != nil:
		entry.Debug("job cancelled during shutdown")
	default:
		entry.WithError(err).Warn("job failed")
	}
}

// Stop cancels every job loop and waits for in-flight executions to drain,
// bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FanOut runs tasks in parallel with at most limit in flight, each bounded
// by perTaskTimeout (zero means no extra bound beyond ctx). Task errors are
// collected, not propagated; a task failure never cancels its siblings.
func FanOut(ctx context.Context, limit int, perTaskTimeout time.Duration, tasks []func(ctx context.Context) error) []error {
	if limit < 1 {
		limit = 1
	}
	results := make([]error, len(tasks))
	g := &errgroup.Group{}
	g.SetLimit(limit)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			taskCtx := ctx
			if perTaskTimeout > 0 {
				var cancel context.CancelFunc
				taskCtx, cancel = context.WithTimeout(ctx, perTaskTimeout)
				defer cancel()
			}
			results[i] = task(taskCtx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
