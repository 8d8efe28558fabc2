// Package scheduler drives the pipeline's periodic work: detection ticks,
// shield refresh, action polling, upgrade emission, and the retention sweep.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kestrelmon/kestrel-go/internal/logger"
)

// Job is one periodic unit of work. Run is invoked with a context bounded by
// Timeout; overruns are cancelled, panics are contained.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs its jobs on independent tickers until stopped.
type Scheduler struct {
	jobs []Job
	log  logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New(log logger.Logger) *Scheduler {
	return &Scheduler{log: log.With(logger.String("component", "scheduler"))}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(jobs ...Job) {
	s.jobs = append(s.jobs, jobs...)
}

// Start launches one goroutine per job. Each job also runs once immediately
// so a fresh process converges without waiting a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := range s.jobs {
		job := s.jobs[i]
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.log.Info("scheduler started", logger.Int("jobs", len(s.jobs)))
}

// Stop cancels every job loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = job.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked",
				logger.String("job", job.Name),
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	if err := job.Run(runCtx); err != nil {
		s.log.Error("job failed",
			logger.String("job", job.Name),
			logger.Duration("elapsed", time.Since(start)),
			logger.Error(err))
		return
	}
	s.log.Debug("job finished",
		logger.String("job", job.Name),
		logger.Duration("elapsed", time.Since(start)))
}
