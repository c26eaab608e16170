package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one periodically run unit of work.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker until the context is cancelled.
// A job never overlaps with itself; a tick that arrives while the previous
// run is still going is dropped.
type Scheduler struct {
	jobs []Job
	wg   sync.WaitGroup
}

func NewScheduler(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Jobs returns the standard schedule for e. Intervals of zero disable a job.
func Jobs(e *Engine, analyzeEvery, evaluateEvery, reviewEvery, aggregateEvery time.Duration) []Job {
	return []Job{
		{Name: "analyze", Every: analyzeEvery, Run: func(ctx context.Context) error {
			_, err := e.Analyze(ctx, 0)
			return err
		}},
		{Name: "evaluate", Every: evaluateEvery, Run: func(ctx context.Context) error {
			if _, err := e.Evaluate(ctx); err != nil {
				return err
			}
			_, err := e.Promote(ctx)
			return err
		}},
		{Name: "review", Every: reviewEvery, Run: func(ctx context.Context) error {
			_, err := e.Review(ctx, 0)
			return err
		}},
		{Name: "knowledge", Every: aggregateEvery, Run: func(ctx context.Context) error {
			if _, err := e.RefreshClusters(ctx); err != nil {
				return err
			}
			if _, err := e.ProposeRules(ctx); err != nil {
				return err
			}
			_, err := e.AggregateDay(ctx, e.clock())
			return err
		}},
	}
}

// Start launches one goroutine per enabled job and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		if job.Every <= 0 {
			slog.Info("scheduled job disabled", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
}

// Wait blocks until every job goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	slog.Info("scheduled job started", "job", job.Name, "every", job.Every.String())
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	var running atomic.Bool
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduled job stopped", "job", job.Name)
			return
		case <-ticker.C:
			if !running.CompareAndSwap(false, true) {
				slog.Warn("scheduled job still running, tick skipped", "job", job.Name)
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer running.Store(false)
				if err := runJob(ctx, job); err != nil {
					slog.Error("scheduled job failed", "job", job.Name, "error", err)
				}
			}()
		}
	}
}

// runJob runs job once, turning a panic into an error.
func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in scheduled job", "job", job.Name, "error", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}
