// Package jobs runs the periodic display refreshes on a cron scheduler.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one periodic task.
type Job func(ctx context.Context) error

// Runner schedules jobs at fixed intervals. A run that is still in
// progress when its next tick fires is skipped, and a panicking job is
// recovered and logged.
type Runner struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu  sync.RWMutex
	ctx context.Context
}

// NewRunner creates a runner with no jobs.
func NewRunner(logger *slog.Logger) *Runner {
	l := cronLogger{logger: logger}
	return &Runner{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Every registers job to run once per interval.
func (r *Runner) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	_, err := r.cron.AddFunc("@every "+interval.String(), func() {
		r.mu.RLock()
		ctx := r.ctx
		r.mu.RUnlock()
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		if err := job(ctx); err != nil {
			r.logger.WarnContext(ctx, "job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		r.logger.DebugContext(ctx, "job completed", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	r.logger.Info("job scheduled", "job", name, "interval", interval)
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to return.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	r.cron.Start()
	<-ctx.Done()

	stopped := r.cron.Stop()
	<-stopped.Done()
	r.logger.Info("job runner stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
