// Package scheduler runs periodic housekeeping jobs (quote expiry sweep,
// rate-limit window pruning) on cron schedules.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a scheduled unit of work. It receives the runner's context.
type Job func(ctx context.Context)

// Runner wraps a cron scheduler whose jobs never overlap themselves.
type Runner struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a runner. Schedules use the standard five-field syntax plus
// descriptors such as "@every 15s".
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job under spec with a name used in logs.
func (r *Runner) Add(name, spec string, job Job) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if r.ctx.Err() != nil {
			return
		}
		job(r.ctx)
		r.logger.Debug("cron job done", "job", name)
	})
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (r *Runner) Run(ctx context.Context) error {
	r.cron.Start()
	r.logger.Info("cron started", "jobs", len(r.cron.Entries()))

	<-ctx.Done()
	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info("cron stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
