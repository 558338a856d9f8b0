// Package scheduler runs periodic maintenance jobs (portfolio reviews,
// record expiry) on a seconds-resolution cron.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Runner struct {
	cron    *cron.Cron
	log     *zap.Logger
	baseCtx context.Context
}

// New creates a runner whose jobs receive baseCtx. A job still running when
// its next tick arrives is skipped for that tick, and a panicking job is
// logged instead of killing the process.
func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{s: logger.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     logger,
		baseCtx: baseCtx,
	}
}

// Add registers job under a six-field cron spec (or an @every descriptor).
func (r *Runner) Add(name, spec string, job func(context.Context)) error {
	_, err := r.cron.AddFunc(spec, func() {
		r.log.Debug("job started", zap.String("job", name))
		job(r.baseCtx)
	})
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", name, err)
	}
	r.log.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Jobs returns the number of registered jobs.
func (r *Runner) Jobs() int { return len(r.cron.Entries()) }

func (r *Runner) Start() {
	r.log.Info("cron started")
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Info("cron stopped")
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
