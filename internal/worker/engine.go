package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Cypherspark/outreach-dispatch/internal/dispatch"
)

// Dispatcher runs one pass over due work.
type Dispatcher interface {
	Run(ctx context.Context, now time.Time) (dispatch.Report, error)
}

type WorkerOptions struct {
	Interval   time.Duration // pass cadence; cron rounds it to whole seconds
	RunTimeout time.Duration // upper bound on a single pass
	Logger     *slog.Logger
	Now        func() time.Time
}

// RunWorker runs d once immediately and then every Interval until ctx is
// done. A pass still running when the next tick fires is not overlapped;
// the tick is skipped. It returns ctx.Err() after the last pass finished.
func RunWorker(ctx context.Context, d Dispatcher, opt WorkerOptions) error {
	if opt.Interval < time.Second {
		return fmt.Errorf("worker: interval %s is below one second", opt.Interval)
	}
	if opt.RunTimeout <= 0 {
		opt.RunTimeout = opt.Interval
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{opt.Logger}),
		cron.SkipIfStillRunning(cronLogger{opt.Logger}),
	))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", opt.Interval), func() { runOnce(ctx, d, opt) }); err != nil {
		return fmt.Errorf("worker: schedule: %w", err)
	}

	opt.Logger.Info("dispatch worker started", slog.Duration("interval", opt.Interval))
	runOnce(ctx, d, opt)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	opt.Logger.Info("dispatch worker stopped")
	return ctx.Err()
}

func runOnce(ctx context.Context, d Dispatcher, opt WorkerOptions) {
	if ctx.Err() != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, opt.RunTimeout)
	defer cancel()

	rep, err := d.Run(rctx, opt.Now().UTC())
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
	case err != nil:
		opt.Logger.Error("dispatch pass failed", slog.Any("err", err))
	case rep != (dispatch.Report{}):
		opt.Logger.Debug("dispatch pass",
			slog.Int("messages", rep.MessagesProcessed),
			slog.Int("campaigns", rep.CampaignsProcessed),
		)
	}
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debug("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error("cron: "+msg, append(kv, "err", err)...)
}
