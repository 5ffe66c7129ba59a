package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"dailyspread/internal/feed"
)

// ErrStopped is returned by RunCycle once StopBackgroundLoops has run.
var ErrStopped = errors.New("refresh stopped")

// RunCycle runs one gated refresh cycle. It shares a lock with manual refreshes so the
// two never fetch concurrently.
func (a *App) RunCycle(ctx context.Context) (feed.CycleResult, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	if a.stopped {
		return feed.CycleResult{}, ErrStopped
	}

	start := time.Now()
	result, err := a.refresher.RunCycle(ctx, a.sched)

	if a.metrics != nil {
		a.metrics.ObserveCycle(result.Fetched, result.Failed, time.Since(start))
	}

	if err != nil {
		return result, fmt.Errorf("refresh cycle: %w", err)
	}

	return result, nil
}

// StartBackgroundLoops schedules RunCycle on spec. Overlapping runs are skipped. Jobs run
// with ctx until StopBackgroundLoops.
func (a *App) StartBackgroundLoops(ctx context.Context, spec string) error {
	logger := cronLogger{logger: slog.Default().With("component", "cron")}

	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	_, err := c.AddFunc(spec, func() { a.runScheduledCycle(ctx) })
	if err != nil {
		return fmt.Errorf("schedule refresh cycle %q: %w", spec, err)
	}

	a.cron = c
	c.Start()

	slog.Info("refresh loop started", "cron", spec)

	return nil
}

// StopBackgroundLoops stops scheduling, waits for any running cycle or manual refresh
// until ctx is done, and makes later RunCycle calls return ErrStopped.
func (a *App) StopBackgroundLoops(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		defer close(done)

		if a.cron != nil {
			<-a.cron.Stop().Done()
		}

		a.refreshMu.Lock()
		a.stopped = true
		a.refreshMu.Unlock()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for refresh cycle: %w", ctx.Err())
	}
}

func (a *App) runScheduledCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	_, err := a.RunCycle(ctx)
	if err != nil {
		slog.Error("refresh loop error", "err", err)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
