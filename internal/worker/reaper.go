package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors like "@every 30s"
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// startReaper schedules periodic redispatch of lost and orphaned attempts
func (w *Worker) startReaper(ctx context.Context) (*cron.Cron, error) {
	logger := cronLogger{logger: w.logger}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(w.redispatchSchedule, func() { w.redispatch(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid redispatch schedule %q: %w", w.redispatchSchedule, err)
	}

	c.Start()
	w.logger.Info("Attempt reaper started",
		slog.String("schedule", w.redispatchSchedule),
		slog.Duration("stale_after", w.staleAfter),
		slog.Duration("heartbeat_timeout", w.heartbeatTimeout),
	)
	return c, nil
}

func (w *Worker) redispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	count, err := w.attempts.Redispatch(ctx, w.staleAfter, w.heartbeatTimeout)
	if err != nil {
		w.logger.Error("Failed to redispatch attempts",
			slog.String("error", err.Error()),
		)
		return
	}
	if count > 0 {
		w.logger.Info("Attempts redispatched",
			slog.Int("count", count),
		)
	}
}
