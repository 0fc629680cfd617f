package beacon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/randalmurphal/beacon/pkg/beacon/observability"
)

// startScheduler registers the periodic flush and prune jobs. An empty
// FlushSchedule disables both.
func (p *Pipeline) startScheduler() error {
	spec := p.settings.FlushSchedule
	if spec == "" {
		return nil
	}

	logger := cronLogger{p.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	if _, err := c.AddFunc(spec, p.scheduledFlush); err != nil {
		return fmt.Errorf("flush schedule %q: %w", spec, err)
	}
	p.scheduler = c
	c.Start()
	return nil
}

// scheduledFlush prunes expired records and then sends whatever is
// pending, partial batches included.
func (p *Pipeline) scheduledFlush() {
	if p.closed.Load() {
		return
	}
	p.prune(context.Background(), time.Now())
	p.sender.FlushAsync()
}

func (p *Pipeline) prune(ctx context.Context, now time.Time) int {
	age := p.settings.MaxRecordAge
	if age <= 0 {
		return 0
	}
	n, err := p.store.Prune(ctx, now.Add(-age))
	if err != nil {
		observability.LogPersistenceError(p.logger, "prune", err)
		return 0
	}
	if n > 0 {
		p.logger.Info("expired records pruned",
			slog.Int("count", n),
			slog.Duration("max_age", age),
		)
	}
	return n
}

// cronLogger adapts slog to the scheduler's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("scheduler: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
