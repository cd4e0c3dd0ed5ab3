// Package maintenance runs the gateway's periodic housekeeping: the UTC
// midnight counter reset, expired chat-state and compaction-marker sweeps,
// and run-history retention.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/lemongate/internal/config"
	"github.com/basket/lemongate/internal/scheduler"
	"github.com/basket/lemongate/internal/store"
)

// Jobs owns the cron schedule for the gateway's background work.
type Jobs struct {
	store  *store.Store
	sched  *scheduler.Scheduler
	cfg    *config.Live
	logger *slog.Logger
	cron   *cronlib.Cron
}

// Options bundles the maintenance collaborators.
type Options struct {
	Store  *store.Store
	Sched  *scheduler.Scheduler
	Config *config.Live
	Logger *slog.Logger
}

// New creates the maintenance jobs.
func New(opts Options) *Jobs {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		store:  opts.Store,
		sched:  opts.Sched,
		cfg:    opts.Config,
		logger: logger,
	}
}

// Start registers and starts the schedule. Call Stop on shutdown.
func (j *Jobs) Start(ctx context.Context) error {
	j.cron = cronlib.New(cronlib.WithLocation(time.UTC))

	// Daily counter reset at UTC midnight.
	if _, err := j.cron.AddFunc("0 0 * * *", func() {
		j.sched.ResetDailyCounters()
		j.logger.Info("daily counters reset")
	}); err != nil {
		return err
	}

	// Expired chat state and stale compaction markers, every 15 minutes.
	if _, err := j.cron.AddFunc("*/15 * * * *", func() {
		j.sweepExpired(ctx)
	}); err != nil {
		return err
	}

	// Run-history retention, daily just after midnight.
	if _, err := j.cron.AddFunc("10 0 * * *", func() {
		j.pruneHistory(ctx)
	}); err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("maintenance jobs started")

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

// Stop halts the schedule, waiting for in-flight jobs.
func (j *Jobs) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info("maintenance jobs stopped")
}

func (j *Jobs) sweepExpired(ctx context.Context) {
	if j.store == nil {
		return
	}
	n, err := j.store.SweepExpired(ctx)
	if err != nil {
		j.logger.Warn("expired-state sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("expired state swept", "rows", n)
	}
}

func (j *Jobs) pruneHistory(ctx context.Context) {
	if j.store == nil {
		return
	}
	days := j.cfg.Snapshot().Retention.RunHistoryDays
	if days <= 0 {
		return
	}
	n, err := j.store.PruneRunHistory(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		j.logger.Warn("run-history prune failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("run history pruned", "rows", n)
	}
}
