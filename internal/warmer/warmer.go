// Package warmer keeps a rolling window of the cache fresh on a cron schedule.
package warmer

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"schedcache/internal/models"
)

// Target is what gets warmed; cache.Service satisfies it.
type Target interface {
	Warm(ctx context.Context, r models.DateRange, scope models.Scope) error
}

type Runner struct {
	cron      *cron.Cron
	logger    *slog.Logger
	baseCtx   context.Context
	target    Target
	scope     models.Scope
	daysBack  int
	daysAhead int
	now       func() time.Time
}

func New(baseCtx context.Context, logger *slog.Logger, target Target, scope models.Scope, daysBack, daysAhead int) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:    logger,
		baseCtx:   baseCtx,
		target:    target,
		scope:     scope,
		daysBack:  daysBack,
		daysAhead: daysAhead,
		now:       time.Now,
	}
}

// Window is the rolling range: whole UTC days from daysBack before today
// through daysAhead after it.
func (r *Runner) Window() models.DateRange {
	now := r.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return models.NewDateRange(today.AddDate(0, 0, -r.daysBack), today.AddDate(0, 0, r.daysAhead+1))
}

// RunOnce warms the current window.
func (r *Runner) RunOnce(ctx context.Context) error {
	window := r.Window()
	r.logger.Info("Warming cache", "scope", r.scope.String(), "range", window.String())
	if err := r.target.Warm(ctx, window, r.scope); err != nil {
		r.logger.Error("Cache warm failed", "scope", r.scope.String(), "error", err)
		return err
	}
	return nil
}

// Schedule registers a warm job; overlapping runs are skipped.
func (r *Runner) Schedule(spec string) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		_ = r.RunOnce(r.baseCtx)
	})
}

func (r *Runner) Start() {
	r.logger.Info("Warm schedule started")
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("Warm schedule stopped")
}
