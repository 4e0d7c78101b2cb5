package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultReconcileSchedule is used when no schedule is configured.
const DefaultReconcileSchedule = "@every 30s"

// Reconciler periodically replays job snapshots for active instances and releases
// subscriptions nobody needs. It is the fallback when push notifications get lost.
type Reconciler struct {
	watcher  *Watcher
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

func NewReconciler(watcher *Watcher, schedule string, logger *slog.Logger) (*Reconciler, error) {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}

	return &Reconciler{
		watcher:  watcher,
		schedule: schedule,
		logger:   logger.With("module", "reconciler"),
	}, nil
}

// Start runs the reconciliation on the schedule until ctx is done or Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := r.cron.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}

	r.cron.Start()

	r.logger.InfoContext(ctx, "Reconciler started", "schedule", r.schedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	return nil
}

// RunOnce performs a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if err := r.watcher.Resume(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Reconciliation replay failed", "error", err)
	}

	if err := r.watcher.Prune(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Reconciliation prune failed", "error", err)
	}
}

func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}
