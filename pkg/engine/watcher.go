package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/lessonflow/pkg/jobstore"
	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence"
)

// Watcher holds one job store subscription per resource and routes every job
// notification to the instances of that resource.
type Watcher struct {
	base      context.Context
	engine    *Engine
	store     jobstore.Store
	instances persistence.InstanceRepository
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]jobstore.Subscription
}

// NewWatcher creates a watcher whose subscriptions live as long as ctx, and registers
// it as the engine's activation hook.
func NewWatcher(
	ctx context.Context,
	engine *Engine,
	store jobstore.Store,
	instances persistence.InstanceRepository,
	logger *slog.Logger,
) *Watcher {
	watcher := &Watcher{
		base:      ctx,
		engine:    engine,
		store:     store,
		instances: instances,
		logger:    logger.With("module", "watcher"),
		subs:      make(map[string]jobstore.Subscription),
	}

	engine.SetActivationHook(watcher.Attach)

	return watcher
}

// Attach subscribes to job changes of resourceID unless already subscribed.
func (w *Watcher) Attach(ctx context.Context, resourceID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.subs[resourceID]; ok {
		return nil
	}

	sub, err := w.store.Subscribe(w.base, resourceID, w.handler(resourceID))
	if err != nil {
		return fmt.Errorf("failed to subscribe to resource %s: %w", resourceID, err)
	}

	w.subs[resourceID] = sub

	w.logger.DebugContext(ctx, "Watching resource", "resource_id", resourceID)

	return nil
}

// Detach drops the subscription of resourceID.
func (w *Watcher) Detach(resourceID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.detachLocked(resourceID)
}

func (w *Watcher) detachLocked(resourceID string) error {
	sub, ok := w.subs[resourceID]
	if !ok {
		return nil
	}

	delete(w.subs, resourceID)

	return sub.Close()
}

// Attached returns the watched resource ids, sorted.
func (w *Watcher) Attached() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func (w *Watcher) handler(resourceID string) jobstore.Handler {
	return func(ctx context.Context, job *models.Job) {
		instances, err := w.instances.ListByResource(ctx, resourceID)
		if err != nil {
			w.logger.ErrorContext(ctx, "Failed to load instances for job notification",
				"resource_id", resourceID,
				"job_id", job.ID,
				"error", err,
			)

			return
		}

		// The listing is read without the instance lock and may predate a concurrent Start,
		// so only terminal instances are filtered here. The engine ignores unknown jobs.
		for _, instance := range instances {
			if instance.IsTerminal() {
				continue
			}

			if _, err := w.engine.OnJobStatusChanged(ctx, instance.ID, job); err != nil {
				w.logger.ErrorContext(ctx, "Failed to apply job notification",
					"instance_id", instance.ID,
					"job_id", job.ID,
					"error", err,
				)
			}
		}
	}
}

// Resume re-attaches every active instance and replays the current job snapshots,
// so completions that happened while nothing was listening are not lost.
func (w *Watcher) Resume(ctx context.Context) error {
	var errs []error

	if err := w.engine.FlushUnsaved(ctx); err != nil {
		errs = append(errs, err)
	}

	instances, err := w.instances.ListActive(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list active instances: %w", err))

		return errors.Join(errs...)
	}

	for _, instance := range instances {
		if err := w.Attach(ctx, instance.ResourceID); err != nil {
			errs = append(errs, err)

			continue
		}

		if err := w.Replay(ctx, instance); err != nil {
			errs = append(errs, err)
		}
	}

	w.logger.InfoContext(ctx, "Resumed active instances", "count", len(instances))

	return errors.Join(errs...)
}

// Replay feeds the stored snapshot of every running step's job back into the engine.
func (w *Watcher) Replay(ctx context.Context, instance *models.WorkflowInstance) error {
	for _, step := range instance.Steps {
		if step.Status != models.StepStatusProcessing || step.JobID == "" {
			continue
		}

		job, err := w.store.Get(ctx, step.JobID)
		if err != nil {
			if errors.Is(err, jobstore.ErrJobNotFound) {
				continue
			}

			return fmt.Errorf("failed to load job %s of instance %s: %w", step.JobID, instance.ID, err)
		}

		if _, err := w.engine.OnJobStatusChanged(ctx, instance.ID, job); err != nil {
			return err
		}
	}

	return nil
}

// Prune detaches resources that no longer have a pending or active instance.
func (w *Watcher) Prune(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error

	for resourceID := range w.subs {
		instances, err := w.instances.ListByResource(ctx, resourceID)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		live := false

		for _, instance := range instances {
			if instance.Status == models.WorkflowStatusPending || persistence.IsActive(instance) {
				live = true

				break
			}
		}

		if !live {
			w.logger.DebugContext(ctx, "Releasing resource", "resource_id", resourceID)
			errs = append(errs, w.detachLocked(resourceID))
		}
	}

	return errors.Join(errs...)
}

// Close drops every subscription.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for resourceID := range w.subs {
		errs = append(errs, w.detachLocked(resourceID))
	}

	return errors.Join(errs...)
}
