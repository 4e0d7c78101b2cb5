package engine

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/lessonflow/pkg/models"
)

// unsavedInstances holds snapshots that issued jobs but could not be persisted.
// Later mutations of the same instance build on them, so an acknowledged job id is
// never dropped while the repository is unavailable.
type unsavedInstances struct {
	mu        sync.Mutex
	instances map[string]*models.WorkflowInstance
}

func newUnsavedInstances() *unsavedInstances {
	return &unsavedInstances{instances: make(map[string]*models.WorkflowInstance)}
}

func (u *unsavedInstances) get(id string) (*models.WorkflowInstance, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	instance, ok := u.instances[id]
	if !ok {
		return nil, false
	}

	return instance.Clone(), true
}

func (u *unsavedInstances) hold(instance *models.WorkflowInstance) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.instances[instance.ID] = instance.Clone()
}

func (u *unsavedInstances) release(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	delete(u.instances, id)
}

func (u *unsavedInstances) ids() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids := make([]string, 0, len(u.instances))
	for id := range u.instances {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// issuedJobs reports whether after carries a job id that before did not know about.
func issuedJobs(before, after *models.WorkflowInstance) bool {
	for _, step := range after.Steps {
		if step.JobID == "" {
			continue
		}

		previous, ok := before.Step(step.Name)
		if !ok || previous.JobID != step.JobID {
			return true
		}
	}

	return false
}

// load returns the held snapshot of an instance when there is one, otherwise the
// stored instance.
func (e *Engine) load(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	if instance, ok := e.unsaved.get(id); ok {
		return instance, nil
	}

	return e.instances.GetByID(ctx, id)
}

// save persists instance with a bounded exponential backoff. When the snapshot carries
// newly issued jobs the write outlives the caller's context.
func (e *Engine) save(ctx context.Context, instance *models.WorkflowInstance, issued bool) error {
	if issued {
		ctx = context.WithoutCancel(ctx)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.saveInterval
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		return e.instances.Save(ctx, instance)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, e.saveRetries), ctx))
}

// FlushUnsaved persists the snapshots held after failed saves. It runs before every
// replay so the stored instances know about every issued job.
func (e *Engine) FlushUnsaved(ctx context.Context) error {
	var errs []error

	for _, id := range e.unsaved.ids() {
		if err := e.flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (e *Engine) flush(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	instance, ok := e.unsaved.get(id)
	if !ok {
		return nil
	}

	if err := e.save(ctx, instance, true); err != nil {
		return opError("FlushUnsaved", id, "", err)
	}

	e.unsaved.release(id)

	e.logger.InfoContext(ctx, "Persisted held instance", "instance_id", id)

	return nil
}
