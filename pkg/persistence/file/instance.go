package file

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence"
)

// InstanceRepository handles workflow instance file operations.
type InstanceRepository struct {
	dir string
}

// NewInstanceRepository creates a new instance repository under root/instances.
func NewInstanceRepository(root string) *InstanceRepository {
	return &InstanceRepository{dir: filepath.Join(root, "instances")}
}

// Save saves an instance to the file system.
func (r *InstanceRepository) Save(_ context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	if err := writeJSON(r.dir, instance.ID, instance); err != nil {
		return persistence.NewInstanceError("Save", instance.ID, err)
	}

	return nil
}

func (r *InstanceRepository) GetByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance

	err := readJSON(r.dir, id, &instance)
	if err != nil {
		if isNotExist(err) {
			return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	return &instance, nil
}

func (r *InstanceRepository) ListByResource(ctx context.Context, resourceID string) ([]*models.WorkflowInstance, error) {
	return r.list(ctx, func(instance *models.WorkflowInstance) bool {
		return instance.ResourceID == resourceID
	})
}

func (r *InstanceRepository) ListActive(ctx context.Context) ([]*models.WorkflowInstance, error) {
	return r.list(ctx, persistence.IsActive)
}

func (r *InstanceRepository) list(ctx context.Context, keep func(*models.WorkflowInstance) bool) ([]*models.WorkflowInstance, error) {
	ids, err := listIDs(r.dir)
	if err != nil {
		return nil, err
	}

	instances := make([]*models.WorkflowInstance, 0)

	for _, id := range ids {
		instance, err := r.GetByID(ctx, id)
		if err != nil {
			if persistence.IsInstanceNotFound(err) {
				continue
			}

			return nil, fmt.Errorf("failed to load instance %s: %w", id, err)
		}

		if keep(instance) {
			instances = append(instances, instance)
		}
	}

	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})

	return instances, nil
}
