// Package persistence provides the storage abstraction for workflow instances and jobs.
package persistence

import (
	"context"

	"github.com/dukex/lessonflow/pkg/models"
)

type Persistence interface {
	InstanceRepository() InstanceRepository
	JobRepository() JobRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// InstanceRepository stores workflow instances including their steps.
type InstanceRepository interface {
	// Save inserts or replaces the whole instance.
	Save(ctx context.Context, instance *models.WorkflowInstance) error
	// GetByID fails with ErrInstanceNotFound when the instance does not exist.
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	// ListByResource returns every instance of a resource, oldest first.
	ListByResource(ctx context.Context, resourceID string) ([]*models.WorkflowInstance, error)
	// ListActive returns started instances that are neither completed nor cancelled.
	ListActive(ctx context.Context) ([]*models.WorkflowInstance, error)
}

// JobRepository stores job status rows written by processors.
type JobRepository interface {
	Save(ctx context.Context, job *models.Job) error
	// GetByID fails with ErrJobNotFound when the job does not exist.
	GetByID(ctx context.Context, id string) (*models.Job, error)
	ListByResource(ctx context.Context, resourceID string) ([]*models.Job, error)
}

// IsActive reports whether the instance still needs job notifications.
func IsActive(instance *models.WorkflowInstance) bool {
	switch instance.Status {
	case models.WorkflowStatusProcessing, models.WorkflowStatusFailed:
		return true
	default:
		return false
	}
}
