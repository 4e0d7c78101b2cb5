// Package jobstore exposes job status to the engine and delivers change notifications.
package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence"
)

// ErrJobNotFound is shared with persistence so either side's errors match.
var ErrJobNotFound = persistence.ErrJobNotFound

// ErrInvalidJob is returned by Record for jobs missing identifying fields.
var ErrInvalidJob = errors.New("invalid job")

// Handler receives a job snapshot. Delivery is ordered per resource and at least once,
// so handlers must be idempotent.
type Handler func(ctx context.Context, job *models.Job)

// Subscription stops delivery when closed.
type Subscription interface {
	Close() error
}

// Store is the read side used by the engine.
type Store interface {
	// Get fails with ErrJobNotFound for unknown ids.
	Get(ctx context.Context, jobID string) (*models.Job, error)
	// Subscribe delivers every job change for resourceID from now on.
	Subscribe(ctx context.Context, resourceID string, handler Handler) (Subscription, error)
}

// Recorder is the write side used by processors.
type Recorder interface {
	Record(ctx context.Context, job *models.Job) error
}

// StoreRecorder is implemented by every backend in this package.
type StoreRecorder interface {
	Store
	Recorder
}

func validateJob(job *models.Job) error {
	if job == nil || job.ID == "" || job.ResourceID == "" {
		return fmt.Errorf("%w: id and resource id are required", ErrInvalidJob)
	}

	return nil
}

func cloneJob(job *models.Job) *models.Job {
	clone := *job

	if job.OutputData != nil {
		clone.OutputData = make(map[string]any, len(job.OutputData))
		for k, v := range job.OutputData {
			clone.OutputData[k] = v
		}
	}

	return &clone
}
