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

// JobRepository handles job file operations.
type JobRepository struct {
	dir string
}

// NewJobRepository creates a new job repository under root/jobs.
func NewJobRepository(root string) *JobRepository {
	return &JobRepository{dir: filepath.Join(root, "jobs")}
}

func (r *JobRepository) Save(_ context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	if err := writeJSON(r.dir, job.ID, job); err != nil {
		return persistence.NewJobError("Save", job.ID, err)
	}

	return nil
}

func (r *JobRepository) GetByID(_ context.Context, id string) (*models.Job, error) {
	var job models.Job

	err := readJSON(r.dir, id, &job)
	if err != nil {
		if isNotExist(err) {
			return nil, persistence.NewJobError("GetByID", id, persistence.ErrJobNotFound)
		}

		return nil, persistence.NewJobError("GetByID", id, err)
	}

	return &job, nil
}

func (r *JobRepository) ListByResource(ctx context.Context, resourceID string) ([]*models.Job, error) {
	ids, err := listIDs(r.dir)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0)

	for _, id := range ids {
		job, err := r.GetByID(ctx, id)
		if err != nil {
			if persistence.IsJobNotFound(err) {
				continue
			}

			return nil, fmt.Errorf("failed to load job %s: %w", id, err)
		}

		if job.ResourceID == resourceID {
			jobs = append(jobs, job)
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	return jobs, nil
}
