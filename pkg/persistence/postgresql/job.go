package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence"
)

// JobRepository handles job status database operations.
type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger}
}

func (r *JobRepository) Save(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	var outputJSON []byte

	if job.OutputData != nil {
		var err error

		outputJSON, err = json.Marshal(job.OutputData)
		if err != nil {
			return persistence.NewJobError("Save", job.ID, fmt.Errorf("failed to marshal output data: %w", err))
		}
	}

	query := `
		INSERT INTO jobs (id, resource_id, step_name, status, progress_percentage, error_message,
output_data, cost_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress_percentage = EXCLUDED.progress_percentage,
			error_message = EXCLUDED.error_message,
			output_data = EXCLUDED.output_data,
			cost_cents = EXCLUDED.cost_cents,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.ResourceID,
		job.StepName,
		job.Status,
		job.ProgressPercentage,
		nullString(job.ErrorMessage),
		outputJSON,
		job.CostCents,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return persistence.NewJobError("Save", job.ID, err)
	}

	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `
		SELECT id, resource_id, step_name, status, progress_percentage, error_message,
			output_data, cost_cents, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewJobError("GetByID", id, persistence.ErrJobNotFound)
		}

		return nil, persistence.NewJobError("GetByID", id, err)
	}

	return job, nil
}

func (r *JobRepository) ListByResource(ctx context.Context, resourceID string) ([]*models.Job, error) {
	query := `
		SELECT id, resource_id, step_name, status, progress_percentage, error_message,
			output_data, cost_cents, created_at, updated_at
		FROM jobs
		WHERE resource_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	jobs := make([]*models.Job, 0)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		jobs = append(jobs, job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job          models.Job
		errorMessage sql.NullString
		outputJSON   []byte
	)

	err := row.Scan(
		&job.ID,
		&job.ResourceID,
		&job.StepName,
		&job.Status,
		&job.ProgressPercentage,
		&errorMessage,
		&outputJSON,
		&job.CostCents,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &job.OutputData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output data: %w", err)
		}
	}

	job.ErrorMessage = errorMessage.String

	return &job, nil
}
