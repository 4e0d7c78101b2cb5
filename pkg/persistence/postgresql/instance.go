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

const instanceColumns = `
			id
		  , resource_id
		  , workflow_type
		  , owner_id
		  , status
		  , steps
		  , progress_percentage
		  , total_cost_cents
		  , counted_job_ids
		  , started_at
		  , completed_at
		  , created_at
		  , updated_at`

// InstanceRepository handles workflow instance database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

// Save upserts the instance. Steps and cost markers are stored as JSONB documents.
func (r *InstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	stepsJSON, err := json.Marshal(instance.Steps)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, fmt.Errorf("failed to marshal steps: %w", err))
	}

	counted := instance.CountedJobIDs
	if counted == nil {
		counted = []string{}
	}

	countedJSON, err := json.Marshal(counted)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, fmt.Errorf("failed to marshal counted jobs: %w", err))
	}

	query := `
		INSERT INTO workflow_instances (id, resource_id, workflow_type, owner_id, status, steps,
progress_percentage, total_cost_cents, counted_job_ids, started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			progress_percentage = EXCLUDED.progress_percentage,
			total_cost_cents = EXCLUDED.total_cost_cents,
			counted_job_ids = EXCLUDED.counted_job_ids,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.ResourceID,
		instance.WorkflowType,
		nullString(instance.OwnerID),
		instance.Status,
		stepsJSON,
		instance.ProgressPercentage,
		instance.TotalCostCents,
		countedJSON,
		instance.StartedAt,
		instance.CompletedAt,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, err)
	}

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE id = $1
	`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	return instance, nil
}

func (r *InstanceRepository) ListByResource(ctx context.Context, resourceID string) ([]*models.WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE resource_id = $1
		ORDER BY created_at
	`

	return r.query(ctx, query, resourceID)
}

func (r *InstanceRepository) ListActive(ctx context.Context) ([]*models.WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE status IN ('processing', 'failed')
		ORDER BY created_at
	`

	return r.query(ctx, query)
}

func (r *InstanceRepository) query(ctx context.Context, query string, args ...any) ([]*models.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow instances: %w", err)
	}

	return instances, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*models.WorkflowInstance, error) {
	var (
		instance    models.WorkflowInstance
		ownerID     sql.NullString
		stepsJSON   []byte
		countedJSON []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&instance.ResourceID,
		&instance.WorkflowType,
		&ownerID,
		&instance.Status,
		&stepsJSON,
		&instance.ProgressPercentage,
		&instance.TotalCostCents,
		&countedJSON,
		&startedAt,
		&completedAt,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &instance.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if err := json.Unmarshal(countedJSON, &instance.CountedJobIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counted jobs: %w", err)
	}

	instance.OwnerID = ownerID.String
	instance.StartedAt = timePtr(startedAt)
	instance.CompletedAt = timePtr(completedAt)

	return &instance, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time.UTC()

	return &t
}
