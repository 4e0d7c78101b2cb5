// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestJob creates a test Job with default values that can be overridden.
func CreateTestJob(overrides ...func(*models.Job)) *models.Job {
	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New().String(),
		ResourceID: "lesson-1",
		StepName:   "transcription",
		Status:     models.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for _, override := range overrides {
		override(job)
	}

	return job
}

// WithJobID sets the job id.
func WithJobID(id string) func(*models.Job) {
	return func(j *models.Job) {
		j.ID = id
	}
}

// WithResource sets the job resource id.
func WithResource(resourceID string) func(*models.Job) {
	return func(j *models.Job) {
		j.ResourceID = resourceID
	}
}

// WithStep sets the job step name.
func WithStep(stepName string) func(*models.Job) {
	return func(j *models.Job) {
		j.StepName = stepName
	}
}

// WithProgress marks the job processing at the given percentage.
func WithProgress(percentage int) func(*models.Job) {
	return func(j *models.Job) {
		j.Status = models.JobStatusProcessing
		j.ProgressPercentage = percentage
	}
}

// Completed marks the job completed with a cost and optional output.
func Completed(costCents int64, output map[string]any) func(*models.Job) {
	return func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.ProgressPercentage = 100
		j.CostCents = costCents
		j.OutputData = output
	}
}

// Failed marks the job failed with a message.
func Failed(message string) func(*models.Job) {
	return func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = message
	}
}

// CreateTestInstance creates a started-less instance with one pending step per name.
// Each step depends on the step before it.
func CreateTestInstance(resourceID string, stepNames ...string) *models.WorkflowInstance {
	now := time.Now().UTC()
	instance := &models.WorkflowInstance{
		ID:            uuid.New().String(),
		ResourceID:    resourceID,
		WorkflowType:  "test",
		Status:        models.WorkflowStatusPending,
		CountedJobIDs: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var previous string

	for _, name := range stepNames {
		step := &models.WorkflowStep{
			ID:       uuid.New().String(),
			Name:     name,
			Status:   models.StepStatusPending,
			CanRetry: true,
		}

		if previous != "" {
			step.Dependencies = []string{previous}
		}

		previous = step.ID
		instance.Steps = append(instance.Steps, step)
	}

	return instance
}
