// Package models defines the core domain models for lesson processing workflows.
package models

import (
	"maps"
	"slices"
	"time"
)

// WorkflowStatus represents the aggregate lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusPending    WorkflowStatus = "pending"
	WorkflowStatusProcessing WorkflowStatus = "processing"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

// WorkflowInstance is a stateful run of a workflow definition against one resource (e.g. a lesson).
type WorkflowInstance struct {
	ID                 string          `json:"id"`
	ResourceID         string          `json:"resource_id"         validate:"required"`
	WorkflowType       string          `json:"workflow_type"       validate:"required"`
	OwnerID            string          `json:"owner_id,omitempty"`
	Status             WorkflowStatus  `json:"status"              validate:"required"`
	Steps              []*WorkflowStep `json:"steps"               validate:"required,min=1,dive"`
	ProgressPercentage int             `json:"progress_percentage"`
	TotalCostCents     int64           `json:"total_cost_cents"`
	CountedJobIDs      []string        `json:"counted_job_ids"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Step returns the step with the given id or name.
func (w *WorkflowInstance) Step(idOrName string) (*WorkflowStep, bool) {
	for _, step := range w.Steps {
		if step.ID == idOrName || step.Name == idOrName {
			return step, true
		}
	}

	return nil, false
}

// StepByJobID returns the step whose active job is jobID.
func (w *WorkflowInstance) StepByJobID(jobID string) (*WorkflowStep, bool) {
	if jobID == "" {
		return nil, false
	}

	for _, step := range w.Steps {
		if step.JobID == jobID {
			return step, true
		}
	}

	return nil, false
}

// IsTerminal reports whether no further automatic progress can happen.
func (w *WorkflowInstance) IsTerminal() bool {
	return w.Status == WorkflowStatusCompleted || w.Status == WorkflowStatusCancelled
}

// HasCountedJob reports whether the cost of jobID was already added to the total.
func (w *WorkflowInstance) HasCountedJob(jobID string) bool {
	return slices.Contains(w.CountedJobIDs, jobID)
}

// Clone returns a deep copy so callers can mutate a snapshot without touching shared state.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}

	clone := *w
	clone.CountedJobIDs = slices.Clone(w.CountedJobIDs)
	clone.Steps = make([]*WorkflowStep, len(w.Steps))

	for i, step := range w.Steps {
		s := *step
		s.Dependencies = slices.Clone(step.Dependencies)
		s.PreviousJobIDs = slices.Clone(step.PreviousJobIDs)
		s.Input = maps.Clone(step.Input)

		clone.Steps[i] = &s
	}

	return &clone
}
