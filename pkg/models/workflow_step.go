package models

import (
	"slices"
	"time"
)

// StepStatus represents the lifecycle state of a single workflow step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// IsTerminalSuccess reports whether the status satisfies a downstream dependency.
func (s StepStatus) IsTerminalSuccess() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// WorkflowStep is one unit of work in a workflow instance, backed by an external job.
type WorkflowStep struct {
	ID                 string         `json:"id"                         validate:"required"`
	Name               string         `json:"name"                       validate:"required"`
	Status             StepStatus     `json:"status"                     validate:"required,oneof=pending processing completed failed skipped"`
	ProgressPercentage int            `json:"progress_percentage"        validate:"min=0,max=100"`
	Dependencies       []string       `json:"dependencies"`
	CanRetry           bool           `json:"can_retry"`
	CanSkip            bool           `json:"can_skip"`
	Manual             bool           `json:"manual"`
	Input              map[string]any `json:"input,omitempty"`
	JobID              string         `json:"job_id,omitempty"`
	PreviousJobIDs     []string       `json:"previous_job_ids,omitempty"` // jobs replaced by a retry, kept for audit
	Attempts           int            `json:"attempts"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CostCents          int64          `json:"cost_cents"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// DependsOn reports whether stepID is a direct dependency of the step.
func (s *WorkflowStep) DependsOn(stepID string) bool {
	return slices.Contains(s.Dependencies, stepID)
}
