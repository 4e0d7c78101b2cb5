package models

import "time"

// JobStatus is the lifecycle state of an external processing job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the job can no longer change.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the external, asynchronous unit of execution backing a step.
type Job struct {
	ID                 string         `json:"id"                  validate:"required"`
	ResourceID         string         `json:"resource_id"         validate:"required"`
	StepName           string         `json:"step_name"           validate:"required"`
	Status             JobStatus      `json:"status"              validate:"required,oneof=pending processing completed failed"`
	ProgressPercentage int            `json:"progress_percentage" validate:"min=0,max=100"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	OutputData         map[string]any `json:"output_data,omitempty"`
	CostCents          int64          `json:"cost_cents"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// JobAcknowledgement is returned by a processor when it accepts a step.
type JobAcknowledgement struct {
	JobID string `json:"job_id"`
}
