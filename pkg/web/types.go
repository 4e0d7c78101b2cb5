// Package web provides HTTP request and response types for the workflow API.
package web

import "github.com/dukex/lessonflow/pkg/models"

// OwnerHeader carries the caller identity checked against the instance owner.
const OwnerHeader = "X-Owner-ID"

// CreateWorkflowRequest represents the request body for creating a new workflow instance.
type CreateWorkflowRequest struct {
	ResourceID   string `json:"resource_id"        validate:"required,max=255"`
	WorkflowType string `json:"workflow_type"      validate:"required,max=64"`
	OwnerID      string `json:"owner_id,omitempty" validate:"max=255"`
}

// ListWorkflowsResponse wraps the instances of a resource.
type ListWorkflowsResponse struct {
	Workflows  []*models.WorkflowInstance `json:"workflows"`
	TotalCount int                        `json:"total_count"`
}

// WorkflowTypeResponse describes one registered workflow type.
type WorkflowTypeResponse struct {
	Type  string                `json:"type"`
	Steps []models.StepTemplate `json:"steps"`
}
