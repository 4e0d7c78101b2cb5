package models

// StepTemplate declares one step of a workflow type.
type StepTemplate struct {
	Name        string         `json:"name"                   validate:"required,max=64"`
	DisplayName string         `json:"display_name,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"   validate:"dive,required"`
	CanSkip     bool           `json:"can_skip"`
	CanRetry    bool           `json:"can_retry"`
	Manual      bool           `json:"manual"` // waits for an explicit run or skip once ready
	Input       map[string]any `json:"input,omitempty"`
}

// WorkflowDefinition maps a workflow type to its ordered step templates.
type WorkflowDefinition struct {
	Type        string         `json:"type"                  validate:"required,max=64"`
	Description string         `json:"description,omitempty"`
	Steps       []StepTemplate `json:"steps"                 validate:"required,min=1,dive"`
}
