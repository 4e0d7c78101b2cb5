package definition

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownWorkflowType is returned when no definition is registered for a type.
	ErrUnknownWorkflowType = errors.New("unknown workflow type")

	// ErrInvalidWorkflowDefinition is returned for malformed or cyclic step graphs.
	ErrInvalidWorkflowDefinition = errors.New("invalid workflow definition")
)

// DefinitionError wraps definition errors with the workflow type they concern.
type DefinitionError struct {
	WorkflowType string
	Message      string
	Err          error
}

func (e *DefinitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("workflow type %q: %s: %v", e.WorkflowType, e.Message, e.Err)
	}

	return fmt.Sprintf("workflow type %q: %v", e.WorkflowType, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

func invalid(workflowType, format string, args ...any) error {
	return &DefinitionError{
		WorkflowType: workflowType,
		Message:      fmt.Sprintf(format, args...),
		Err:          ErrInvalidWorkflowDefinition,
	}
}

// IsUnknownWorkflowType checks if an error indicates an unregistered workflow type.
func IsUnknownWorkflowType(err error) bool {
	return errors.Is(err, ErrUnknownWorkflowType)
}

// IsInvalidWorkflowDefinition checks if an error indicates a broken step graph.
func IsInvalidWorkflowDefinition(err error) bool {
	return errors.Is(err, ErrInvalidWorkflowDefinition)
}
