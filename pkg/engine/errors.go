package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/lessonflow/pkg/definition"
	"github.com/dukex/lessonflow/pkg/persistence"
)

// Configuration errors, surfaced before anything is persisted.
var (
	ErrUnknownWorkflowType       = definition.ErrUnknownWorkflowType
	ErrInvalidWorkflowDefinition = definition.ErrInvalidWorkflowDefinition
	ErrInvalidRequest            = errors.New("invalid request")
)

// Lookup errors.
var (
	ErrInstanceNotFound = persistence.ErrInstanceNotFound
	ErrStepNotFound     = errors.New("step not found")
)

// State errors, returned when an operation does not apply to the current state.
var (
	ErrAlreadyStarted    = errors.New("workflow instance already started")
	ErrStepNotRetryable  = errors.New("step is not retryable")
	ErrStepNotSkippable  = errors.New("step is not skippable")
	ErrStepNotRunnable   = errors.New("step is not runnable")
	ErrInstanceCancelled = errors.New("workflow instance is cancelled")
	ErrInstanceCompleted = errors.New("workflow instance is completed")
)

// OperationError wraps engine errors with the operation and target they concern.
type OperationError struct {
	Op         string
	InstanceID string
	StepName   string
	Err        error
}

func (e *OperationError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("%s instance %s step %s: %v", e.Op, e.InstanceID, e.StepName, e.Err)
	}

	if e.InstanceID != "" {
		return fmt.Sprintf("%s instance %s: %v", e.Op, e.InstanceID, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func (e *OperationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func opError(op, instanceID, stepName string, err error) error {
	return &OperationError{Op: op, InstanceID: instanceID, StepName: stepName, Err: err}
}

// IsConfigurationError checks if the caller asked for something no definition can satisfy.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrUnknownWorkflowType) ||
		errors.Is(err, ErrInvalidWorkflowDefinition) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsStateError checks if an operation was rejected because of the current instance state.
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrStepNotRetryable) ||
		errors.Is(err, ErrStepNotSkippable) ||
		errors.Is(err, ErrStepNotRunnable) ||
		errors.Is(err, ErrInstanceCancelled) ||
		errors.Is(err, ErrInstanceCompleted)
}

// IsNotFound checks if the instance or step does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound) || errors.Is(err, ErrStepNotFound)
}
