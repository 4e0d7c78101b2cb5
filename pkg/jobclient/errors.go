package jobclient

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStepName is returned when no processor is routed for a step.
	ErrUnknownStepName = errors.New("unknown step name")

	// ErrTransportFailure is returned when the processor could not be reached.
	ErrTransportFailure = errors.New("processor transport failure")

	// ErrRejectedByProcessor is returned when the processor refused the request.
	ErrRejectedByProcessor = errors.New("rejected by processor")
)

// StartError describes why a step could not be started.
type StartError struct {
	Kind       error // one of the sentinel errors above
	StepName   string
	StatusCode int // processor response status, zero for transport failures
	Message    string
	Err        error
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("start step %s: %v", e.StepName, e.Kind)

	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}

	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}

	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Is matches the error kind as well as the wrapped cause.
func (e *StartError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// IsStartError checks if an error came from a failed step start.
func IsStartError(err error) bool {
	var startErr *StartError

	return errors.As(err, &startErr)
}
