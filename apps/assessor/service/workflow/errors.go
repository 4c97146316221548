package workflow

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownStep is returned when the registry orders a step that has no implementation.
var ErrUnknownStep = errors.New("step has no implementation")

// StepTimeoutError records a step that did not finish within its timeout.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.Step, e.Timeout)
}

// RequiredStepError aborts a run when a required step produced no usable output.
type RequiredStepError struct {
	Step  string
	Cause error
}

func (e *RequiredStepError) Error() string {
	return fmt.Sprintf("required step %s failed: %v", e.Step, e.Cause)
}

func (e *RequiredStepError) Unwrap() error {
	return e.Cause
}
