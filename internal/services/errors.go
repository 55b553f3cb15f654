package services

import (
	"errors"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrPrecondition  = errors.New("precondition failed")
	ErrStepExecution = errors.New("step execution failed")
	ErrPersistence   = errors.New("persistence failed")
	ErrLeaseHeld     = errors.New("lease held")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
)

// Error codes recorded on failed videos and returned by the API.
const (
	CodeNotFound      = "NOT_FOUND"
	CodePrecondition  = "PRECONDITION_FAILED"
	CodeStepExecution = "STEP_EXECUTION_FAILED"
	CodePersistence   = "PERSISTENCE_FAILED"
	CodeLeaseHeld     = "LEASE_HELD"
	CodeValidation    = "VALIDATION_FAILED"
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
)

var markerCodes = []struct {
	marker error
	code   string
}{
	{ErrNotFound, CodeNotFound},
	{ErrPrecondition, CodePrecondition},
	{ErrPersistence, CodePersistence},
	{ErrLeaseHeld, CodeLeaseHeld},
	{ErrValidation, CodeValidation},
	{ErrConfiguration, CodeConfiguration},
	{ErrStepExecution, CodeStepExecution},
}

// Error is a classified failure carrying the step and operation it came from.
type Error struct {
	Marker    error
	Step      string
	Operation string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	detail := buildDetail(e.Step, e.Operation, e.Message)
	if e.Err != nil {
		return e.Marker.Error() + ": " + detail + ": " + e.Err.Error()
	}
	return e.Marker.Error() + ": " + detail
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Marker}
	}
	return []error{e.Marker, e.Err}
}

// Wrap builds an error message that includes step context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, step, operation, message string, err error) error {
	if marker == nil {
		marker = ErrStepExecution
	}
	return &Error{Marker: marker, Step: step, Operation: operation, Message: message, Err: err}
}

// Code maps err to its taxonomy code. Unclassified errors report INTERNAL_ERROR.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, mc := range markerCodes {
		if errors.Is(err, mc.marker) {
			return mc.code
		}
	}
	return CodeInternal
}

// IsPermanent reports whether redelivering the job can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConfiguration)
}

// ErrorDetails is the structured view of a classified error.
type ErrorDetails struct {
	Code      string
	Message   string
	Step      string
	Operation string
	Cause     string
}

// Details extracts the outermost classified error's fields from err.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Code: Code(err), Message: err.Error()}
	var classified *Error
	if errors.As(err, &classified) {
		details.Step = classified.Step
		details.Operation = classified.Operation
		if classified.Message != "" {
			details.Message = classified.Message
		}
		if classified.Err != nil {
			details.Cause = classified.Err.Error()
		}
	}
	return details
}

func buildDetail(step, operation, message string) string {
	parts := make([]string, 0, 3)
	if step = strings.TrimSpace(step); step != "" {
		parts = append(parts, step)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
