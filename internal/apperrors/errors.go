// Package apperrors provides the structured error taxonomy shared by the pipeline and the CLI.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrStageFailure = errors.New("stage failure")
	ErrInvalidState = errors.New("invalid state")
	ErrInternal     = errors.New("internal error")
)

// Failure kinds attached to stage failures.
const (
	KindProcessExit   = "process-exit-failure"
	KindMissingOutput = "missing-output-file"
	KindLibrary       = "library-exception"
	KindMissingInput  = "missing-input"
	KindCancelled     = "cancelled"
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "max_image_dimension")
	Stage    string // For stage failures (e.g., "sfm")
	Kind     string // Failure kind (e.g., "process-exit-failure")
	Op       string // Operation that failed (e.g., "report.record")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns both the sentinel and the cause, so errors.Is() matches either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
// Used both for hard configuration errors and for soft warnings the caller only logs.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// StageFailure creates a fatal failure for a pipeline stage.
func StageFailure(stage, kind string, cause error) error {
	msg := fmt.Sprintf("stage %s failed (%s)", stage, kind)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrStageFailure,
		Message:  msg,
		Stage:    stage,
		Kind:     kind,
		Cause:    cause,
	}
}

// InvalidState creates an error for caller misuse, such as writing to a finalized report.
func InvalidState(op, message string) error {
	return &Error{
		Sentinel: ErrInvalidState,
		Message:  fmt.Sprintf("%s: %s", op, message),
		Op:       op,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// StageOf returns the stage and failure kind carried by err, if any.
func StageOf(err error) (stage, kind string, ok bool) {
	var appErr *Error
	if errors.As(err, &appErr) && errors.Is(appErr.Sentinel, ErrStageFailure) {
		return appErr.Stage, appErr.Kind, true
	}
	return "", "", false
}
