package apperrors

import "errors"

// Process exit codes reported by the CLI.
const (
	ExitOK           = 0
	ExitStageFailure = 1
	ExitInvalidInput = 2
	ExitInternal     = 3
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrStageFailure):
		return ExitStageFailure
	case errors.Is(err, ErrValidation):
		return ExitInvalidInput
	default:
		return ExitInternal
	}
}
