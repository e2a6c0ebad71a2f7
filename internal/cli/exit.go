package cli

import (
	"errors"
	"fmt"

	"github.com/rpattn/dwhsync/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Window or command succeeded
	ExitFailure      = 1 // A stage failed; the window will be retried by the next run
	ExitCommandError = 2 // Bad configuration, unreachable warehouse or source
	ExitHalted       = 3 // Critical validation failure halted the window
)

// ExitError carries the process exit code for a command error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not
// ExitErrors map to ExitHalted when they wrap a critical validation failure
// and to ExitFailure otherwise.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, domain.ErrCriticalValidation) {
		return ExitHalted
	}
	return ExitFailure
}
