package cli

import (
	"errors"
	"fmt"

	"github.com/tOgg1/toolchat/internal/engine"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
	"github.com/tOgg1/toolchat/internal/search"
)

// Exit codes returned by tchat.
const (
	ExitCodeFailure = 1
	ExitCodeUsage   = 2
	ExitCodeAuth    = 3
)

// ExitError carries the process exit code for an error. Printed is set when
// the message already reached stderr.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exitf builds an ExitError from a format string.
func Exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

func usageError(format string, args ...any) error {
	return Exitf(ExitCodeUsage, format, args...)
}

// classify maps engine and service errors onto exit codes.
func classify(action string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	var invalid *models.ValidationErrors
	switch {
	case errors.Is(err, msgservice.ErrUnauthorized), errors.Is(err, engine.ErrNotAuthenticated):
		return &ExitError{Code: ExitCodeAuth, Err: fmt.Errorf("%s: %w (run 'tchat login')", action, err)}
	case errors.As(err, &invalid), errors.Is(err, models.ErrInvalidConversationType), errors.Is(err, search.ErrBlankTerm):
		return &ExitError{Code: ExitCodeUsage, Err: fmt.Errorf("%s: %w", action, err)}
	default:
		return &ExitError{Code: ExitCodeFailure, Err: fmt.Errorf("%s: %w", action, err)}
	}
}
