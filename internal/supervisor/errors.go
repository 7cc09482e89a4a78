package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start while a backend is held.
	ErrAlreadyStarted = errors.New("backend already started")
	// ErrLaunchFailed matches every *LaunchError.
	ErrLaunchFailed = errors.New("backend launch failed")
)

// LaunchError reports a spawn failure after the fallback attempt, if any.
type LaunchError struct {
	Executable string
	Fallback   string // empty when no fallback was tried
	Cause      error
}

func (e *LaunchError) Error() string {
	if e.Fallback != "" {
		return fmt.Sprintf("launch %s (fallback %s): %v", e.Executable, e.Fallback, e.Cause)
	}
	return fmt.Sprintf("launch %s: %v", e.Executable, e.Cause)
}

func (e *LaunchError) Is(target error) bool { return target == ErrLaunchFailed }

func (e *LaunchError) Unwrap() error { return e.Cause }
