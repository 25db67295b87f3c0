package nativesvc

import (
	"errors"
	"fmt"
	"strings"
)

// Precondition errors. They are only returned by strict calls, except
// ErrNotInstalled which enable, disable, start and stop always return.
var (
	// ErrNotInstalled indicates the operation needs an installed service
	ErrNotInstalled = errors.New("nativesvc: service not installed")

	// ErrAlreadyInstalled indicates a strict install found an existing unit
	ErrAlreadyInstalled = errors.New("nativesvc: service already installed")

	// ErrAlreadyEnabled indicates a strict enable found the service enabled
	ErrAlreadyEnabled = errors.New("nativesvc: service already enabled")

	// ErrAlreadyDisabled indicates a strict disable found the service disabled
	ErrAlreadyDisabled = errors.New("nativesvc: service already disabled")

	// ErrAlreadyRunning indicates a strict start found the service running
	ErrAlreadyRunning = errors.New("nativesvc: service already running")

	// ErrAlreadyStopped indicates a strict stop found the service stopped
	ErrAlreadyStopped = errors.New("nativesvc: service already stopped")
)

// Validation errors, returned before any native facility is touched
var (
	// ErrInvalidConfig indicates the service descriptor is unusable
	ErrInvalidConfig = errors.New("nativesvc: invalid config")

	// ErrNoArguments indicates install was called without program arguments
	ErrNoArguments = errors.New("nativesvc: no program arguments")

	// ErrExecutableNotFound indicates an absolute executable path does not exist
	ErrExecutableNotFound = errors.New("nativesvc: executable not found")

	// ErrNoVersion indicates install was called without a version
	ErrNoVersion = errors.New("nativesvc: version required")
)

// Facility and convergence errors
var (
	// ErrAmbiguousStatus indicates native tool output could not be classified
	ErrAmbiguousStatus = errors.New("nativesvc: ambiguous status")

	// ErrConvergenceTimeout indicates the status did not reach the target in time
	ErrConvergenceTimeout = errors.New("nativesvc: convergence timeout")

	// ErrStopFailed indicates the service survived a forced stop and needs
	// operator intervention
	ErrStopFailed = errors.New("nativesvc: service still running after stop")

	// ErrCommandTimeout indicates a native tool exceeded its per-call timeout
	ErrCommandTimeout = errors.New("nativesvc: command timeout")

	// ErrUnsupportedPlatform indicates no usable facility exists on this host
	ErrUnsupportedPlatform = errors.New("nativesvc: unsupported platform")
)

// OpError represents an error from a lifecycle operation
type OpError struct {
	// Op is the operation that failed
	Op Operation
	// Service is the service name
	Service string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return fmt.Sprintf("nativesvc %s %q: %v", e.Op.String(), e.Service, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// CommandError carries the diagnostics of a failed native tool invocation
type CommandError struct {
	// Args is the full command line, program first
	Args []string
	// ExitCode is the process exit code, -1 when it never ran to completion
	ExitCode int
	// Stderr is the trimmed diagnostic output
	Stderr string
	// Err is the underlying exec error, if any
	Err error
}

// Error returns a formatted error message
func (e *CommandError) Error() string {
	cmd := strings.Join(e.Args, " ")
	switch {
	case e.Err != nil && e.Stderr != "":
		return fmt.Sprintf("%s: %v (stderr: %s)", cmd, e.Err, e.Stderr)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", cmd, e.Err)
	case e.Stderr != "":
		return fmt.Sprintf("%s: exit status %d (stderr: %s)", cmd, e.ExitCode, e.Stderr)
	default:
		return fmt.Sprintf("%s: exit status %d", cmd, e.ExitCode)
	}
}

// Unwrap returns the underlying error for error chain inspection
func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsPrecondition reports whether err is a strict-mode or not-installed
// precondition failure rather than a facility failure
func IsPrecondition(err error) bool {
	for _, target := range []error{
		ErrNotInstalled,
		ErrAlreadyInstalled,
		ErrAlreadyEnabled,
		ErrAlreadyDisabled,
		ErrAlreadyRunning,
		ErrAlreadyStopped,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Unwrap exposes the accumulated errors to errors.Is and errors.As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
