package core

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrResourceClosed is returned to operations abandoned by a forced close.
	ErrResourceClosed = errors.New("resource closed")
	// ErrNotInitialized is returned when the workspace is used before Init.
	ErrNotInitialized = errors.New("workspace not initialized")
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")
)

// TransportError reports that the execution resource was unreachable,
// failed to start, or was terminated while an operation was pending.
type TransportError struct {
	Op  string
	Err error
	// Results holds statements completed before the failure, if any.
	Results []StatementResult
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatementError reports a statement that failed to prepare or step.
// Results holds every statement completed before the failing one.
type StatementError struct {
	Index     int
	Statement string
	Err       error
	Results   []StatementResult
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %d failed: %v", e.Index+1, e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// Message returns the engine's message without the statement prefix.
func (e *StatementError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// PreconditionError reports an operation invoked in a state that forbids it.
type PreconditionError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a lookup of an unknown identifier.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// UnknownFacetError is returned when parsing an unknown facet name.
type UnknownFacetError struct {
	Name string
}

func (e *UnknownFacetError) Error() string {
	return fmt.Sprintf("unknown facet %q (available: definition, query, query-results)", e.Name)
}

// PartialResults extracts the results completed before err occurred.
func PartialResults(err error) []StatementResult {
	var stmtErr *StatementError
	if errors.As(err, &stmtErr) {
		return stmtErr.Results
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Results
	}
	return nil
}

// ErrorMessage returns the user-facing message for a failed run.
func ErrorMessage(err error) string {
	var stmtErr *StatementError
	if errors.As(err, &stmtErr) {
		return stmtErr.Message()
	}
	return err.Error()
}
