// Package engine implements the artifact orchestration core: installed-state
// detection, topology validation and dispatch to topology strategies that
// produce ordered install, update, backup and restore plans.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for caller handling.
type ErrorClass string

const (
	// ErrorClassConflict indicates a mismatch between the request and the
	// installed state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid options, unsupported topology, malformed input.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation Operation) *EngineError {
	e.Operation = string(operation)
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// ErrorCode returns the code of the first engine error in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrorClassOf returns the class of the first engine error in the chain, or "".
func ErrorClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeTopologyMismatch    = "TOPOLOGY_MISMATCH"
	ErrCodeUnsupportedTopology = "UNSUPPORTED_TOPOLOGY"
	ErrCodeNotInstalled        = "NOT_INSTALLED"
	ErrCodeConfigUnavailable   = "CONFIG_UNAVAILABLE"
)

// Sentinel errors for errors.Is. Returned errors carry more context but
// match these by class and code.
var (
	// ErrTopologyMismatch is returned when an update targets a topology other
	// than the installed one, or when nothing is installed.
	ErrTopologyMismatch = &EngineError{Class: ErrorClassConflict, Code: ErrCodeTopologyMismatch, Message: "topology mismatch"}

	// ErrUnsupportedTopology is returned when no strategy is registered for a topology.
	ErrUnsupportedTopology = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnsupportedTopology, Message: "unsupported topology"}

	// ErrNotInstalled is returned by backup and restore when no installation is detected.
	ErrNotInstalled = &EngineError{Class: ErrorClassConflict, Code: ErrCodeNotInstalled, Message: "artifact is not installed"}

	// ErrInvalidOptions is returned when options or configuration lack required values.
	ErrInvalidOptions = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation, Message: "invalid options"}

	// ErrConfigUnavailable is returned when the configuration reference cannot be loaded.
	ErrConfigUnavailable = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeConfigUnavailable, Message: "configuration unavailable"}
)

func newTopologyMismatchError(installed InstalledState, requested Topology) *EngineError {
	msg := fmt.Sprintf("only update to the same installation topology is supported: installed=%s, requested=%s",
		installed.describeTopology(), requested)
	return NewConflictError(msg, nil).
		WithCode(ErrCodeTopologyMismatch).
		WithOperation(OperationUpdate).
		WithDetail("installed", installed.describeTopology()).
		WithDetail("requested", string(requested))
}

func newUnsupportedTopologyError(topology Topology) *EngineError {
	return NewPermanentError(fmt.Sprintf("no strategy registered for topology %q", topology), nil).
		WithCode(ErrCodeUnsupportedTopology).
		WithDetail("topology", string(topology))
}

func newNotInstalledError(op Operation) *EngineError {
	return NewConflictError("artifact is not installed", nil).
		WithCode(ErrCodeNotInstalled).
		WithOperation(op)
}

func newInvalidOptionsError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeValidation)
}
