// Package toolerrors provides structured, coded error types for tool
// invocation failures. ToolError preserves error chains and supports
// errors.Is/As while remaining serializable so failures survive the trip
// through the store and back into a continuation model request.
package toolerrors

import (
	"errors"
	"fmt"
)

// Code classifies a tool failure. The set is closed; callers switch on it to
// decide retry and surfacing behavior.
type Code string

const (
	// CodeExecutionFailed indicates the upstream task or workflow raised.
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	// CodeTimeout indicates the operation deadline elapsed before a result
	// arrived. Timeout failures are retriable.
	CodeTimeout Code = "TIMEOUT"
	// CodeNotFound indicates the model referenced a tool that is not in the
	// resolved catalog.
	CodeNotFound Code = "NOT_FOUND"
	// CodePermissionDenied is reserved for policy enforcement layered above
	// the orchestrator core.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeInvalidInput indicates the tool input failed JSON-Schema validation.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeAgentDeclined indicates a peer agent reported failure for a
	// delegated or looped-in invocation.
	CodeAgentDeclined Code = "AGENT_DECLINED"
	// CodeInternal indicates the engine itself raised; surfaced in traces.
	CodeInternal Code = "INTERNAL_ERROR"
)

// ToolError represents a structured tool failure that preserves the failure
// code and causal context while implementing the standard error interface.
// Errors may be nested via Cause to retain diagnostics across retries and
// agent-to-agent hops.
type ToolError struct {
	// Code classifies the failure.
	Code Code `json:"code"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Retriable reports whether a retry of the same invocation may succeed.
	Retriable bool `json:"retriable"`
	// Paths lists the offending input paths for validation failures.
	Paths []string `json:"paths,omitempty"`
	// Cause links to the underlying tool error, enabling error chains with
	// errors.Is/As.
	Cause *ToolError `json:"cause,omitempty"`
}

// New constructs a ToolError with the provided code and message.
func New(code Code, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Code: code, Message: message}
}

// Newf constructs a ToolError with a formatted message.
func Newf(code Code, format string, args ...any) *ToolError {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is converted into a ToolError chain so metadata survives
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(code Code, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Code:    code,
		Message: message,
		Cause:   FromError(cause),
	}
}

// Timeout constructs the retriable TIMEOUT failure synthesized by the alarm
// sweep.
func Timeout(message string) *ToolError {
	return &ToolError{Code: CodeTimeout, Message: message, Retriable: true}
}

// Invalid constructs an INVALID_INPUT failure listing the offending paths.
func Invalid(message string, paths []string) *ToolError {
	return &ToolError{Code: CodeInvalidInput, Message: message, Paths: paths}
}

// FromError converts an arbitrary error into a ToolError chain. Errors that
// are already ToolErrors pass through unchanged; everything else becomes an
// EXECUTION_FAILED chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Code:    CodeExecutionFailed,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
