package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeConnectionRejected = "CONNECTION_REJECTED"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeInvalidExpression  = "INVALID_EXPRESSION"
	ErrCodeNodeFailed         = "NODE_FAILED"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRunInProgress      = "RUN_IN_PROGRESS"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeUnsupported        = "UNSUPPORTED"
	ErrCodeVault              = "VAULT_ERROR"
)

// PipelineError is the structured error type for all pipeline operations.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *PipelineError) WithNode(nodeID string) *PipelineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// HasCode reports whether err is a *PipelineError with the given code.
func HasCode(err error, code string) bool {
	pe, ok := err.(*PipelineError)
	return ok && pe.Code == code
}
