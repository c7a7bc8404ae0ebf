package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidEntryPoint = "INVALID_ENTRY_POINT"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnreachableNode   = "UNREACHABLE_NODE"
	ErrCodeMalformedEdge     = "MALFORMED_EDGE"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotAssigned       = "NOT_ASSIGNED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAgentUnavailable  = "AGENT_UNAVAILABLE"
	ErrCodeBudgetExceeded    = "BUDGET_EXCEEDED"
	ErrCodeZeroAmount        = "ZERO_AMOUNT"
	ErrCodeLedgerIntegrity   = "LEDGER_INTEGRITY"
	ErrCodeUpstreamTimeout   = "UPSTREAM_TIMEOUT"
	ErrCodeUpstreamFailure   = "UPSTREAM_FAILURE"
	ErrCodeInvocation        = "INVOCATION_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// retryableCodes are the error codes the engine treats as transient.
var retryableCodes = map[string]bool{
	ErrCodeUpstreamTimeout: true,
	ErrCodeUpstreamFailure: true,
}

// CrewlineError is the structured error type for all control-plane operations.
type CrewlineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CrewlineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CrewlineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code marks a transient failure.
func (e *CrewlineError) IsRetryable() bool {
	return retryableCodes[e.Code]
}

// NewError creates a new CrewlineError.
func NewError(code, message string) *CrewlineError {
	return &CrewlineError{Code: code, Message: message}
}

// NewErrorf creates a new CrewlineError with a formatted message.
func NewErrorf(code, format string, args ...any) *CrewlineError {
	return &CrewlineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step/node ID to the error.
func (e *CrewlineError) WithStep(stepID string) *CrewlineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *CrewlineError) WithCause(err error) *CrewlineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CrewlineError) WithDetails(details map[string]any) *CrewlineError {
	e.Details = details
	return e
}
