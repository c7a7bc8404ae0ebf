package schema

// Event type constants for the append-only event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"

	EventStepStarted      = "step_started"
	EventStepCompleted    = "step_completed"
	EventStepFailed       = "step_failed"
	EventStepSkipped      = "step_skipped"
	EventStepRetrying     = "step_retrying"
	EventStepRetryAttempt = "step_retry_attempt"

	EventBudgetBlocked     = "budget_blocked"
	EventBudgetWarning     = "budget_warning"
	EventScheduleTriggered = "schedule_triggered"
)

// ExecutionStatus represents the lifecycle state of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution can no longer change state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the lifecycle state of a step within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step can no longer change state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// AssignmentStatus represents the operating state of an active assignment.
type AssignmentStatus string

const (
	AssignmentStatusIdle    AssignmentStatus = "idle"
	AssignmentStatusRunning AssignmentStatus = "running"
	AssignmentStatusPaused  AssignmentStatus = "paused"
	AssignmentStatusError   AssignmentStatus = "error"
)

// TransactionType classifies a credit ledger entry.
type TransactionType string

const (
	TransactionTypeCharge     TransactionType = "charge"
	TransactionTypeUsage      TransactionType = "usage"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeBonus      TransactionType = "bonus"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

// ValidTransactionTypes is the set of recognized ledger entry types.
var ValidTransactionTypes = map[TransactionType]bool{
	TransactionTypeCharge:     true,
	TransactionTypeUsage:      true,
	TransactionTypeRefund:     true,
	TransactionTypeBonus:      true,
	TransactionTypeAdjustment: true,
}
