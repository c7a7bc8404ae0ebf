package store

import (
	"context"
	"time"

	"github.com/crewline/crewline/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)

	// Agents (soft-deleted, never removed)
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, id string, update AgentUpdate) error
	SoftDeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, includeDeleted bool) ([]*Agent, error)

	// Assignments. CreateAssignment deactivates any prior active row for the
	// agent and inserts the new one in a single transaction. Status updates
	// are compare-and-swap: the row must currently hold one of `from`.
	CreateAssignment(ctx context.Context, a *Assignment) error
	DeactivateAssignment(ctx context.Context, agentID, workspaceID string) error
	UpdateAssignmentStatus(ctx context.Context, agentID, workspaceID string, from []schema.AssignmentStatus, to schema.AssignmentStatus) error
	GetActiveAssignment(ctx context.Context, agentID string) (*Assignment, error)
	ListAssignments(ctx context.Context, workspaceID string, activeOnly bool) ([]*Assignment, error)

	// Pipelines (immutable once published)
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	PublishPipeline(ctx context.Context, id string) error
	ListPipelines(ctx context.Context, workspaceID string) ([]*Pipeline, error)

	// Executions
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Steps. ClaimStep is the status-based compare-and-swap a worker uses to
	// take exclusive ownership of a step transition.
	CreateSteps(ctx context.Context, steps []*Step) error
	GetStep(ctx context.Context, executionID, nodeID string) (*Step, error)
	UpdateStep(ctx context.Context, executionID, nodeID string, update StepUpdate) error
	ClaimStep(ctx context.Context, executionID, nodeID string, from []schema.StepStatus, to schema.StepStatus) (bool, error)
	ListSteps(ctx context.Context, executionID string) ([]*Step, error)
	SumStepCredits(ctx context.Context, executionID string) (int64, error)

	// Credit ledger (append-only). AppendTransaction computes balance_after
	// from the latest row inside the write transaction.
	AppendTransaction(ctx context.Context, tx *CreditTransaction) error
	LatestBalance(ctx context.Context, workspaceID string) (int64, error)
	SumUsage(ctx context.Context, workspaceID string, from, to time.Time) (int64, error)
	ListTransactions(ctx context.Context, workspaceID string, filter TransactionFilter) ([]*CreditTransaction, error)
	GetCreditLimit(ctx context.Context, workspaceID string) (*CreditLimit, error)
	SetCreditLimit(ctx context.Context, limit *CreditLimit) error

	// Event log (append-only, per-execution monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Audit trail
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
