package store

import (
	"encoding/json"
	"time"

	"github.com/crewline/crewline/pkg/schema"
)

// Workspace is a tenant that owns pipelines, executions and a credit balance.
type Workspace struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Agent is a configured AI worker definition. Soft-deleted, never removed,
// so assignment history stays resolvable.
type Agent struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Provider     string          `json:"provider"` // anthropic, openai, local
	Model        string          `json:"model"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	CostPerRun   int64           `json:"cost_per_run"`
	Config       json.RawMessage `json:"config,omitempty"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Assignment binds one agent to one workspace. At most one row per agent
// carries is_active=1; the store enforces this with a partial unique index.
type Assignment struct {
	ID          string                  `json:"id"`
	AgentID     string                  `json:"agent_id"`
	WorkspaceID string                  `json:"workspace_id"`
	Status      schema.AssignmentStatus `json:"status"`
	IsActive    bool                    `json:"is_active"`
	AssignedAt  time.Time               `json:"assigned_at"`
	ReleasedAt  *time.Time              `json:"released_at,omitempty"`
}

// Pipeline is a versioned DAG template. Immutable once published.
type Pipeline struct {
	ID          string                     `json:"id"`
	WorkspaceID string                     `json:"workspace_id"`
	Name        string                     `json:"name"`
	Version     int                        `json:"version"`
	Definition  *schema.PipelineDefinition `json:"definition"`
	Published   bool                       `json:"published"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// Execution is one run of a pipeline against a workspace.
type Execution struct {
	ID           string                 `json:"id"`
	PipelineID   string                 `json:"pipeline_id"`
	WorkspaceID  string                 `json:"workspace_id"`
	Status       schema.ExecutionStatus `json:"status"`
	InputData    json.RawMessage        `json:"input_data,omitempty"`
	OutputData   json.RawMessage        `json:"output_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	DurationMs   int64                  `json:"duration_ms,omitempty"`
}

// Step is one node's execution instance. Owned by exactly one execution.
type Step struct {
	ExecutionID  string            `json:"execution_id"`
	NodeID       string            `json:"node_id"`
	NodeType     schema.NodeType   `json:"node_type"`
	AgentID      string            `json:"agent_id,omitempty"`
	Status       schema.StepStatus `json:"status"`
	Position     int               `json:"position"` // topological order index
	Input        json.RawMessage   `json:"input,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	CreditsUsed  int64             `json:"credits_used"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMs   int64             `json:"duration_ms,omitempty"`
}

// CreditTransaction is an immutable entry in a workspace's balance chain.
// balance_after is a snapshot computed at append time, never recomputed.
type CreditTransaction struct {
	ID           int64                  `json:"id"`
	WorkspaceID  string                 `json:"workspace_id"`
	Type         schema.TransactionType `json:"transaction_type"`
	Amount       int64                  `json:"amount"` // signed
	BalanceAfter int64                  `json:"balance_after"`
	ExecutionID  string                 `json:"execution_id,omitempty"`
	StepID       string                 `json:"step_id,omitempty"`
	Description  string                 `json:"description,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// CreditLimit is the per-workspace spending policy. monthly_limit 0 means
// unlimited.
type CreditLimit struct {
	WorkspaceID  string    `json:"workspace_id"`
	MonthlyLimit int64     `json:"monthly_limit"`
	AutoStop     bool      `json:"auto_stop"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// AuditEntry records an operator-visible mutation (assignments, limits,
// manual credit operations).
type AuditEntry struct {
	ID           int64           `json:"id"`
	WorkspaceID  string          `json:"workspace_id,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ScheduledRun is a cron-triggered pipeline execution.
type ScheduledRun struct {
	ID             string          `json:"id"`
	PipelineID     string          `json:"pipeline_id"`
	WorkspaceID    string          `json:"workspace_id"`
	CronExpression string          `json:"cron_expression"`
	InputData      json.RawMessage `json:"input_data,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkspaceID string                  `json:"workspace_id,omitempty"`
	PipelineID  string                  `json:"pipeline_id,omitempty"`
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Since       *time.Time              `json:"since,omitempty"`
	Limit       int                     `json:"limit,omitempty"`
	Offset      int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	OutputData   json.RawMessage         `json:"output_data,omitempty"`
	ErrorMessage *string                 `json:"error_message,omitempty"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
	DurationMs   *int64                  `json:"duration_ms,omitempty"`
}

// StepUpdate specifies mutable fields of a step.
type StepUpdate struct {
	Status       *schema.StepStatus `json:"status,omitempty"`
	Output       json.RawMessage    `json:"output,omitempty"`
	ErrorMessage *string            `json:"error_message,omitempty"`
	RetryCount   *int               `json:"retry_count,omitempty"`
	CreditsUsed  *int64             `json:"credits_used,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	DurationMs   *int64             `json:"duration_ms,omitempty"`
}

// TransactionFilter specifies criteria for listing credit transactions.
type TransactionFilter struct {
	Type        *schema.TransactionType `json:"transaction_type,omitempty"`
	ExecutionID string                  `json:"execution_id,omitempty"`
	From        *time.Time              `json:"from,omitempty"`
	To          *time.Time              `json:"to,omitempty"`
	Limit       int                     `json:"limit,omitempty"`
}

// AgentUpdate specifies mutable fields of an agent.
type AgentUpdate struct {
	Name         *string         `json:"name,omitempty"`
	SystemPrompt *string         `json:"system_prompt,omitempty"`
	CostPerRun   *int64          `json:"cost_per_run,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// AuditFilter specifies criteria for listing audit entries.
type AuditFilter struct {
	WorkspaceID  string `json:"workspace_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}
