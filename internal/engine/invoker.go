package engine

import (
	"context"
	"encoding/json"

	"github.com/crewline/crewline/internal/store"
)

// InvokeInput carries the step's input document and execution context to the
// external provider.
type InvokeInput struct {
	NodeID      string          `json:"node_id"`
	NodeType    string          `json:"node_type"`
	ExecutionID string          `json:"execution_id"`
	WorkspaceID string          `json:"workspace_id"`
	Input       json.RawMessage `json:"input,omitempty"`
	Upstream    json.RawMessage `json:"upstream,omitempty"`
}

// InvokeResult is what the external provider returns on success.
type InvokeResult struct {
	Output    json.RawMessage `json:"output,omitempty"`
	Tokens    int64           `json:"tokens"`
	Cost      int64           `json:"cost"` // credits beyond the agent's cost_per_run
	ElapsedMs int64           `json:"elapsed_ms"`
}

// AgentInvoker is the outbound boundary to the agent-execution provider.
// Implementations classify failures by returning CrewlineErrors: codes
// UPSTREAM_TIMEOUT and UPSTREAM_FAILURE are transient and retried, anything
// else is permanent. The engine enforces the per-attempt timeout via ctx.
type AgentInvoker interface {
	Invoke(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error)
}

// InvokerFunc adapts a function to the AgentInvoker interface.
type InvokerFunc func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
	return f(ctx, agent, input)
}
