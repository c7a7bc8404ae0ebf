// Package agents manages the catalog of configured AI worker definitions.
package agents

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

var knownProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"google":    true,
	"local":     true,
}

// Catalog is the operator-facing agent registry. Agents are soft-deleted so
// assignment history and ledger references stay resolvable.
type Catalog struct {
	store store.Store
	log   *slog.Logger
}

func New(st store.Store, log *slog.Logger) *Catalog {
	return &Catalog{store: st, log: log}
}

// Create registers a new agent definition.
func (c *Catalog) Create(ctx context.Context, a *store.Agent) (*store.Agent, error) {
	if a.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent name is required")
	}
	if !knownProviders[a.Provider] {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown provider: %s", a.Provider)
	}
	if a.Model == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent model is required")
	}
	if a.CostPerRun < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "cost_per_run cannot be negative")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if err := c.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	c.log.InfoContext(ctx, "agent created", "agent_id", a.ID, "provider", a.Provider, "model", a.Model)
	c.audit(ctx, "create", a.ID, a)
	return a, nil
}

// Get returns an agent by ID, including soft-deleted ones.
func (c *Catalog) Get(ctx context.Context, id string) (*store.Agent, error) {
	return c.store.GetAgent(ctx, id)
}

// Update mutates an agent's prompt or config. Soft-deleted agents cannot be
// updated.
func (c *Catalog) Update(ctx context.Context, id string, update store.AgentUpdate) (*store.Agent, error) {
	if update.CostPerRun != nil && *update.CostPerRun < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "cost_per_run cannot be negative")
	}
	if err := c.store.UpdateAgent(ctx, id, update); err != nil {
		return nil, err
	}
	c.audit(ctx, "update", id, update)
	return c.store.GetAgent(ctx, id)
}

// Delete tombstones the agent. Its active assignment, if any, is released
// first so no workspace keeps a deleted worker.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if a, err := c.store.GetActiveAssignment(ctx, id); err == nil {
		if derr := c.store.DeactivateAssignment(ctx, id, a.WorkspaceID); derr != nil {
			return derr
		}
	}
	if err := c.store.SoftDeleteAgent(ctx, id); err != nil {
		return err
	}
	c.log.InfoContext(ctx, "agent deleted", "agent_id", id)
	c.audit(ctx, "delete", id, nil)
	return nil
}

// List returns the live agents, or all agents when includeDeleted is set.
func (c *Catalog) List(ctx context.Context, includeDeleted bool) ([]*store.Agent, error) {
	return c.store.ListAgents(ctx, includeDeleted)
}

func (c *Catalog) audit(ctx context.Context, action, agentID string, details any) {
	var payload json.RawMessage
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			payload = b
		}
	}
	if err := c.store.AppendAudit(ctx, &store.AuditEntry{
		Action:       action,
		ResourceType: "agent",
		ResourceID:   agentID,
		Details:      payload,
	}); err != nil {
		c.log.WarnContext(ctx, "audit append failed", "action", action, "error", err)
	}
}
