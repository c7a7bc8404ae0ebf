// Package pool tracks agent-to-workspace assignments and enforces the
// at-most-one-active-assignment invariant per agent.
package pool

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// legalFrom maps a target assignment status to the statuses it may be
// reached from: idle→running, running→{idle, paused, error}, paused→idle,
// error→idle.
var legalFrom = map[schema.AssignmentStatus][]schema.AssignmentStatus{
	schema.AssignmentStatusRunning: {schema.AssignmentStatusIdle},
	schema.AssignmentStatusIdle: {
		schema.AssignmentStatusRunning,
		schema.AssignmentStatusPaused,
		schema.AssignmentStatusError,
	},
	schema.AssignmentStatusPaused: {schema.AssignmentStatusRunning},
	schema.AssignmentStatusError:  {schema.AssignmentStatusRunning},
}

// Pool is the assignment allocator. All mutations go through the store's
// single-transaction primitives, so concurrent callers cannot produce two
// active assignments for one agent.
type Pool struct {
	store store.Store
	log   *slog.Logger
}

func New(st store.Store, log *slog.Logger) *Pool {
	return &Pool{store: st, log: log}
}

// Assign binds the agent to the workspace, deactivating any prior active
// assignment as part of the same transaction. Reassignment between
// workspaces therefore needs no explicit release first.
func (p *Pool) Assign(ctx context.Context, agentID, workspaceID string) (*store.Assignment, error) {
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.DeletedAt != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q is deleted", agentID)
	}
	if _, err := p.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}

	a := &store.Assignment{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Status:      schema.AssignmentStatusIdle,
		IsActive:    true,
	}
	if err := p.store.CreateAssignment(ctx, a); err != nil {
		return nil, err
	}

	p.log.InfoContext(ctx, "agent assigned",
		"agent_id", agentID, "workspace_id", workspaceID, "assignment_id", a.ID)
	p.audit(ctx, workspaceID, "assign", a)
	return a, nil
}

// Release deactivates the agent's active assignment in the workspace,
// returning the agent to the pool. Fails with NOT_ASSIGNED if no active
// assignment matches both IDs.
func (p *Pool) Release(ctx context.Context, agentID, workspaceID string) error {
	if err := p.store.DeactivateAssignment(ctx, agentID, workspaceID); err != nil {
		return err
	}
	p.log.InfoContext(ctx, "agent released",
		"agent_id", agentID, "workspace_id", workspaceID)
	p.audit(ctx, workspaceID, "release", map[string]string{"agent_id": agentID})
	return nil
}

// SetStatus transitions the active assignment's status. Illegal transitions
// fail with INVALID_TRANSITION; a missing assignment with NOT_ASSIGNED.
func (p *Pool) SetStatus(ctx context.Context, agentID, workspaceID string, to schema.AssignmentStatus) error {
	from, ok := legalFrom[to]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "unknown assignment status: %s", to)
	}
	if err := p.store.UpdateAssignmentStatus(ctx, agentID, workspaceID, from, to); err != nil {
		return err
	}
	p.log.DebugContext(ctx, "assignment status changed",
		"agent_id", agentID, "workspace_id", workspaceID, "status", string(to))
	return nil
}

// CurrentAssignment returns the agent's active assignment, or nil if the
// agent is in the pool.
func (p *Pool) CurrentAssignment(ctx context.Context, agentID string) (*store.Assignment, error) {
	a, err := p.store.GetActiveAssignment(ctx, agentID)
	if err != nil {
		if cwErr, ok := err.(*schema.CrewlineError); ok && cwErr.Code == schema.ErrCodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// WorkspaceAssignments lists the workspace's active assignments.
func (p *Pool) WorkspaceAssignments(ctx context.Context, workspaceID string) ([]*store.Assignment, error) {
	return p.store.ListAssignments(ctx, workspaceID, true)
}

func (p *Pool) audit(ctx context.Context, workspaceID, action string, details any) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = nil
	}
	if err := p.store.AppendAudit(ctx, &store.AuditEntry{
		WorkspaceID:  workspaceID,
		Action:       action,
		ResourceType: "assignment",
		Details:      payload,
	}); err != nil {
		p.log.WarnContext(ctx, "audit append failed", "action", action, "error", err)
	}
}
