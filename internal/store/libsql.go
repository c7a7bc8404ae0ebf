package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/crewline/crewline/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workspaces ---

func (s *LibSQLStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, metadata, created_at) VALUES (?, ?, ?, ?)`,
		ws.ID, ws.Name, nullRaw(ws.Metadata), timeOrNow(ws.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, metadata, created_at FROM workspaces WHERE id = ?`, id,
	).Scan(&ws.ID, &ws.Name, &metadata, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workspace", id)
	}
	if err != nil {
		return nil, err
	}
	ws.Metadata = rawOrNil(metadata)
	return ws, nil
}

func (s *LibSQLStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, metadata, created_at FROM workspaces ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		ws := &Workspace{}
		var metadata sql.NullString
		if err := rows.Scan(&ws.ID, &ws.Name, &metadata, &ws.CreatedAt); err != nil {
			return nil, err
		}
		ws.Metadata = rawOrNil(metadata)
		out = append(out, ws)
	}
	return out, rows.Err()
}

// --- Agents ---

func (s *LibSQLStore) CreateAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, provider, model, system_prompt, cost_per_run, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Provider, agent.Model, nullStr(agent.SystemPrompt),
		agent.CostPerRun, nullRaw(agent.Config), timeOrNow(agent.CreatedAt), timeOrNow(agent.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	var systemPrompt, config sql.NullString
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, provider, model, system_prompt, cost_per_run, config, deleted_at, created_at, updated_at
		 FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Provider, &a.Model, &systemPrompt, &a.CostPerRun, &config,
		&deletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	a.SystemPrompt = systemPrompt.String
	a.Config = rawOrNil(config)
	if deletedAt.Valid {
		a.DeletedAt = &deletedAt.Time
	}
	return a, nil
}

func (s *LibSQLStore) UpdateAgent(ctx context.Context, id string, update AgentUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.SystemPrompt != nil {
		sets = append(sets, "system_prompt = ?")
		args = append(args, *update.SystemPrompt)
	}
	if update.CostPerRun != nil {
		sets = append(sets, "cost_per_run = ?")
		args = append(args, *update.CostPerRun)
	}
	if update.Config != nil {
		sets = append(sets, "config = ?")
		args = append(args, string(update.Config))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE agents SET %s WHERE id = ? AND deleted_at IS NULL", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", id)
}

func (s *LibSQLStore) SoftDeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND deleted_at IS NULL`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", id)
}

func (s *LibSQLStore) ListAgents(ctx context.Context, includeDeleted bool) ([]*Agent, error) {
	query := `SELECT id, name, provider, model, system_prompt, cost_per_run, config, deleted_at, created_at, updated_at FROM agents`
	if !includeDeleted {
		query += " WHERE deleted_at IS NULL"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		var systemPrompt, config sql.NullString
		var deletedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Name, &a.Provider, &a.Model, &systemPrompt, &a.CostPerRun,
			&config, &deletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.SystemPrompt = systemPrompt.String
		a.Config = rawOrNil(config)
		if deletedAt.Valid {
			a.DeletedAt = &deletedAt.Time
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Assignments ---

// CreateAssignment deactivates any prior active assignment for the agent and
// inserts the new row, all in one transaction. The partial unique index on
// (agent_id) WHERE is_active=1 makes a duplicate active row impossible even
// if two callers race past the deactivate.
func (s *LibSQLStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE assignments SET is_active = 0, released_at = CURRENT_TIMESTAMP
		 WHERE agent_id = ? AND is_active = 1`, a.AgentID,
	)
	if err != nil {
		return fmt.Errorf("deactivate prior assignment: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO assignments (id, agent_id, workspace_id, status, is_active, assigned_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		a.ID, a.AgentID, a.WorkspaceID, string(a.Status), timeOrNow(a.AssignedAt),
	)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) DeactivateAssignment(ctx context.Context, agentID, workspaceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET is_active = 0, released_at = CURRENT_TIMESTAMP
		 WHERE agent_id = ? AND workspace_id = ? AND is_active = 1`,
		agentID, workspaceID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotAssigned,
			"agent %q has no active assignment in workspace %q", agentID, workspaceID)
	}
	return nil
}

// UpdateAssignmentStatus transitions an active assignment's status with a
// compare-and-swap on the current status. A zero-row update means either no
// active assignment exists (NOT_ASSIGNED) or the current status is not in
// `from` (INVALID_TRANSITION); a follow-up read disambiguates.
func (s *LibSQLStore) UpdateAssignmentStatus(ctx context.Context, agentID, workspaceID string, from []schema.AssignmentStatus, to schema.AssignmentStatus) error {
	placeholders := make([]string, len(from))
	args := []any{string(to), agentID, workspaceID}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := fmt.Sprintf(
		`UPDATE assignments SET status = ? WHERE agent_id = ? AND workspace_id = ? AND is_active = 1 AND status IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM assignments WHERE agent_id = ? AND workspace_id = ? AND is_active = 1`,
		agentID, workspaceID,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return schema.NewErrorf(schema.ErrCodeNotAssigned,
			"agent %q has no active assignment in workspace %q", agentID, workspaceID)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"assignment for agent %q is %s, cannot move to %s", agentID, current, to)
}

func (s *LibSQLStore) GetActiveAssignment(ctx context.Context, agentID string) (*Assignment, error) {
	a := &Assignment{}
	var status string
	var releasedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workspace_id, status, is_active, assigned_at, released_at
		 FROM assignments WHERE agent_id = ? AND is_active = 1`, agentID,
	).Scan(&a.ID, &a.AgentID, &a.WorkspaceID, &status, &a.IsActive, &a.AssignedAt, &releasedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("assignment", agentID)
	}
	if err != nil {
		return nil, err
	}
	a.Status = schema.AssignmentStatus(status)
	if releasedAt.Valid {
		a.ReleasedAt = &releasedAt.Time
	}
	return a, nil
}

func (s *LibSQLStore) ListAssignments(ctx context.Context, workspaceID string, activeOnly bool) ([]*Assignment, error) {
	query := `SELECT id, agent_id, workspace_id, status, is_active, assigned_at, released_at
	          FROM assignments WHERE workspace_id = ?`
	if activeOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY assigned_at"

	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		a := &Assignment{}
		var status string
		var releasedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.AgentID, &a.WorkspaceID, &status, &a.IsActive, &a.AssignedAt, &releasedAt); err != nil {
			return nil, err
		}
		a.Status = schema.AssignmentStatus(status)
		if releasedAt.Valid {
			a.ReleasedAt = &releasedAt.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Pipelines ---

func (s *LibSQLStore) CreatePipeline(ctx context.Context, p *Pipeline) error {
	def, err := json.Marshal(p.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, workspace_id, name, version, definition, published, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.Name, p.Version, string(def), p.Published,
		timeOrNow(p.CreatedAt), timeOrNow(p.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	p := &Pipeline{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, version, definition, published, created_at, updated_at
		 FROM pipelines WHERE id = ?`, id,
	).Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Version, &defJSON, &p.Published, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pipeline", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &p.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return p, nil
}

func (s *LibSQLStore) PublishPipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET published = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND published = 0`, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetPipeline(ctx, id); gerr != nil {
			return gerr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "pipeline %q is already published", id)
	}
	return nil
}

func (s *LibSQLStore) ListPipelines(ctx context.Context, workspaceID string) ([]*Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, name, version, definition, published, created_at, updated_at
		 FROM pipelines WHERE workspace_id = ? ORDER BY name, version DESC`, workspaceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Pipeline
	for rows.Next() {
		p := &Pipeline{}
		var defJSON string
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Version, &defJSON, &p.Published, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &p.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, e *Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, pipeline_id, workspace_id, status, input_data, output_data, error_message, created_at, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PipelineID, e.WorkspaceID, string(e.Status),
		nullRaw(e.InputData), nullRaw(e.OutputData), nullStr(e.ErrorMessage),
		timeOrNow(e.CreatedAt), nullTime(e.StartedAt), nullTime(e.CompletedAt), e.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e := &Execution{}
	var status string
	var inputData, outputData, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, workspace_id, status, input_data, output_data, error_message, created_at, started_at, completed_at, duration_ms
		 FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &e.PipelineID, &e.WorkspaceID, &status, &inputData, &outputData, &errMsg,
		&e.CreatedAt, &startedAt, &completedAt, &e.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.InputData = rawOrNil(inputData)
	e.OutputData = rawOrNil(outputData)
	e.ErrorMessage = errMsg.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, pipeline_id, workspace_id, status, input_data, output_data, error_message, created_at, started_at, completed_at, duration_ms FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e := &Execution{}
		var status string
		var inputData, outputData, errMsg sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.WorkspaceID, &status, &inputData, &outputData,
			&errMsg, &e.CreatedAt, &startedAt, &completedAt, &e.DurationMs); err != nil {
			return nil, err
		}
		e.Status = schema.ExecutionStatus(status)
		e.InputData = rawOrNil(inputData)
		e.OutputData = rawOrNil(outputData)
		e.ErrorMessage = errMsg.String
		if startedAt.Valid {
			e.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Steps ---

func (s *LibSQLStore) CreateSteps(ctx context.Context, steps []*Step) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, st := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (execution_id, node_id, node_type, agent_id, status, position, input, max_retries)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ExecutionID, st.NodeID, string(st.NodeType), nullStr(st.AgentID),
			string(st.Status), st.Position, nullRaw(st.Input), st.MaxRetries,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.NodeID, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetStep(ctx context.Context, executionID, nodeID string) (*Step, error) {
	st := &Step{}
	var nodeType, status string
	var agentID, input, output, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, node_id, node_type, agent_id, status, position, input, output, error_message, retry_count, max_retries, credits_used, started_at, completed_at, duration_ms
		 FROM steps WHERE execution_id = ? AND node_id = ?`, executionID, nodeID,
	).Scan(&st.ExecutionID, &st.NodeID, &nodeType, &agentID, &status, &st.Position,
		&input, &output, &errMsg, &st.RetryCount, &st.MaxRetries, &st.CreditsUsed,
		&startedAt, &completedAt, &st.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", executionID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	st.NodeType = schema.NodeType(nodeType)
	st.Status = schema.StepStatus(status)
	st.AgentID = agentID.String
	st.Input = rawOrNil(input)
	st.Output = rawOrNil(output)
	st.ErrorMessage = errMsg.String
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, executionID, nodeID string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.CreditsUsed != nil {
		sets = append(sets, "credits_used = ?")
		args = append(args, *update.CreditsUsed)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, executionID, nodeID)

	query := fmt.Sprintf("UPDATE steps SET %s WHERE execution_id = ? AND node_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", executionID+"/"+nodeID)
}

// ClaimStep moves a step to `to` only if its current status is in `from`.
// Returns false without error when another worker won the transition.
func (s *LibSQLStore) ClaimStep(ctx context.Context, executionID, nodeID string, from []schema.StepStatus, to schema.StepStatus) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{string(to), executionID, nodeID}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := fmt.Sprintf(
		`UPDATE steps SET status = ? WHERE execution_id = ? AND node_id = ? AND status IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListSteps(ctx context.Context, executionID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, node_type, agent_id, status, position, input, output, error_message, retry_count, max_retries, credits_used, started_at, completed_at, duration_ms
		 FROM steps WHERE execution_id = ? ORDER BY position`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st := &Step{}
		var nodeType, status string
		var agentID, input, output, errMsg sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&st.ExecutionID, &st.NodeID, &nodeType, &agentID, &status, &st.Position,
			&input, &output, &errMsg, &st.RetryCount, &st.MaxRetries, &st.CreditsUsed,
			&startedAt, &completedAt, &st.DurationMs); err != nil {
			return nil, err
		}
		st.NodeType = schema.NodeType(nodeType)
		st.Status = schema.StepStatus(status)
		st.AgentID = agentID.String
		st.Input = rawOrNil(input)
		st.Output = rawOrNil(output)
		st.ErrorMessage = errMsg.String
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SumStepCredits(ctx context.Context, executionID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credits_used), 0) FROM steps WHERE execution_id = ?`, executionID,
	).Scan(&total)
	return total, err
}

// --- Credit ledger ---

// AppendTransaction reads the latest balance_after for the workspace and
// inserts the new row with balance_after = latest + amount, inside one write
// transaction so concurrent appends cannot chain off a stale balance.
func (s *LibSQLStore) AppendTransaction(ctx context.Context, ct *CreditTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT balance_after FROM credit_transactions WHERE workspace_id = ? ORDER BY id DESC LIMIT 1), 0)`,
		ct.WorkspaceID,
	).Scan(&balance)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	ct.BalanceAfter = balance + ct.Amount
	ct.CreatedAt = timeOrNow(ct.CreatedAt)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (workspace_id, transaction_type, amount, balance_after, execution_id, step_id, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.WorkspaceID, string(ct.Type), ct.Amount, ct.BalanceAfter,
		nullStr(ct.ExecutionID), nullStr(ct.StepID), nullStr(ct.Description), ct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ct.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *LibSQLStore) LatestBalance(ctx context.Context, workspaceID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT balance_after FROM credit_transactions WHERE workspace_id = ? ORDER BY id DESC LIMIT 1), 0)`,
		workspaceID,
	).Scan(&balance)
	return balance, err
}

// SumUsage returns the sum of usage transaction magnitudes in [from, to).
// Usage amounts are stored negative; the result is reported positive.
func (s *LibSQLStore) SumUsage(ctx context.Context, workspaceID string, from, to time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(-amount), 0) FROM credit_transactions
		 WHERE workspace_id = ? AND transaction_type = 'usage' AND created_at >= ? AND created_at < ?`,
		workspaceID, from, to,
	).Scan(&total)
	return total, err
}

func (s *LibSQLStore) ListTransactions(ctx context.Context, workspaceID string, filter TransactionFilter) ([]*CreditTransaction, error) {
	where := []string{"workspace_id = ?"}
	args := []any{workspaceID}

	if filter.Type != nil {
		where = append(where, "transaction_type = ?")
		args = append(args, string(*filter.Type))
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, *filter.To)
	}

	query := `SELECT id, workspace_id, transaction_type, amount, balance_after, execution_id, step_id, description, created_at
	          FROM credit_transactions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CreditTransaction
	for rows.Next() {
		ct := &CreditTransaction{}
		var txType string
		var executionID, stepID, description sql.NullString
		if err := rows.Scan(&ct.ID, &ct.WorkspaceID, &txType, &ct.Amount, &ct.BalanceAfter,
			&executionID, &stepID, &description, &ct.CreatedAt); err != nil {
			return nil, err
		}
		ct.Type = schema.TransactionType(txType)
		ct.ExecutionID = executionID.String
		ct.StepID = stepID.String
		ct.Description = description.String
		out = append(out, ct)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) GetCreditLimit(ctx context.Context, workspaceID string) (*CreditLimit, error) {
	cl := &CreditLimit{}
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, monthly_limit, auto_stop, updated_at FROM credit_limits WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&cl.WorkspaceID, &cl.MonthlyLimit, &cl.AutoStop, &cl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credit_limit", workspaceID)
	}
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func (s *LibSQLStore) SetCreditLimit(ctx context.Context, limit *CreditLimit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_limits (workspace_id, monthly_limit, auto_stop, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(workspace_id) DO UPDATE SET
		   monthly_limit=excluded.monthly_limit, auto_stop=excluded.auto_stop, updated_at=CURRENT_TIMESTAMP`,
		limit.WorkspaceID, limit.MonthlyLimit, limit.AutoStop,
	)
	return err
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Audit ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (workspace_id, action, resource_type, resource_id, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		nullStr(entry.WorkspaceID), entry.Action, entry.ResourceType,
		nullStr(entry.ResourceID), nullRaw(entry.Details), timeOrNow(entry.Timestamp),
	)
	return err
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	var where []string
	var args []any

	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}

	query := `SELECT id, workspace_id, action, resource_type, resource_id, details, timestamp FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		a := &AuditEntry{}
		var workspaceID, resourceID, details sql.NullString
		if err := rows.Scan(&a.ID, &workspaceID, &a.Action, &a.ResourceType, &resourceID, &details, &a.Timestamp); err != nil {
			return nil, err
		}
		a.WorkspaceID = workspaceID.String
		a.ResourceID = resourceID.String
		a.Details = rawOrNil(details)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, pipeline_id, workspace_id, cron_expression, input_data, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PipelineID, run.WorkspaceID, run.CronExpression,
		nullRaw(run.InputData), run.Enabled, nullTime(run.NextRunAt), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	r := &ScheduledRun{}
	var inputData, lastStatus sql.NullString
	var lastRunAt, nextRunAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, workspace_id, cron_expression, input_data, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.PipelineID, &r.WorkspaceID, &r.CronExpression, &inputData, &r.Enabled,
		&lastRunAt, &nextRunAt, &lastStatus, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_run", id)
	}
	if err != nil {
		return nil, err
	}
	r.InputData = rawOrNil(inputData)
	r.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		r.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		r.NextRunAt = &nextRunAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, enabledOnly bool) ([]*ScheduledRun, error) {
	query := `SELECT id, pipeline_id, workspace_id, cron_expression, input_data, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledRun
	for rows.Next() {
		r := &ScheduledRun{}
		var inputData, lastStatus sql.NullString
		var lastRunAt, nextRunAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.PipelineID, &r.WorkspaceID, &r.CronExpression, &inputData, &r.Enabled,
			&lastRunAt, &nextRunAt, &lastStatus, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.InputData = rawOrNil(inputData)
		r.LastRunStatus = lastStatus.String
		if lastRunAt.Valid {
			r.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			r.NextRunAt = &nextRunAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CrewlineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
