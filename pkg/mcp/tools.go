package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/crewline/crewline/internal/graph"
	"github.com/crewline/crewline/internal/ledger"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("crewline.define",
		mcp.WithDescription("Register a pipeline graph in a workspace. The definition is validated structurally; the pipeline stays a draft until crewline.publish"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace that owns the pipeline")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Pipeline name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pipeline definition: nodes, edges, entry_point")),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("crewline.publish",
		mcp.WithDescription("Publish a draft pipeline after full graph validation (cycles, reachability, entry point). Published pipelines are immutable and runnable"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("ID of the pipeline to publish")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("crewline.run",
		mcp.WithDescription("Start an execution of a published pipeline"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("ID of the published pipeline")),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace the execution is billed to")),
		mcp.WithObject("input", mcp.Description("Input document passed to the pipeline; validated against the definition's metadata.input_schema when present")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("crewline.status",
		mcp.WithDescription("Get an execution's status, its steps, and total credits used"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("crewline.cancel",
		mcp.WithDescription("Cancel a running execution. In-flight steps finish; pending steps are skipped"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("crewline.pause",
		mcp.WithDescription("Pause a running execution. In-flight steps finish; no new step starts until crewline.resume"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to pause")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("crewline.resume",
		mcp.WithDescription("Resume a paused execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to resume")),
	)
}

func agentTool() mcp.Tool {
	return mcp.NewTool("crewline.agent",
		mcp.WithDescription("Manage agent definitions: create, get, update, list, or delete"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "get", "update", "list", "delete"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("agent_id", mcp.Description("Agent ID (get, update, delete)")),
		mcp.WithString("name", mcp.Description("Agent name (create, update)")),
		mcp.WithString("provider", mcp.Description("Provider: anthropic, openai, google, local (create)")),
		mcp.WithString("model", mcp.Description("Model identifier (create)")),
		mcp.WithString("system_prompt", mcp.Description("System prompt (create, update)")),
		mcp.WithString("cost_per_run", mcp.Description("Credits charged per run (create, update)")),
	)
}

func assignTool() mcp.Tool {
	return mcp.NewTool("crewline.assign",
		mcp.WithDescription("Assign an agent to a workspace. An agent holds at most one active assignment; assigning elsewhere releases the previous one"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to assign")),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Target workspace")),
	)
}

func releaseTool() mcp.Tool {
	return mcp.NewTool("crewline.release",
		mcp.WithDescription("Release an agent's active assignment in a workspace"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to release")),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace holding the assignment")),
	)
}

func creditsTool() mcp.Tool {
	return mcp.NewTool("crewline.credits",
		mcp.WithDescription("Workspace credit ledger operations: current balance, monthly usage, manual charge/refund/bonus/adjustment, or spending limit"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("balance", "usage", "record", "set_limit"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Target workspace")),
		mcp.WithString("type", mcp.Description("Transaction type for record: charge, refund, bonus, adjustment")),
		mcp.WithString("amount", mcp.Description("Signed credit amount for record")),
		mcp.WithString("description", mcp.Description("Transaction description for record")),
		mcp.WithString("monthly_limit", mcp.Description("Monthly credit limit for set_limit (0 disables)")),
		mcp.WithString("auto_stop", mcp.Description("Halt executions at the limit: true or false (set_limit)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("crewline.schedule",
		mcp.WithDescription("Register a cron-triggered run of a published pipeline"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("Pipeline to run")),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace the runs are billed to")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Standard 5-field cron expression")),
		mcp.WithObject("input", mcp.Description("Input document for each run")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("crewline.query",
		mcp.WithDescription("List executions, pipelines, assignments, transactions, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "pipelines", "assignments", "transactions", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workspace_id, status, since, limit, execution_id, type)")),
	)
}

// --- Handlers ---

func (s *CrewlineServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.PipelineDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	if valErr := s.validator.ValidateDefinition(&def); valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", valErr)), nil
	}

	p := &store.Pipeline{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Name:        name,
		Version:     s.nextVersion(ctx, workspaceID, name),
		Definition:  &def,
	}
	if createErr := s.store.CreatePipeline(ctx, p); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create pipeline: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"pipeline_id": p.ID,
		"name":        p.Name,
		"version":     p.Version,
		"published":   false,
	})
}

func (s *CrewlineServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineID, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}

	p, getErr := s.store.GetPipeline(ctx, pipelineID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline lookup failed: %v", getErr)), nil
	}

	// Full graph validation gates publication; a published pipeline is
	// guaranteed runnable.
	order, valErr := graph.Validate(p.Definition)
	if valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline rejected: %v", valErr)), nil
	}

	if pubErr := s.store.PublishPipeline(ctx, pipelineID); pubErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("publish failed: %v", pubErr)), nil
	}

	return marshalResult(map[string]any{
		"pipeline_id":     pipelineID,
		"published":       true,
		"execution_order": order,
	})
}

func (s *CrewlineServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineID, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}

	params := mcp.ParseStringMap(req, "input", nil)
	var input json.RawMessage
	if params != nil {
		if raw, marshalErr := json.Marshal(params); marshalErr == nil {
			input = raw
		}
	}

	// A definition may carry an input schema under metadata.input_schema;
	// when present the input document must satisfy it before a run starts.
	if p, getErr := s.store.GetPipeline(ctx, pipelineID); getErr == nil && p.Definition != nil {
		if rawSchema, ok := p.Definition.Metadata["input_schema"]; ok {
			schemaBytes, marshalErr := json.Marshal(rawSchema)
			if marshalErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid input schema: %v", marshalErr)), nil
			}
			doc := params
			if doc == nil {
				doc = map[string]any{}
			}
			if valErr := s.validator.ValidateInput(doc, schemaBytes); valErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("input rejected: %v", valErr)), nil
			}
		}
	}

	exec, runErr := s.engine.Start(ctx, pipelineID, workspaceID, input)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution start failed: %v", runErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

func (s *CrewlineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	status, statusErr := s.engine.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

func (s *CrewlineServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.engine.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"cancelled":    true,
	})
}

func (s *CrewlineServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if pauseErr := s.engine.Pause(ctx, executionID); pauseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pause failed: %v", pauseErr)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"paused":       true,
	})
}

func (s *CrewlineServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if resumeErr := s.engine.Resume(ctx, executionID); resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(map[string]any{
		"execution_id": executionID,
		"resumed":      true,
	})
}

func (s *CrewlineServer) handleAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		cost, _ := strconv.ParseInt(req.GetString("cost_per_run", "0"), 10, 64)
		agent, createErr := s.catalog.Create(ctx, &store.Agent{
			Name:         req.GetString("name", ""),
			Provider:     req.GetString("provider", ""),
			Model:        req.GetString("model", ""),
			SystemPrompt: req.GetString("system_prompt", ""),
			CostPerRun:   cost,
		})
		if createErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("agent creation failed: %v", createErr)), nil
		}
		return marshalResult(agent)
	case "get":
		agentID, reqErr := req.RequireString("agent_id")
		if reqErr != nil {
			return mcp.NewToolResultError("agent_id is required"), nil
		}
		agent, getErr := s.catalog.Get(ctx, agentID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("agent lookup failed: %v", getErr)), nil
		}
		return marshalResult(agent)
	case "update":
		agentID, reqErr := req.RequireString("agent_id")
		if reqErr != nil {
			return mcp.NewToolResultError("agent_id is required"), nil
		}
		var update store.AgentUpdate
		if name := req.GetString("name", ""); name != "" {
			update.Name = &name
		}
		if prompt := req.GetString("system_prompt", ""); prompt != "" {
			update.SystemPrompt = &prompt
		}
		if raw := req.GetString("cost_per_run", ""); raw != "" {
			cost, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil {
				return mcp.NewToolResultError("cost_per_run must be an integer"), nil
			}
			update.CostPerRun = &cost
		}
		agent, updErr := s.catalog.Update(ctx, agentID, update)
		if updErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("agent update failed: %v", updErr)), nil
		}
		return marshalResult(agent)
	case "list":
		list, listErr := s.catalog.List(ctx, false)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("agent list failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"agents": list})
	case "delete":
		agentID, reqErr := req.RequireString("agent_id")
		if reqErr != nil {
			return mcp.NewToolResultError("agent_id is required"), nil
		}
		if delErr := s.catalog.Delete(ctx, agentID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("agent delete failed: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"agent_id": agentID, "deleted": true})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

func (s *CrewlineServer) handleAssign(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}

	assignment, assignErr := s.pool.Assign(ctx, agentID, workspaceID)
	if assignErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("assign failed: %v", assignErr)), nil
	}
	return marshalResult(assignment)
}

func (s *CrewlineServer) handleRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}

	if relErr := s.pool.Release(ctx, agentID, workspaceID); relErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("release failed: %v", relErr)), nil
	}
	return marshalResult(map[string]any{
		"agent_id":     agentID,
		"workspace_id": workspaceID,
		"released":     true,
	})
}

func (s *CrewlineServer) handleCredits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}

	switch action {
	case "balance":
		balance, balErr := s.ledger.Balance(ctx, workspaceID)
		if balErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("balance query failed: %v", balErr)), nil
		}
		return marshalResult(map[string]any{
			"workspace_id": workspaceID,
			"balance":      balance,
		})
	case "usage":
		now := time.Now().UTC()
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		used, usageErr := s.ledger.Usage(ctx, workspaceID, monthStart, monthStart.AddDate(0, 1, 0))
		if usageErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("usage query failed: %v", usageErr)), nil
		}
		return marshalResult(map[string]any{
			"workspace_id": workspaceID,
			"month_used":   used,
		})
	case "record":
		txType := schema.TransactionType(req.GetString("type", ""))
		amount, parseErr := strconv.ParseInt(req.GetString("amount", ""), 10, 64)
		if parseErr != nil {
			return mcp.NewToolResultError("amount must be a signed integer"), nil
		}
		tx, recErr := s.ledger.Record(ctx, workspaceID, txType, amount, ledger.Reference{
			Description: req.GetString("description", ""),
		})
		if recErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("record failed: %v", recErr)), nil
		}
		return marshalResult(tx)
	case "set_limit":
		limit, parseErr := strconv.ParseInt(req.GetString("monthly_limit", ""), 10, 64)
		if parseErr != nil {
			return mcp.NewToolResultError("monthly_limit must be an integer"), nil
		}
		autoStop := req.GetString("auto_stop", "true") != "false"
		if limErr := s.ledger.SetLimit(ctx, workspaceID, limit, autoStop); limErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("set_limit failed: %v", limErr)), nil
		}
		return marshalResult(map[string]any{
			"workspace_id":  workspaceID,
			"monthly_limit": limit,
			"auto_stop":     autoStop,
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

func (s *CrewlineServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineID, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	// Resolve both endpoints before writing anything: the scheduled_runs
	// row references them, and a dangling ID should surface as a clean
	// lookup failure rather than a constraint error.
	p, getErr := s.store.GetPipeline(ctx, pipelineID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline lookup failed: %v", getErr)), nil
	}
	if !p.Published {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline %s is not published", pipelineID)), nil
	}
	if _, getErr := s.store.GetWorkspace(ctx, workspaceID); getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workspace lookup failed: %v", getErr)), nil
	}

	var input json.RawMessage
	if params := mcp.ParseStringMap(req, "input", nil); params != nil {
		if raw, marshalErr := json.Marshal(params); marshalErr == nil {
			input = raw
		}
	}

	run := &store.ScheduledRun{
		ID:             uuid.New().String(),
		PipelineID:     pipelineID,
		WorkspaceID:    workspaceID,
		CronExpression: cronExpr,
		InputData:      input,
		Enabled:        true,
	}
	if schedErr := s.scheduler.Schedule(ctx, run); schedErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", schedErr)), nil
	}

	return marshalResult(map[string]any{
		"scheduled_run_id": run.ID,
		"next_run_at":      run.NextRunAt,
	})
}

func (s *CrewlineServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "pipelines":
		return s.queryPipelines(ctx, filter)
	case "assignments":
		return s.queryAssignments(ctx, filter)
	case "transactions":
		return s.queryTransactions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *CrewlineServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if ws, ok := filter["workspace_id"].(string); ok {
		ef.WorkspaceID = ws
	}
	if pid, ok := filter["pipeline_id"].(string); ok {
		ef.PipelineID = pid
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, parseErr := time.Parse(time.RFC3339, since); parseErr == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *CrewlineServer) queryPipelines(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workspaceID, _ := filter["workspace_id"].(string)
	pipelines, err := s.store.ListPipelines(ctx, workspaceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"pipelines": pipelines})
}

func (s *CrewlineServer) queryAssignments(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workspaceID, _ := filter["workspace_id"].(string)
	if workspaceID == "" {
		return mcp.NewToolResultError("assignment query requires 'workspace_id' in filter"), nil
	}
	activeOnly := true
	if v, ok := filter["active_only"].(bool); ok {
		activeOnly = v
	}
	assignments, err := s.store.ListAssignments(ctx, workspaceID, activeOnly)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"assignments": assignments})
}

func (s *CrewlineServer) queryTransactions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workspaceID, _ := filter["workspace_id"].(string)
	if workspaceID == "" {
		return mcp.NewToolResultError("transaction query requires 'workspace_id' in filter"), nil
	}
	tf := store.TransactionFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if txType, ok := filter["type"].(string); ok && txType != "" {
		tt := schema.TransactionType(txType)
		tf.Type = &tt
	}
	if execID, ok := filter["execution_id"].(string); ok {
		tf.ExecutionID = execID
	}

	transactions, err := s.ledger.Transactions(ctx, workspaceID, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"transactions": transactions})
}

func (s *CrewlineServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, _ := filter["execution_id"].(string)
	if executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since_sequence", 0))

	events, err := s.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// nextVersion computes the next version number for a pipeline name in a
// workspace.
func (s *CrewlineServer) nextVersion(ctx context.Context, workspaceID, name string) int {
	pipelines, err := s.store.ListPipelines(ctx, workspaceID)
	if err != nil {
		return 1
	}
	maxVer := 0
	for _, p := range pipelines {
		if p.Name == name && p.Version > maxVer {
			maxVer = p.Version
		}
	}
	return maxVer + 1
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
