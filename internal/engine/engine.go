// Package engine runs pipeline executions: it walks the validated graph,
// dispatches ready steps to agents under a concurrency bound, applies the
// retry policy, charges the credit ledger, and propagates failures.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/crewline/internal/expressions"
	"github.com/crewline/crewline/internal/graph"
	"github.com/crewline/crewline/internal/ledger"
	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/pool"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// Config tunes the engine's scheduling and retry behavior.
type Config struct {
	MaxInFlight       int           // max steps running concurrently per execution
	BaseDelay         time.Duration // first retry backoff
	MaxDelay          time.Duration // backoff cap
	DefaultTimeout    time.Duration // per-attempt timeout when the node sets none
	DefaultMaxRetries int           // when the node sets none
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 2 * time.Minute
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	return c
}

// Engine coordinates executions. Safe for concurrent use; each Start spawns
// one run goroutine that owns that execution until it reaches a terminal
// status.
type Engine struct {
	store      store.Store
	pool       *pool.Pool
	ledger     *ledger.Ledger
	invoker    AgentInvoker
	conditions *expressions.ConditionEngine
	transforms *expressions.TransformEngine
	execFSM    *ExecutionFSM
	stepFSM    *StepFSM
	log        *slog.Logger
	cfg        Config

	mu      sync.Mutex
	running map[string]*runHandle // execution ID → live run

	agentMu    sync.Mutex
	agentLocks map[string]*sync.Mutex // agent ID → step serialization lock
}

type runHandle struct {
	cancelled atomic.Bool
	paused    atomic.Bool
	wake      chan struct{} // poked on resume and cancel
	done      chan struct{}
}

func newRunHandle() *runHandle {
	return &runHandle{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (h *runHandle) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func New(st store.Store, p *pool.Pool, l *ledger.Ledger, invoker AgentInvoker, log *slog.Logger, cfg Config) (*Engine, error) {
	conditions, err := expressions.NewConditionEngine()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:      st,
		pool:       p,
		ledger:     l,
		invoker:    invoker,
		conditions: conditions,
		transforms: expressions.NewTransformEngine(),
		execFSM:    NewExecutionFSM(st),
		stepFSM:    NewStepFSM(st),
		log:        log,
		cfg:        cfg.withDefaults(),
		running:    make(map[string]*runHandle),
		agentLocks: make(map[string]*sync.Mutex),
	}, nil
}

// agentLock serializes steps that share an agent: an agent runs one step at
// a time, so parallel branches bound to the same agent queue here instead
// of losing the assignment status claim.
func (e *Engine) agentLock(agentID string) *sync.Mutex {
	e.agentMu.Lock()
	defer e.agentMu.Unlock()
	m, ok := e.agentLocks[agentID]
	if !ok {
		m = &sync.Mutex{}
		e.agentLocks[agentID] = m
	}
	return m
}

// ExecutionStatus is the full materialized view of one execution.
// TotalCredits is recomputed from the steps on every read, never stored.
type ExecutionStatus struct {
	Execution    *store.Execution `json:"execution"`
	Steps        []*store.Step    `json:"steps"`
	TotalCredits int64            `json:"total_credits"`
}

// Start validates the pipeline, creates the execution with one pending step
// per node, and launches the run. Validation failures are returned before
// any execution state exists.
func (e *Engine) Start(ctx context.Context, pipelineID, workspaceID string, input json.RawMessage) (*store.Execution, error) {
	pipeline, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if !pipeline.Published {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "pipeline %s is not published", pipelineID)
	}
	if _, err := e.store.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}

	g, err := graph.Build(pipeline.Definition)
	if err != nil {
		return nil, err
	}

	// Declared agent dependencies must resolve before any state is created.
	for _, agentID := range pipeline.Definition.RequiredAgents {
		agent, err := e.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"required agent %s is not resolvable", agentID).WithCause(err)
		}
		if agent.DeletedAt != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"required agent %s is deleted", agentID)
		}
	}

	now := time.Now().UTC()
	exec := &store.Execution{
		ID:          uuid.NewString(),
		PipelineID:  pipelineID,
		WorkspaceID: workspaceID,
		Status:      schema.ExecutionStatusPending,
		InputData:   input,
		CreatedAt:   now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	steps := make([]*store.Step, 0, len(g.Sorted))
	for i, nodeID := range g.Sorted {
		node := g.Nodes[nodeID]
		maxRetries := node.MaxRetries
		if maxRetries == 0 {
			maxRetries = e.cfg.DefaultMaxRetries
		}
		step := &store.Step{
			ExecutionID: exec.ID,
			NodeID:      nodeID,
			NodeType:    node.Type,
			AgentID:     node.Agent,
			Status:      schema.StepStatusPending,
			Position:    i,
			MaxRetries:  maxRetries,
		}
		if nodeID == g.EntryPoint {
			step.Input = input
		}
		steps = append(steps, step)
	}
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return nil, err
	}

	if err := e.execFSM.Transition(ctx, exec.ID, schema.ExecutionStatusPending, schema.ExecutionStatusRunning, nil); err != nil {
		return nil, err
	}
	startedAt := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		return nil, err
	}
	exec.Status = running
	exec.StartedAt = &startedAt

	handle := newRunHandle()
	e.mu.Lock()
	e.running[exec.ID] = handle
	e.mu.Unlock()

	// The run outlives the Start request.
	go e.run(context.WithoutCancel(ctx), g, exec, handle)

	e.log.InfoContext(ctx, "execution started",
		"execution_id", exec.ID, "pipeline_id", pipelineID, "workspace_id", workspaceID)
	return exec, nil
}

// Cancel requests cancellation. In-flight steps finish naturally; pending
// steps are skipped by the run loop. Cancelling a terminal execution is an
// invalid transition.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	handle, live := e.running[executionID]
	e.mu.Unlock()

	if live {
		handle.cancelled.Store(true)
		handle.poke()
		e.log.InfoContext(ctx, "cancellation requested", "execution_id", executionID)
		return nil
	}

	// No live run, resolve against the store (pending or orphaned rows).
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := e.execFSM.Transition(ctx, executionID, exec.Status, schema.ExecutionStatusCancelled, nil); err != nil {
		return err
	}
	if err := e.skipPendingSteps(ctx, executionID, "execution cancelled"); err != nil {
		return err
	}
	cancelled := schema.ExecutionStatusCancelled
	completedAt := time.Now().UTC()
	return e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		CompletedAt: &completedAt,
	})
}

// Pause suspends dispatch. In-flight steps finish their current call; no
// new step starts until Resume. Only a live running execution can pause.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	e.mu.Lock()
	handle, live := e.running[executionID]
	e.mu.Unlock()
	if !live {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s has no live run to pause", executionID)
	}
	if handle.paused.Swap(true) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is already paused", executionID)
	}
	if err := e.execFSM.Transition(ctx, executionID,
		schema.ExecutionStatusRunning, schema.ExecutionStatusPaused, nil); err != nil {
		handle.paused.Store(false)
		return err
	}
	paused := schema.ExecutionStatusPaused
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &paused}); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "execution paused", "execution_id", executionID)
	return nil
}

// Resume lifts a pause and wakes the run loop.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	e.mu.Lock()
	handle, live := e.running[executionID]
	e.mu.Unlock()
	if !live {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s has no live run to resume", executionID)
	}
	if !handle.paused.Swap(false) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is not paused", executionID)
	}
	if err := e.execFSM.Transition(ctx, executionID,
		schema.ExecutionStatusPaused, schema.ExecutionStatusRunning, nil); err != nil {
		handle.paused.Store(true)
		return err
	}
	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &running}); err != nil {
		return err
	}
	handle.poke()
	e.log.InfoContext(ctx, "execution resumed", "execution_id", executionID)
	return nil
}

// Wait blocks until the execution's run loop finishes or ctx is done.
// Returns immediately for executions with no live run.
func (e *Engine) Wait(ctx context.Context, executionID string) error {
	e.mu.Lock()
	handle, live := e.running[executionID]
	e.mu.Unlock()
	if !live {
		return nil
	}
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the execution, its steps in position order, and the total
// credits recomputed as the sum of the steps' credits_used.
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	total, err := e.store.SumStepCredits(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionStatus{Execution: exec, Steps: steps, TotalCredits: total}, nil
}

// Events returns the execution's event log after the given sequence.
func (e *Engine) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return e.store.GetEvents(ctx, executionID, since)
}

// --- run loop ---

type stepResult struct {
	nodeID        string
	status        schema.StepStatus
	output        json.RawMessage
	err           error
	budgetBlocked bool
	condSkipped   bool // skipped by its own condition gate, not by propagation
}

// runState is the run loop's private view of step statuses and outputs. It
// is only touched by the loop goroutine and the workers it owns, under mu.
type runState struct {
	mu        sync.Mutex
	statuses  map[string]schema.StepStatus
	outputs   map[string]json.RawMessage
	condSkips map[string]bool // skipped by condition gate; dependents still run
}

func (s *runState) status(id string) schema.StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func (s *runState) set(id string, status schema.StepStatus, output json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	if output != nil {
		s.outputs[id] = output
	}
}

func (s *runState) setCondSkipped(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = schema.StepStatusSkipped
	s.condSkips[id] = true
}

// satisfied reports whether a predecessor no longer blocks its dependents:
// completed, or skipped by its own condition gate. Propagation skips and
// failures keep blocking, which is what lets skipDescendants cascade.
func (s *runState) satisfied(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id] == schema.StepStatusCompleted || s.condSkips[id]
}

// upstream returns the decoded outputs of the node's completed predecessors
// keyed by node ID, plus the same map re-marshalled for the wire.
func (s *runState) upstream(g *graph.Graph, nodeID string) (map[string]any, json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decoded := make(map[string]any)
	raw := make(map[string]json.RawMessage)
	for _, dep := range g.Deps[nodeID] {
		out, ok := s.outputs[dep]
		if !ok {
			continue
		}
		raw[dep] = out
		var v any
		if err := json.Unmarshal(out, &v); err == nil {
			decoded[dep] = v
		}
	}
	if len(raw) == 0 {
		return decoded, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return decoded, nil
	}
	return decoded, encoded
}

func (e *Engine) run(ctx context.Context, g *graph.Graph, exec *store.Execution, handle *runHandle) {
	// Correlation IDs ride the context; the logging handler injects them.
	ctx = logging.WithExecutionID(ctx, exec.ID)
	ctx = logging.WithWorkspaceID(ctx, exec.WorkspaceID)

	defer func() {
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
		close(handle.done)
	}()

	state := &runState{
		statuses:  make(map[string]schema.StepStatus, len(g.Sorted)),
		outputs:   make(map[string]json.RawMessage, len(g.Sorted)),
		condSkips: make(map[string]bool),
	}
	for _, id := range g.Sorted {
		state.statuses[id] = schema.StepStatusPending
	}

	wp := NewStepPool(e.cfg.MaxInFlight)
	results := make(chan stepResult, len(g.Sorted))

	var anyFailed, budgetHalt bool
	inflight := 0

	for {
		if handle.cancelled.Load() || budgetHalt {
			break
		}

		if !handle.paused.Load() {
			inflight += e.dispatchReady(ctx, g, exec, state, wp, results, handle)
		}

		if inflight == 0 {
			if handle.paused.Load() {
				// Quiescent while paused: wait for Resume or Cancel.
				<-handle.wake
				continue
			}
			// Nothing running and nothing became ready: done, or the rest
			// is blocked behind failed/skipped predecessors.
			break
		}

		res := <-results
		inflight--
		if res.condSkipped {
			state.setCondSkipped(res.nodeID)
		} else {
			state.set(res.nodeID, res.status, res.output)
		}

		switch {
		case res.budgetBlocked:
			anyFailed = true
			budgetHalt = true
		case res.status == schema.StepStatusFailed:
			anyFailed = true
			e.skipDescendants(ctx, g, exec.ID, res.nodeID, state)
		}
	}

	// Drain outstanding workers; cancellation lets in-flight steps finish.
	for inflight > 0 {
		res := <-results
		inflight--
		if res.condSkipped {
			state.setCondSkipped(res.nodeID)
		} else {
			state.set(res.nodeID, res.status, res.output)
		}
		if res.budgetBlocked || res.status == schema.StepStatusFailed {
			anyFailed = true
		}
	}
	wp.Shutdown()

	// Whatever is still pending can never run now.
	reason := "skipped due to upstream failure"
	if handle.cancelled.Load() {
		reason = "execution cancelled"
	} else if budgetHalt {
		reason = "monthly credit limit reached"
	}
	e.skipRemaining(ctx, g, exec.ID, state, reason)

	final := schema.ExecutionStatusCompleted
	var errMsg string
	switch {
	case handle.cancelled.Load():
		final = schema.ExecutionStatusCancelled
		errMsg = "cancelled by operator"
	case budgetHalt:
		final = schema.ExecutionStatusFailed
		errMsg = "halted: monthly credit limit reached"
	case anyFailed:
		final = schema.ExecutionStatusFailed
		errMsg = "one or more steps failed"
	}

	// A cancel can land while paused; the finalizing transition must name
	// the status the execution actually holds.
	from := schema.ExecutionStatusRunning
	if handle.paused.Load() {
		from = schema.ExecutionStatusPaused
	}
	e.finish(ctx, g, exec, state, from, final, errMsg)
}

// dispatchReady claims and submits every pending node whose predecessors
// are all satisfied (completed or condition-skipped). Returns the number
// of steps submitted.
func (e *Engine) dispatchReady(ctx context.Context, g *graph.Graph, exec *store.Execution, state *runState, wp *StepPool, results chan<- stepResult, handle *runHandle) int {
	dispatched := 0
	for _, nodeID := range g.Sorted {
		if state.status(nodeID) != schema.StepStatusPending {
			continue
		}
		if !g.Ready(nodeID, state.satisfied) {
			continue
		}
		if handle.cancelled.Load() {
			break
		}

		claimed, err := e.store.ClaimStep(ctx, exec.ID, nodeID,
			[]schema.StepStatus{schema.StepStatusPending}, schema.StepStatusRunning)
		if err != nil || !claimed {
			if err != nil {
				e.log.ErrorContext(ctx, "step claim failed", "node_id", nodeID, "error", err)
			}
			continue
		}
		state.set(nodeID, schema.StepStatusRunning, nil)

		node := g.Nodes[nodeID]
		startedAt := time.Now().UTC()
		running := schema.StepStatusRunning
		_ = e.store.UpdateStep(ctx, exec.ID, nodeID, store.StepUpdate{
			Status:    &running,
			StartedAt: &startedAt,
		})
		if err := e.stepFSM.Transition(ctx, exec.ID, nodeID,
			schema.StepStatusPending, schema.StepStatusRunning, nil); err != nil {
			e.log.ErrorContext(ctx, "step event emit failed", "node_id", nodeID, "error", err)
		}

		submitErr := wp.Submit(ctx, func(ctx context.Context) error {
			res := e.executeStep(logging.WithStepID(ctx, node.ID), g, exec, node, state, handle)
			results <- res
			if res.err != nil {
				return res.err
			}
			return nil
		})
		if submitErr != nil {
			// Pool shut down or ctx done; put the step back to a terminal
			// skipped state so the run can settle.
			e.markSkipped(ctx, exec.ID, nodeID, "scheduler shutdown", state)
			continue
		}
		dispatched++
	}
	return dispatched
}

// executeStep runs one step to a terminal status: condition gate, trigger
// and output short-circuits, then the agent invocation with the retry
// policy. All store writes for the step happen here.
func (e *Engine) executeStep(ctx context.Context, g *graph.Graph, exec *store.Execution, node *schema.NodeDefinition, state *runState, handle *runHandle) stepResult {
	startedAt := time.Now().UTC()
	upstream, upstreamRaw := state.upstream(g, node.ID)

	// Condition gate: false skips the step without consuming an attempt.
	if node.Condition != "" {
		pass, err := e.conditions.EvaluateBool(ctx, node.Condition, e.conditionData(exec, upstream))
		if err != nil {
			return e.failStep(ctx, exec, node, startedAt, err)
		}
		if !pass {
			payload, _ := json.Marshal(map[string]any{"reason": "condition_false"})
			return e.skipStep(ctx, exec, node, payload)
		}
	}

	switch node.Type {
	case schema.NodeTypeTrigger:
		return e.completeStep(ctx, exec, node, startedAt, exec.InputData, 0)
	case schema.NodeTypeOutput:
		return e.executeOutput(ctx, exec, node, startedAt, upstream)
	}

	return e.executeAgentStep(ctx, exec, node, startedAt, upstreamRaw, handle)
}

func (e *Engine) executeOutput(ctx context.Context, exec *store.Execution, node *schema.NodeDefinition, startedAt time.Time, upstream map[string]any) stepResult {
	result := any(upstream)
	if node.Transform != "" {
		// jq expects plain decoded JSON values.
		transformed, err := e.transforms.Transform(ctx, node.Transform, map[string]any(upstream))
		if err != nil {
			return e.failStep(ctx, exec, node, startedAt, err)
		}
		result = transformed
	}
	output, err := json.Marshal(result)
	if err != nil {
		return e.failStep(ctx, exec, node, startedAt,
			schema.NewErrorf(schema.ErrCodeExecution, "encode output: %s", err.Error()).WithCause(err))
	}
	return e.completeStep(ctx, exec, node, startedAt, output, 0)
}

func (e *Engine) executeAgentStep(ctx context.Context, exec *store.Execution, node *schema.NodeDefinition, startedAt time.Time, upstreamRaw json.RawMessage, handle *runHandle) stepResult {
	agent, err := e.store.GetAgent(ctx, node.Agent)
	if err != nil {
		return e.failStep(ctx, exec, node, startedAt,
			schema.NewErrorf(schema.ErrCodeAgentUnavailable, "agent %s unavailable", node.Agent).WithCause(err))
	}
	ctx = logging.WithAgentID(ctx, agent.ID)

	// Budget check before spending anything. A block halts the execution.
	decision, err := e.ledger.CheckLimit(ctx, exec.WorkspaceID, agent.CostPerRun)
	if err != nil {
		return e.failStep(ctx, exec, node, startedAt, err)
	}
	if !decision.Allowed {
		payload, _ := json.Marshal(decision)
		_ = e.store.AppendEvent(ctx, &store.Event{
			ExecutionID: exec.ID,
			NodeID:      node.ID,
			Type:        schema.EventBudgetBlocked,
			Payload:     payload,
		})
		res := e.failStep(ctx, exec, node, startedAt,
			schema.NewErrorf(schema.ErrCodeBudgetExceeded,
				"monthly credit limit reached (used %d of %d)", decision.MonthUsed, decision.MonthlyLimit))
		res.budgetBlocked = true
		return res
	}
	if decision.Warning {
		payload, _ := json.Marshal(decision)
		_ = e.store.AppendEvent(ctx, &store.Event{
			ExecutionID: exec.ID,
			NodeID:      node.ID,
			Type:        schema.EventBudgetWarning,
			Payload:     payload,
		})
	}

	lock := e.agentLock(agent.ID)
	lock.Lock()
	defer lock.Unlock()

	// Claim the agent for the duration of the step. A claim failure is
	// permanent: the agent is paused, errored, or assigned elsewhere.
	if err := e.pool.SetStatus(ctx, agent.ID, exec.WorkspaceID, schema.AssignmentStatusRunning); err != nil {
		return e.failStep(ctx, exec, node, startedAt,
			schema.NewErrorf(schema.ErrCodeAgentUnavailable,
				"agent %s cannot take work in workspace %s", agent.ID, exec.WorkspaceID).WithCause(err))
	}

	input := InvokeInput{
		NodeID:      node.ID,
		NodeType:    string(node.Type),
		ExecutionID: exec.ID,
		WorkspaceID: exec.WorkspaceID,
		Input:       exec.InputData,
		Upstream:    upstreamRaw,
	}

	timeout := e.cfg.DefaultTimeout
	if node.Timeout != "" {
		if d, perr := time.ParseDuration(node.Timeout); perr == nil {
			timeout = d
		}
	}
	maxRetries := node.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, invokeErr := e.invoker.Invoke(attemptCtx, agent, input)
		cancel()

		if invokeErr == nil {
			credits := agent.CostPerRun + result.Cost
			// The ledger rejects zero amounts; a free run writes no entry.
			if credits != 0 {
				_, recordErr := e.ledger.Record(ctx, exec.WorkspaceID,
					schema.TransactionTypeUsage, -credits, ledger.Reference{
						ExecutionID: exec.ID,
						StepID:      node.ID,
						Description: "agent run " + agent.Name,
					})
				if recordErr != nil {
					e.log.ErrorContext(ctx, "usage charge failed", "error", recordErr)
				}
			}
			_ = e.pool.SetStatus(ctx, agent.ID, exec.WorkspaceID, schema.AssignmentStatusIdle)
			res := e.completeStep(ctx, exec, node, startedAt, result.Output, credits)
			return res
		}
		lastErr = invokeErr

		if handle.cancelled.Load() || !IsRetryableError(invokeErr) || attempt == maxRetries {
			break
		}

		// Retryable and attempts remain: record the retry and back off.
		retryCount := attempt + 1
		retrying := schema.StepStatusRetrying
		_ = e.store.UpdateStep(ctx, exec.ID, node.ID, store.StepUpdate{
			Status:     &retrying,
			RetryCount: &retryCount,
		})
		payload, _ := json.Marshal(map[string]any{
			"attempt": retryCount,
			"max":     maxRetries,
			"error":   invokeErr.Error(),
		})
		_ = e.store.AppendEvent(ctx, &store.Event{
			ExecutionID: exec.ID,
			NodeID:      node.ID,
			Type:        schema.EventStepRetryAttempt,
			Payload:     payload,
		})
		e.log.WarnContext(ctx, "step retrying",
			"attempt", retryCount, "max_retries", maxRetries, "error", invokeErr)

		if err := WaitForBackoff(ctx, ComputeBackoff(e.cfg.BaseDelay, e.cfg.MaxDelay, attempt)); err != nil {
			break
		}
		if claimed, _ := e.store.ClaimStep(ctx, exec.ID, node.ID,
			[]schema.StepStatus{schema.StepStatusRetrying}, schema.StepStatusRunning); !claimed {
			break
		}
	}

	// Exhausted or permanent.
	_ = e.pool.SetStatus(ctx, agent.ID, exec.WorkspaceID, schema.AssignmentStatusError)
	_ = e.pool.SetStatus(ctx, agent.ID, exec.WorkspaceID, schema.AssignmentStatusIdle)

	failErr := lastErr
	if IsRetryableError(lastErr) {
		failErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %s failed after %d attempts: %s", node.ID, maxRetries+1, lastErr.Error()).
			WithStep(node.ID).WithCause(lastErr)
	}
	return e.failStep(ctx, exec, node, startedAt, failErr)
}

// --- step terminal writes ---

func (e *Engine) completeStep(ctx context.Context, exec *store.Execution, node *schema.NodeDefinition, startedAt time.Time, output json.RawMessage, credits int64) stepResult {
	completedAt := time.Now().UTC()
	durationMs := completedAt.Sub(startedAt).Milliseconds()
	completed := schema.StepStatusCompleted
	if err := e.store.UpdateStep(ctx, exec.ID, node.ID, store.StepUpdate{
		Status:      &completed,
		Output:      output,
		CreditsUsed: &credits,
		CompletedAt: &completedAt,
		DurationMs:  &durationMs,
	}); err != nil {
		e.log.ErrorContext(ctx, "step completion write failed", "error", err)
	}
	if err := e.stepFSM.Transition(ctx, exec.ID, node.ID,
		schema.StepStatusRunning, schema.StepStatusCompleted, nil); err != nil {
		e.log.ErrorContext(ctx, "step event emit failed", "error", err)
	}
	return stepResult{nodeID: node.ID, status: schema.StepStatusCompleted, output: output}
}

func (e *Engine) failStep(ctx context.Context, exec *store.Execution, node *schema.NodeDefinition, startedAt time.Time, cause error) stepResult {
	completedAt := time.Now().UTC()
	durationMs := completedAt.Sub(startedAt).Milliseconds()
	failed := schema.StepStatusFailed
	msg := cause.Error()
	if err := e.store.UpdateStep(ctx, exec.ID, node.ID, store.StepUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
		CompletedAt:  &completedAt,
		DurationMs:   &durationMs,
	}); err != nil {
		e.log.ErrorContext(ctx, "step failure write failed", "error", err)
	}
	payload, _ := json.Marshal(map[string]any{"error": msg})
	if err := e.stepFSM.Transition(ctx, exec.ID, node.ID,
		schema.StepStatusRunning, schema.StepStatusFailed, payload); err != nil {
		e.log.ErrorContext(ctx, "step event emit failed", "error", err)
	}
	e.log.ErrorContext(ctx, "step failed", "error", cause)
	return stepResult{nodeID: node.ID, status: schema.StepStatusFailed, err: cause}
}

// skipStep marks a step skipped by its own condition gate. No error_message
// is written: a condition skip is non-failing and the step's dependents
// still run (the event payload names the reason).
func (e *Engine) skipStep(ctx context.Context, exec *store.Execution, node *schema.NodeDefinition, payload json.RawMessage) stepResult {
	skipped := schema.StepStatusSkipped
	completedAt := time.Now().UTC()
	if err := e.store.UpdateStep(ctx, exec.ID, node.ID, store.StepUpdate{
		Status:      &skipped,
		CompletedAt: &completedAt,
	}); err != nil {
		e.log.ErrorContext(ctx, "step skip write failed", "error", err)
	}
	if err := e.stepFSM.Transition(ctx, exec.ID, node.ID,
		schema.StepStatusRunning, schema.StepStatusSkipped, payload); err != nil {
		e.log.ErrorContext(ctx, "step event emit failed", "error", err)
	}
	return stepResult{nodeID: node.ID, status: schema.StepStatusSkipped, condSkipped: true}
}

// --- propagation ---

// skipDescendants skips every transitive dependent of a failed node that is
// still pending. Descendants already running finish on their own.
func (e *Engine) skipDescendants(ctx context.Context, g *graph.Graph, executionID, nodeID string, state *runState) {
	queue := append([]string(nil), g.Dependents[nodeID]...)
	visited := make(map[string]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		queue = append(queue, g.Dependents[id]...)

		if state.status(id) != schema.StepStatusPending {
			continue
		}
		e.markSkipped(ctx, executionID, id, "skipped due to upstream failure", state)
	}
}

func (e *Engine) skipRemaining(ctx context.Context, g *graph.Graph, executionID string, state *runState, reason string) {
	for _, id := range g.Sorted {
		if state.status(id) != schema.StepStatusPending {
			continue
		}
		e.markSkipped(ctx, executionID, id, reason, state)
	}
}

func (e *Engine) markSkipped(ctx context.Context, executionID, nodeID, reason string, state *runState) {
	claimed, err := e.store.ClaimStep(ctx, executionID, nodeID,
		[]schema.StepStatus{schema.StepStatusPending, schema.StepStatusRetrying}, schema.StepStatusSkipped)
	if err != nil || !claimed {
		return
	}
	state.set(nodeID, schema.StepStatusSkipped, nil)
	_ = e.store.UpdateStep(ctx, executionID, nodeID, store.StepUpdate{
		ErrorMessage: &reason,
	})
	payload, _ := json.Marshal(map[string]any{"reason": reason})
	_ = e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        schema.EventStepSkipped,
		Payload:     payload,
	})
}

// skipPendingSteps is the store-side variant used by Cancel when no run
// loop owns the execution.
func (e *Engine) skipPendingSteps(ctx context.Context, executionID, reason string) error {
	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status.Terminal() || s.Status == schema.StepStatusRunning {
			continue
		}
		claimed, err := e.store.ClaimStep(ctx, executionID, s.NodeID,
			[]schema.StepStatus{schema.StepStatusPending, schema.StepStatusRetrying}, schema.StepStatusSkipped)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		if err := e.store.UpdateStep(ctx, executionID, s.NodeID, store.StepUpdate{
			ErrorMessage: &reason,
		}); err != nil {
			return err
		}
	}
	return nil
}

// --- finalization ---

func (e *Engine) finish(ctx context.Context, g *graph.Graph, exec *store.Execution, state *runState, from, final schema.ExecutionStatus, errMsg string) {
	output := e.executionOutput(g, state)

	if err := e.execFSM.Transition(ctx, exec.ID, from, final, nil); err != nil {
		e.log.ErrorContext(ctx, "execution event emit failed", "error", err)
	}

	completedAt := time.Now().UTC()
	var durationMs int64
	if exec.StartedAt != nil {
		durationMs = completedAt.Sub(*exec.StartedAt).Milliseconds()
	}
	update := store.ExecutionUpdate{
		Status:      &final,
		OutputData:  output,
		CompletedAt: &completedAt,
		DurationMs:  &durationMs,
	}
	if errMsg != "" {
		update.ErrorMessage = &errMsg
	}
	if err := e.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		e.log.ErrorContext(ctx, "execution finalization write failed", "error", err)
	}

	e.log.InfoContext(ctx, "execution finished", "status", final, "duration_ms", durationMs)
}

// executionOutput collects the outputs of completed output nodes: one node
// yields its output directly, several are keyed by node ID.
func (e *Engine) executionOutput(g *graph.Graph, state *runState) json.RawMessage {
	state.mu.Lock()
	defer state.mu.Unlock()

	outputs := make(map[string]json.RawMessage)
	for id, node := range g.Nodes {
		if node.Type != schema.NodeTypeOutput {
			continue
		}
		if state.statuses[id] != schema.StepStatusCompleted {
			continue
		}
		if out, ok := state.outputs[id]; ok {
			outputs[id] = out
		}
	}
	switch len(outputs) {
	case 0:
		return nil
	case 1:
		for _, out := range outputs {
			return out
		}
	}
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return nil
	}
	return encoded
}

func (e *Engine) conditionData(exec *store.Execution, upstream map[string]any) map[string]any {
	var input any
	if len(exec.InputData) > 0 {
		if err := json.Unmarshal(exec.InputData, &input); err != nil {
			input = map[string]any{}
		}
	}
	if input == nil {
		input = map[string]any{}
	}
	return map[string]any{
		"input":    input,
		"upstream": upstream,
		"execution": map[string]any{
			"id":           exec.ID,
			"workspace_id": exec.WorkspaceID,
			"pipeline_id":  exec.PipelineID,
		},
	}
}
