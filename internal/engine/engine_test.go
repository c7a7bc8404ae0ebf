package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/internal/ledger"
	"github.com/crewline/crewline/internal/pool"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

type testHarness struct {
	engine *Engine
	store  *store.LibSQLStore
	pool   *pool.Pool
	ledger *ledger.Ledger
	ws     *store.Workspace
	agent  *store.Agent
}

func newTestHarness(t *testing.T, invoker AgentInvoker) *testHarness {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = st.Close()
		_ = os.RemoveAll(dir)
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pool.New(st, log)
	l := ledger.New(st, log)

	eng, err := New(st, p, l, invoker, log, Config{
		MaxInFlight: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	ws := &store.Workspace{ID: uuid.NewString(), Name: "test-workspace"}
	require.NoError(t, st.CreateWorkspace(ctx, ws))

	agent := &store.Agent{
		ID:         uuid.NewString(),
		Name:       "worker",
		Provider:   "anthropic",
		Model:      "claude-sonnet",
		CostPerRun: 10,
	}
	require.NoError(t, st.CreateAgent(ctx, agent))
	_, err = p.Assign(ctx, agent.ID, ws.ID)
	require.NoError(t, err)

	return &testHarness{engine: eng, store: st, pool: p, ledger: l, ws: ws, agent: agent}
}

// publish creates and publishes a pipeline where every agent node uses the
// harness agent.
func (h *testHarness) publish(t *testing.T, nodes []schema.NodeDefinition, edges []schema.EdgeDefinition, entry string) *store.Pipeline {
	t.Helper()
	ctx := context.Background()
	for i := range nodes {
		if nodes[i].Type.RequiresAgent() && nodes[i].Agent == "" {
			nodes[i].Agent = h.agent.ID
		}
	}
	p := &store.Pipeline{
		ID:          uuid.NewString(),
		WorkspaceID: h.ws.ID,
		Name:        "test-pipeline",
		Version:     1,
		Definition: &schema.PipelineDefinition{
			Nodes:      nodes,
			Edges:      edges,
			EntryPoint: entry,
		},
	}
	require.NoError(t, h.store.CreatePipeline(ctx, p))
	require.NoError(t, h.store.PublishPipeline(ctx, p.ID))
	return p
}

// runToCompletion starts the pipeline and waits for the run loop to settle.
func (h *testHarness) runToCompletion(t *testing.T, pipelineID string, input json.RawMessage) *ExecutionStatus {
	t.Helper()
	ctx := context.Background()
	exec, err := h.engine.Start(ctx, pipelineID, h.ws.ID, input)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(waitCtx, exec.ID))

	status, err := h.engine.Status(ctx, exec.ID)
	require.NoError(t, err)
	return status
}

func okInvoker(output string) InvokerFunc {
	return func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
		return &InvokeResult{Output: json.RawMessage(output)}, nil
	}
}

func agentNode(id string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Type: schema.NodeTypeAgentCall}
}

func edges(pairs ...[2]string) []schema.EdgeDefinition {
	out := make([]schema.EdgeDefinition, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, schema.EdgeDefinition{From: p[0], To: p[1]})
	}
	return out
}

func stepByNode(steps []*store.Step, nodeID string) *store.Step {
	for _, s := range steps {
		if s.NodeID == nodeID {
			return s
		}
	}
	return nil
}

// --- Happy path ---

func TestEngine_LinearChainCompletesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	invoker := InvokerFunc(func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
		mu.Lock()
		order = append(order, input.NodeID)
		mu.Unlock()
		return &InvokeResult{Output: json.RawMessage(`{"node":"` + input.NodeID + `"}`)}, nil
	})
	h := newTestHarness(t, invoker)

	p := h.publish(t,
		[]schema.NodeDefinition{
			agentNode("a"), agentNode("b"), agentNode("c"),
			agentNode("d"), agentNode("e"), agentNode("f"),
		},
		edges([2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "d"},
			[2]string{"d", "e"}, [2]string{"e", "f"}),
		"a")

	status := h.runToCompletion(t, p.ID, json.RawMessage(`{"task":"summarize"}`))

	assert.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)
	require.Len(t, status.Steps, 6)
	for _, s := range status.Steps {
		assert.Equal(t, schema.StepStatusCompleted, s.Status, "step %s", s.NodeID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, order)
}

func TestEngine_TotalCreditsIsSumOfStepCredits(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))

	p := h.publish(t,
		[]schema.NodeDefinition{agentNode("a"), agentNode("b"), agentNode("c")},
		edges([2]string{"a", "b"}, [2]string{"b", "c"}),
		"a")

	status := h.runToCompletion(t, p.ID, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)
	var sum int64
	for _, s := range status.Steps {
		assert.Equal(t, h.agent.CostPerRun, s.CreditsUsed)
		sum += s.CreditsUsed
	}
	assert.Equal(t, sum, status.TotalCredits)
	assert.Equal(t, int64(30), status.TotalCredits)

	// Every charge landed in the ledger and the chain holds.
	balance, err := h.ledger.Balance(context.Background(), h.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-30), balance)
}

func TestEngine_ZeroCostRunWritesNoLedgerEntry(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))
	ctx := context.Background()

	free := &store.Agent{
		ID:       uuid.NewString(),
		Name:     "intern",
		Provider: "anthropic",
		Model:    "claude-haiku",
	}
	require.NoError(t, h.store.CreateAgent(ctx, free))
	_, err := h.pool.Assign(ctx, free.ID, h.ws.ID)
	require.NoError(t, err)

	p := h.publish(t,
		[]schema.NodeDefinition{{ID: "a", Type: schema.NodeTypeAgentCall, Agent: free.ID}},
		nil,
		"a")

	status := h.runToCompletion(t, p.ID, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)
	assert.Zero(t, status.TotalCredits)

	txs, err := h.store.ListTransactions(ctx, h.ws.ID, store.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestEngine_DiamondRunsBranchesConcurrently(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{"ok":true}`))

	p := h.publish(t,
		[]schema.NodeDefinition{agentNode("a"), agentNode("b"), agentNode("c"), agentNode("d")},
		edges([2]string{"a", "b"}, [2]string{"a", "c"},
			[2]string{"b", "d"}, [2]string{"c", "d"}),
		"a")

	status := h.runToCompletion(t, p.ID, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)
	for _, s := range status.Steps {
		assert.Equal(t, schema.StepStatusCompleted, s.Status, "step %s", s.NodeID)
	}
}

func TestEngine_TriggerAndOutputNodes(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{"summary":"done"}`))

	p := h.publish(t,
		[]schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			agentNode("work"),
			{ID: "end", Type: schema.NodeTypeOutput, Transform: `.work.summary`},
		},
		edges([2]string{"start", "work"}, [2]string{"work", "end"}),
		"start")

	status := h.runToCompletion(t, p.ID, json.RawMessage(`{"topic":"go"}`))

	assert.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)

	start := stepByNode(status.Steps, "start")
	require.NotNil(t, start)
	assert.Equal(t, schema.StepStatusCompleted, start.Status)
	assert.JSONEq(t, `{"topic":"go"}`, string(start.Output))
	assert.Zero(t, start.CreditsUsed)

	end := stepByNode(status.Steps, "end")
	require.NotNil(t, end)
	assert.Equal(t, schema.StepStatusCompleted, end.Status)
	assert.JSONEq(t, `"done"`, string(end.Output))
	assert.Zero(t, end.CreditsUsed)

	assert.JSONEq(t, `"done"`, string(status.Execution.OutputData))
}

// --- Retries ---

func TestEngine_RetryThenSucceed(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	invoker := InvokerFunc(func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 2 {
			return nil, schema.NewError(schema.ErrCodeUpstreamTimeout, "provider timed out")
		}
		return &InvokeResult{Output: json.RawMessage(`{}`)}, nil
	})
	h := newTestHarness(t, invoker)

	p := h.publish(t,
		[]schema.NodeDefinition{{ID: "flaky", Type: schema.NodeTypeAgentCall, MaxRetries: 3}},
		nil, "flaky")

	status := h.runToCompletion(t, p.ID, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)
	step := stepByNode(status.Steps, "flaky")
	require.NotNil(t, step)
	assert.Equal(t, schema.StepStatusCompleted, step.Status)
	assert.Equal(t, 2, step.RetryCount)
	assert.Equal(t, 3, attempts)

	// Only the successful attempt is charged.
	assert.Equal(t, h.agent.CostPerRun, status.TotalCredits)
}

func TestEngine_RetryExhaustedFailsStep(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	invoker := InvokerFunc(func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeUpstreamFailure, "provider returned 502")
	})
	h := newTestHarness(t, invoker)

	p := h.publish(t,
		[]schema.NodeDefinition{{ID: "flaky", Type: schema.NodeTypeAgentCall, MaxRetries: 2}},
		nil, "flaky")

	status := h.runToCompletion(t, p.ID, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, status.Execution.Status)
	step := stepByNode(status.Steps, "flaky")
	require.NotNil(t, step)
	assert.Equal(t, schema.StepStatusFailed, step.Status)
	// max_retries+1 attempts total, never more.
	assert.Equal(t, 3, attempts)
	assert.Contains(t, step.ErrorMessage, "after 3 attempts")
	assert.Zero(t, status.TotalCredits)
}

func TestEngine_PermanentErrorDoesNotRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	invoker := InvokerFunc(func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeInvocation, "malformed tool call")
	})
	h := newTestHarness(t, invoker)

	p := h.publish(t,
		[]schema.NodeDefinition{{ID: "bad", Type: schema.NodeTypeAgentCall, MaxRetries: 5}},
		nil, "bad")

	status := h.runToCompletion(t, p.ID, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, status.Execution.Status)
	assert.Equal(t, 1, attempts)
}

// --- Failure propagation ---

func TestEngine_FailurePropagatesToDescendants(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
		if input.NodeID == "b" {
			return nil, schema.NewError(schema.ErrCodeInvocation, "agent crashed")
		}
		return &InvokeResult{Output: json.RawMessage(`{}`)}, nil
	})
	h := newTestHarness(t, invoker)

	// Diamond: b fails, d must be skipped; c is on the healthy branch.
	p := h.publish(t,
		[]schema.NodeDefinition{agentNode("a"), agentNode("b"), agentNode("c"), agentNode("d")},
		edges([2]string{"a", "b"}, [2]string{"a", "c"},
			[2]string{"b", "d"}, [2]string{"c", "d"}),
		"a")

	status := h.runToCompletion(t, p.ID, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, status.Execution.Status)
	assert.Equal(t, schema.StepStatusCompleted, stepByNode(status.Steps, "a").Status)
	assert.Equal(t, schema.StepStatusFailed, stepByNode(status.Steps, "b").Status)
	assert.Equal(t, schema.StepStatusCompleted, stepByNode(status.Steps, "c").Status)
	assert.Equal(t, schema.StepStatusSkipped, stepByNode(status.Steps, "d").Status)
	assert.Contains(t, stepByNode(status.Steps, "d").ErrorMessage, "upstream failure")
}

// --- Conditions ---

func TestEngine_ConditionFalseSkipsStep(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))

	p := h.publish(t,
		[]schema.NodeDefinition{
			agentNode("a"),
			{ID: "b", Type: schema.NodeTypeAgentCall, Condition: `input.priority == "high"`},
			agentNode("c"),
		},
		edges([2]string{"a", "b"}, [2]string{"b", "c"}),
		"a")

	status := h.runToCompletion(t, p.ID, json.RawMessage(`{"priority":"low"}`))

	// A condition skip is not a failure: no error message, and the skipped
	// step's dependents still run.
	assert.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)
	assert.Equal(t, schema.StepStatusCompleted, stepByNode(status.Steps, "a").Status)
	b := stepByNode(status.Steps, "b")
	assert.Equal(t, schema.StepStatusSkipped, b.Status)
	assert.Empty(t, b.ErrorMessage)
	assert.Zero(t, b.CreditsUsed)
	assert.Equal(t, schema.StepStatusCompleted, stepByNode(status.Steps, "c").Status)
}

func TestEngine_ConditionTrueRunsStep(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))

	p := h.publish(t,
		[]schema.NodeDefinition{
			agentNode("a"),
			{ID: "b", Type: schema.NodeTypeAgentCall, Condition: `input.priority == "high"`},
		},
		edges([2]string{"a", "b"}),
		"a")

	status := h.runToCompletion(t, p.ID, json.RawMessage(`{"priority":"high"}`))

	assert.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)
	assert.Equal(t, schema.StepStatusCompleted, stepByNode(status.Steps, "b").Status)
}

// --- Budget ---

func TestEngine_BudgetHaltStopsExecution(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))
	ctx := context.Background()

	require.NoError(t, h.ledger.SetLimit(ctx, h.ws.ID, 1000, true))
	_, err := h.ledger.Record(ctx, h.ws.ID, schema.TransactionTypeUsage, -950, ledger.Reference{
		Description: "prior spend this month",
	})
	require.NoError(t, err)

	// Agent costs 100: 950 + 100 breaches the 1000 limit.
	require.NoError(t, h.store.UpdateAgent(ctx, h.agent.ID, store.AgentUpdate{
		CostPerRun: ptr(int64(100)),
	}))

	p := h.publish(t,
		[]schema.NodeDefinition{agentNode("a"), agentNode("b")},
		edges([2]string{"a", "b"}),
		"a")

	status := h.runToCompletion(t, p.ID, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, status.Execution.Status)
	assert.Contains(t, status.Execution.ErrorMessage, "credit limit")

	a := stepByNode(status.Steps, "a")
	assert.Equal(t, schema.StepStatusFailed, a.Status)
	assert.Contains(t, a.ErrorMessage, "credit limit")
	assert.Equal(t, schema.StepStatusSkipped, stepByNode(status.Steps, "b").Status)

	// The blocked step charged nothing: usage stays at the seeded 950.
	used, err := h.ledger.Usage(ctx, h.ws.ID, time.Now().UTC().AddDate(0, 0, -1), time.Now().UTC().AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(950), used)
}

func TestEngine_AutoStopDisabledKeepsRunning(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))
	ctx := context.Background()

	require.NoError(t, h.ledger.SetLimit(ctx, h.ws.ID, 10, false))

	p := h.publish(t, []schema.NodeDefinition{agentNode("a")}, nil, "a")
	status := h.runToCompletion(t, p.ID, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)
}

// --- Cancellation ---

func TestEngine_CancelSkipsPendingLetsInflightFinish(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	invoker := InvokerFunc(func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
		once.Do(func() { close(started) })
		<-release
		return &InvokeResult{Output: json.RawMessage(`{}`)}, nil
	})
	h := newTestHarness(t, invoker)
	ctx := context.Background()

	p := h.publish(t,
		[]schema.NodeDefinition{agentNode("a"), agentNode("b"), agentNode("c")},
		edges([2]string{"a", "b"}, [2]string{"b", "c"}),
		"a")

	exec, err := h.engine.Start(ctx, p.ID, h.ws.ID, nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, h.engine.Cancel(ctx, exec.ID))
	close(release)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(waitCtx, exec.ID))

	status, err := h.engine.Status(ctx, exec.ID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCancelled, status.Execution.Status)
	// The in-flight step finished; the rest never started.
	assert.Equal(t, schema.StepStatusCompleted, stepByNode(status.Steps, "a").Status)
	assert.Equal(t, schema.StepStatusSkipped, stepByNode(status.Steps, "b").Status)
	assert.Equal(t, schema.StepStatusSkipped, stepByNode(status.Steps, "c").Status)

	// The completed step's charge stands.
	assert.Equal(t, h.agent.CostPerRun, status.TotalCredits)
}

func TestEngine_CancelTerminalExecutionRejected(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))
	ctx := context.Background()

	p := h.publish(t, []schema.NodeDefinition{agentNode("a")}, nil, "a")
	status := h.runToCompletion(t, p.ID, nil)
	require.Equal(t, schema.ExecutionStatusCompleted, status.Execution.Status)

	err := h.engine.Cancel(ctx, status.Execution.ID)
	require.Error(t, err)
	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ce.Code)
}

// --- Pause / resume ---

func TestEngine_PauseHoldsDispatchUntilResume(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	invoker := InvokerFunc(func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
		started <- input.NodeID
		<-release
		return &InvokeResult{Output: json.RawMessage(`{}`)}, nil
	})
	h := newTestHarness(t, invoker)
	ctx := context.Background()

	p := h.publish(t,
		[]schema.NodeDefinition{agentNode("a"), agentNode("b")},
		edges([2]string{"a", "b"}),
		"a")

	exec, err := h.engine.Start(ctx, p.ID, h.ws.ID, nil)
	require.NoError(t, err)
	require.Equal(t, "a", <-started)

	require.NoError(t, h.engine.Pause(ctx, exec.ID))

	// A second pause is an invalid transition.
	err = h.engine.Pause(ctx, exec.ID)
	require.Error(t, err)
	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ce.Code)

	// Let the in-flight step finish; nothing new may start while paused.
	release <- struct{}{}
	select {
	case node := <-started:
		t.Fatalf("step %s dispatched while paused", node)
	case <-time.After(200 * time.Millisecond):
	}

	status, err := h.engine.Status(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPaused, status.Execution.Status)

	require.NoError(t, h.engine.Resume(ctx, exec.ID))
	require.Equal(t, "b", <-started)
	release <- struct{}{}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(waitCtx, exec.ID))

	final, err := h.engine.Status(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, final.Execution.Status)
	assert.Equal(t, schema.StepStatusCompleted, stepByNode(final.Steps, "b").Status)

	events, err := h.engine.Events(ctx, exec.ID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventExecutionPaused)
	assert.Contains(t, types, schema.EventExecutionResumed)
}

func TestEngine_CancelWhilePaused(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	invoker := InvokerFunc(func(ctx context.Context, agent *store.Agent, input InvokeInput) (*InvokeResult, error) {
		started <- struct{}{}
		<-release
		return &InvokeResult{Output: json.RawMessage(`{}`)}, nil
	})
	h := newTestHarness(t, invoker)
	ctx := context.Background()

	p := h.publish(t,
		[]schema.NodeDefinition{agentNode("a"), agentNode("b")},
		edges([2]string{"a", "b"}),
		"a")

	exec, err := h.engine.Start(ctx, p.ID, h.ws.ID, nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, h.engine.Pause(ctx, exec.ID))
	release <- struct{}{}
	require.NoError(t, h.engine.Cancel(ctx, exec.ID))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(waitCtx, exec.ID))

	status, err := h.engine.Status(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, status.Execution.Status)
	assert.Equal(t, schema.StepStatusSkipped, stepByNode(status.Steps, "b").Status)
}

func TestEngine_PauseWithoutLiveRunRejected(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))

	err := h.engine.Pause(context.Background(), uuid.NewString())
	require.Error(t, err)
	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ce.Code)

	err = h.engine.Resume(context.Background(), uuid.NewString())
	require.Error(t, err)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ce.Code)
}

// --- Start validation ---

func TestEngine_StartRejectsUnpublishedPipeline(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))
	ctx := context.Background()

	p := &store.Pipeline{
		ID:          uuid.NewString(),
		WorkspaceID: h.ws.ID,
		Name:        "draft",
		Version:     1,
		Definition: &schema.PipelineDefinition{
			Nodes:      []schema.NodeDefinition{agentNode("a")},
			EntryPoint: "a",
		},
	}
	require.NoError(t, h.store.CreatePipeline(ctx, p))

	_, err := h.engine.Start(ctx, p.ID, h.ws.ID, nil)
	require.Error(t, err)
	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeConflict, ce.Code)
}

func TestEngine_StartRejectsInvalidGraphWithoutState(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))
	ctx := context.Background()

	// Published but cyclic: validation fails before any execution exists.
	def := &schema.PipelineDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "start", Type: schema.NodeTypeTrigger},
			agentNode("a"), agentNode("b"),
		},
		Edges: []schema.EdgeDefinition{
			{From: "start", To: "a"},
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
		EntryPoint: "start",
	}
	for i := range def.Nodes {
		if def.Nodes[i].Type.RequiresAgent() {
			def.Nodes[i].Agent = h.agent.ID
		}
	}
	p := &store.Pipeline{
		ID: uuid.NewString(), WorkspaceID: h.ws.ID, Name: "cyclic", Version: 1, Definition: def,
	}
	require.NoError(t, h.store.CreatePipeline(ctx, p))
	require.NoError(t, h.store.PublishPipeline(ctx, p.ID))

	_, err := h.engine.Start(ctx, p.ID, h.ws.ID, nil)
	require.Error(t, err)
	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeCycleDetected, ce.Code)

	execs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{WorkspaceID: h.ws.ID})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestEngine_StartRejectsUnresolvableRequiredAgent(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))
	ctx := context.Background()

	def := &schema.PipelineDefinition{
		Nodes:          []schema.NodeDefinition{agentNode("a")},
		EntryPoint:     "a",
		RequiredAgents: []string{uuid.NewString()},
	}
	def.Nodes[0].Agent = h.agent.ID
	p := &store.Pipeline{
		ID: uuid.NewString(), WorkspaceID: h.ws.ID, Name: "needs-ghost", Version: 1, Definition: def,
	}
	require.NoError(t, h.store.CreatePipeline(ctx, p))
	require.NoError(t, h.store.PublishPipeline(ctx, p.ID))

	_, err := h.engine.Start(ctx, p.ID, h.ws.ID, nil)
	require.Error(t, err)
	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)

	execs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{WorkspaceID: h.ws.ID})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

// --- Event log ---

func TestEngine_EventSequenceIsMonotonic(t *testing.T) {
	h := newTestHarness(t, okInvoker(`{}`))

	p := h.publish(t,
		[]schema.NodeDefinition{agentNode("a"), agentNode("b")},
		edges([2]string{"a", "b"}),
		"a")

	status := h.runToCompletion(t, p.ID, nil)

	events, err := h.engine.Events(context.Background(), status.Execution.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventExecutionCompleted, events[len(events)-1].Type)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func ptr[T any](v T) *T { return &v }
