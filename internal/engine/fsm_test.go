package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

type recordingAppender struct {
	events []*store.Event
}

func (r *recordingAppender) AppendEvent(_ context.Context, event *store.Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	rec := &recordingAppender{}
	fsm := NewExecutionFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "exec-1",
		schema.ExecutionStatusPending, schema.ExecutionStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1",
		schema.ExecutionStatusRunning, schema.ExecutionStatusPaused, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1",
		schema.ExecutionStatusPaused, schema.ExecutionStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1",
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, nil))

	require.Len(t, rec.events, 4)
	assert.Equal(t, schema.EventExecutionStarted, rec.events[0].Type)
	assert.Equal(t, schema.EventExecutionPaused, rec.events[1].Type)
	assert.Equal(t, schema.EventExecutionResumed, rec.events[2].Type)
	assert.Equal(t, schema.EventExecutionCompleted, rec.events[3].Type)
}

func TestExecutionFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewExecutionFSM(&recordingAppender{})
	ctx := context.Background()

	for _, from := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	} {
		err := fsm.Transition(ctx, "exec-1", from, schema.ExecutionStatusRunning, nil)
		require.Error(t, err, "from %s", from)
		var ce *schema.CrewlineError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, schema.ErrCodeInvalidTransition, ce.Code)
	}
}

func TestStepFSM_RetryLoop(t *testing.T) {
	rec := &recordingAppender{}
	fsm := NewStepFSM(rec)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "exec-1", "node-a",
		schema.StepStatusPending, schema.StepStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", "node-a",
		schema.StepStatusRunning, schema.StepStatusRetrying, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", "node-a",
		schema.StepStatusRetrying, schema.StepStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "exec-1", "node-a",
		schema.StepStatusRunning, schema.StepStatusCompleted, nil))
}

func TestStepFSM_InvalidTransitionCarriesStep(t *testing.T) {
	fsm := NewStepFSM(&recordingAppender{})

	err := fsm.Transition(context.Background(), "exec-1", "node-a",
		schema.StepStatusCompleted, schema.StepStatusRunning, nil)
	require.Error(t, err)

	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeInvalidTransition, ce.Code)
	assert.Equal(t, "node-a", ce.StepID)
}

func TestStepFSM_PendingCanOnlyRunOrSkip(t *testing.T) {
	fsm := NewStepFSM(&recordingAppender{})
	ctx := context.Background()

	err := fsm.Transition(ctx, "exec-1", "node-a",
		schema.StepStatusPending, schema.StepStatusCompleted, nil)
	require.Error(t, err)

	require.NoError(t, fsm.Transition(ctx, "exec-1", "node-a",
		schema.StepStatusPending, schema.StepStatusSkipped, json.RawMessage(`{"reason":"upstream failed"}`)))
}
