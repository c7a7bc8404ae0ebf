package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/schema"
)

func TestNewConditionEngine(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
}

// --- Basic evaluation ---

func TestCondition_BooleanLiteral(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	out, err := e.EvaluateBool(context.Background(), "true", nil)
	require.NoError(t, err)
	assert.True(t, out)
}

func TestCondition_InputAccess(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	data := map[string]any{
		"input": map[string]any{"priority": "high", "count": 5},
	}

	out, err := e.EvaluateBool(context.Background(), `input.priority == "high"`, data)
	require.NoError(t, err)
	assert.True(t, out)

	out, err = e.EvaluateBool(context.Background(), `input.count > 10`, data)
	require.NoError(t, err)
	assert.False(t, out)
}

func TestCondition_UpstreamAccess(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	data := map[string]any{
		"upstream": map[string]any{
			"classify": map[string]any{"label": "spam", "score": 0.92},
		},
	}

	out, err := e.EvaluateBool(context.Background(),
		`upstream.classify.label == "spam" && upstream.classify.score > 0.9`, data)
	require.NoError(t, err)
	assert.True(t, out)
}

func TestCondition_MissingKeysDefaultToEmptyMaps(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	// No input provided at all; membership checks still work.
	out, err := e.EvaluateBool(context.Background(), `"priority" in input`, nil)
	require.NoError(t, err)
	assert.False(t, out)
}

// --- Error handling ---

func TestCondition_CompileErrorIsValidation(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `input.(bad syntax`, nil)
	require.Error(t, err)

	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
}

func TestCondition_EmptyExpressionRejected(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), "", nil)
	require.Error(t, err)

	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
}

func TestCondition_NonBooleanResultRejected(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `1 + 2`, nil)
	require.Error(t, err)

	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
}

func TestCondition_EvalErrorIsExecution(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	// Field access on a missing map key fails at eval time.
	_, err = e.Evaluate(context.Background(), `input.missing.deeper == 1`, nil)
	require.Error(t, err)

	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeExecution, ce.Code)
}

// --- Cache behavior ---

func TestCondition_CacheReuse(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	expr := `input.x > 0`
	_, err = e.EvaluateBool(context.Background(), expr, map[string]any{
		"input": map[string]any{"x": 1},
	})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[expr]
	e.mu.RUnlock()
	assert.True(t, cached)
}

func TestCondition_ConcurrentEvaluation(t *testing.T) {
	e, err := NewConditionEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.EvaluateBool(context.Background(), `input.x > 5`, map[string]any{
				"input": map[string]any{"x": n},
			})
			assert.NoError(t, err)
			assert.Equal(t, n > 5, out)
		}(i)
	}
	wg.Wait()
}
