package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/crewline/crewline/pkg/schema"
)

// TransformEngine evaluates jq expressions used by output nodes to shape
// the aggregated upstream results. Compiled queries are cached.
type TransformEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewTransformEngine() *TransformEngine {
	return &TransformEngine{cache: make(map[string]*gojq.Code)}
}

// Transform runs a jq expression against data. Zero results yield nil, a
// single result is returned directly, multiple results are returned as a
// slice.
func (e *TransformEngine) Transform(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty transform expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"transform evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *TransformEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"transform parse error in %q: %s", expression, err.Error()).
			WithCause(err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"transform compile error in %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.cache[expression] = code
	return code, nil
}
