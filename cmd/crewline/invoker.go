package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crewline/crewline/internal/engine"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// loopbackInvoker serves the "local" provider by echoing the step's input
// and upstream documents. Remote providers need a transport configured by
// the embedding deployment; without one their steps fail permanently.
type loopbackInvoker struct{}

func (loopbackInvoker) Invoke(_ context.Context, agent *store.Agent, input engine.InvokeInput) (*engine.InvokeResult, error) {
	if agent.Provider != "local" {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation,
			"provider %s has no configured transport", agent.Provider)
	}

	started := time.Now()
	output, err := json.Marshal(map[string]any{
		"node_id":  input.NodeID,
		"input":    json.RawMessage(rawOrEmpty(input.Input)),
		"upstream": json.RawMessage(rawOrEmpty(input.Upstream)),
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvocation, "encode output: %s", err.Error()).WithCause(err)
	}
	return &engine.InvokeResult{
		Output:    output,
		ElapsedMs: time.Since(started).Milliseconds(),
	}, nil
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}
