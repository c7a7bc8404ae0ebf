package engine

import (
	"context"
	"encoding/json"

	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// EventAppender is satisfied by the Store; used by the FSMs to emit events
// on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidExecutionTransitions defines the execution lifecycle. running↔paused
// is operator-initiated and independent of assignment pause state.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
		schema.ExecutionStatusFailed,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
		schema.ExecutionStatusPaused,
	},
	schema.ExecutionStatusPaused: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
		schema.ExecutionStatusFailed,
	},
}

// ValidStepTransitions defines the step lifecycle. retrying→running re-entry
// is bounded by the step's max_retries.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusRunning,
		schema.StepStatusSkipped,
	},
	schema.StepStatusRunning: {
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
		schema.StepStatusSkipped,
		schema.StepStatusRetrying,
	},
	schema.StepStatusRetrying: {
		schema.StepStatusRunning,
		schema.StepStatusFailed,
		schema.StepStatusSkipped,
	},
}

// ExecutionFSM validates execution transitions and emits lifecycle events.
// The caller persists the new state; the FSM only guards and records.
type ExecutionFSM struct {
	appender EventAppender
}

func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{appender: appender}
}

// Transition validates the transition and appends the matching event.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload json.RawMessage) error {
	if !contains(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID})
	}
	eventType := executionEventType(to)
	if from == schema.ExecutionStatusPaused && to == schema.ExecutionStatusRunning {
		eventType = schema.EventExecutionResumed
	}
	if eventType == "" {
		return nil
	}
	err := f.appender.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		Type:        eventType,
		Payload:     payload,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// StepFSM validates step transitions and emits lifecycle events.
type StepFSM struct {
	appender EventAppender
}

func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

func (f *StepFSM) Transition(ctx context.Context, executionID, nodeID string, from, to schema.StepStatus, payload json.RawMessage) error {
	if !contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(nodeID).
			WithDetails(map[string]any{"execution_id": executionID})
	}
	eventType := stepEventType(to)
	if eventType == "" {
		return nil
	}
	err := f.appender.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     payload,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	case schema.ExecutionStatusPaused:
		return schema.EventExecutionPaused
	default:
		return ""
	}
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	default:
		return ""
	}
}
