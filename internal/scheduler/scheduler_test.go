package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu     sync.Mutex
	runs   map[string]*store.ScheduledRun
	events []*store.Event
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{runs: make(map[string]*store.ScheduledRun)}
}

func (m *mockSchedulerStore) CreateScheduledRun(_ context.Context, run *store.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledRun(_ context.Context, id string) (*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run not found: %s", id)
	}
	cp := *r
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledRun(_ context.Context, id string, update store.ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		r.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		r.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		r.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		r.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledRuns(_ context.Context, enabledOnly bool) ([]*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledRun
	for _, r := range m.runs {
		if enabledOnly && !r.Enabled {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockSchedulerStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// mockStarter tracks Start calls.
type mockStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	PipelineID  string
	WorkspaceID string
	Input       json.RawMessage
}

func (r *mockStarter) Start(_ context.Context, pipelineID, workspaceID string, input json.RawMessage) (*store.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, startCall{PipelineID: pipelineID, WorkspaceID: workspaceID, Input: input})
	if r.err != nil {
		return nil, r.err
	}
	return &store.Execution{ID: "exec-1", PipelineID: pipelineID, WorkspaceID: workspaceID}, nil
}

func (r *mockStarter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, starter PipelineStarter) *Scheduler {
	return New(s, starter, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockStarter{})
	from := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestSchedule_ValidatesCronAndSetsNextRun(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockStarter{})
	ctx := context.Background()

	run := &store.ScheduledRun{
		ID:             "run-1",
		PipelineID:     "pipe-1",
		WorkspaceID:    "ws-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
	}
	require.NoError(t, sched.Schedule(ctx, run))
	require.NotNil(t, run.NextRunAt)
	assert.True(t, run.NextRunAt.After(time.Now().UTC()))

	err := sched.Schedule(ctx, &store.ScheduledRun{
		ID:             "run-bad",
		CronExpression: "not a cron",
	})
	require.Error(t, err)
	var ce *schema.CrewlineError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
}

func TestTickLaunchesDueRuns(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-1",
		PipelineID:     "pipe-1",
		WorkspaceID:    "ws-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, starter.callCount())

	got, err := ms.GetScheduledRun(ctx, "run-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)

	// The trigger is recorded in the execution's event log.
	require.Len(t, ms.events, 1)
	assert.Equal(t, schema.EventScheduleTriggered, ms.events[0].Type)
	assert.Equal(t, "exec-1", ms.events[0].ExecutionID)
}

func TestTickSkipsNotDueRuns(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-future",
		PipelineID:     "pipe-1",
		WorkspaceID:    "ws-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, starter.callCount())
}

func TestTickRecordsStartFailure(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{err: schema.NewError(schema.ErrCodeConflict, "pipeline not published")}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-err",
		PipelineID:     "pipe-1",
		WorkspaceID:    "ws-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	got, err := ms.GetScheduledRun(ctx, "run-err")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	// next_run_at still advances so the run is not retried every tick.
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDisabledRunsSkipped(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-disabled",
		PipelineID:     "pipe-1",
		WorkspaceID:    "ws-1",
		CronExpression: "0 * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, starter.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	starter := &mockStarter{}
	sched := newTestScheduler(ms, starter)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-missed",
		PipelineID:     "pipe-1",
		WorkspaceID:    "ws-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, starter.callCount())

	got, err := ms.GetScheduledRun(ctx, "run-missed")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockStarter{})

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())
	// Stop is idempotent.
	require.NoError(t, sched.Stop())
}
