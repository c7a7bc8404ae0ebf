// Package scheduler runs cron-scheduled pipeline executions.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/pkg/schema"
)

// PipelineStarter is the interface the scheduler uses to launch executions.
// Satisfied by the engine (avoids import cycle).
type PipelineStarter interface {
	Start(ctx context.Context, pipelineID, workspaceID string, input json.RawMessage) (*store.Execution, error)
}

// Scheduler polls the store for due scheduled runs and launches them.
type Scheduler struct {
	store   store.Store
	starter PipelineStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently executing (dedup)
}

// New creates a new Scheduler.
func New(s store.Store, starter PipelineStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Schedule registers a cron-triggered run for a pipeline. The expression is
// validated and next_run_at pre-computed before the row is written.
func (s *Scheduler) Schedule(ctx context.Context, run *store.ScheduledRun) error {
	next, err := s.CalculateNextRun(run.CronExpression, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", run.CronExpression, err.Error()).WithCause(err)
	}
	run.NextRunAt = &next
	return s.store.CreateScheduledRun(ctx, run)
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled runs and launches those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	runs, err := s.store.ListScheduledRuns(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if run.NextRunAt == nil || !run.NextRunAt.After(now) {
			if !s.tryAcquire(run.ID) {
				continue // already running (dedup)
			}
			if err := s.launch(ctx, run, now); err != nil {
				s.logger.Error("failed to launch scheduled run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(run.ID)
		}
	}
}

// launch starts the execution and updates the run's timestamps.
func (s *Scheduler) launch(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("launching scheduled run",
		slog.String("run_id", run.ID),
		slog.String("pipeline_id", run.PipelineID),
	)

	exec, err := s.starter.Start(ctx, run.PipelineID, run.WorkspaceID, run.InputData)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed to start",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	} else {
		payload, _ := json.Marshal(map[string]any{"scheduled_run_id": run.ID})
		if evErr := s.store.AppendEvent(ctx, &store.Event{
			ExecutionID: exec.ID,
			Type:        schema.EventScheduleTriggered,
			Payload:     payload,
		}); evErr != nil {
			s.logger.Error("failed to record schedule trigger event",
				slog.String("run_id", run.ID),
				slog.String("error", evErr.Error()),
			)
		}
	}

	return s.updateRunStatus(ctx, run, now, status)
}

func (s *Scheduler) updateRunStatus(ctx context.Context, run *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", run.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the run as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

// release removes the run from the in-flight set.
func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed launches runs whose next_run_at passed while the process
// was down. Called once at startup.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	runs, err := s.store.ListScheduledRuns(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed runs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, run := range runs {
		if run.NextRunAt != nil && run.NextRunAt.Before(now) {
			if !s.tryAcquire(run.ID) {
				continue
			}
			if err := s.launch(ctx, run, now); err != nil {
				s.logger.Error("failed to recover missed run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
				s.release(run.ID)
				continue
			}
			s.release(run.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed runs", slog.Int("count", recovered))
	}
	return nil
}
