package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// Runner is the part of the engine the scheduler drives.
type Runner interface {
	Submit(ctx context.Context, def schema.WorkflowDefinition, req engine.StartRequest) (string, error)
	ResumeDue(ctx context.Context) (int, error)
}

// Config tunes the polling loops.
type Config struct {
	// PollInterval is how often enabled schedules are checked (default 60s).
	PollInterval time.Duration
	// TimerInterval is how often due waits are resumed (default 5s).
	TimerInterval time.Duration
	Now           func() time.Time
}

// Scheduler starts runs of schedule_trigger workflows on their cron
// expressions and sweeps due waits back into the engine.
type Scheduler struct {
	store  store.Store
	runner Runner
	parser cron.Parser
	cfg    Config
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule ids currently firing
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner Runner, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.TimerInterval <= 0 {
		cfg.TimerInterval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		inflight: make(map[string]struct{}),
	}
}

// Create validates and persists a schedule for a saved schedule_trigger
// workflow, computing its first run time.
func (s *Scheduler) Create(ctx context.Context, sch *store.Schedule) error {
	if sch.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires workflow_id")
	}
	wf, err := s.store.GetWorkflow(ctx, sch.WorkflowID)
	if err != nil {
		return err
	}
	if !hasScheduleTrigger(wf.Definition) {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no %s node", wf.ID, schema.NodeScheduleTrigger)
	}
	now := s.cfg.Now()
	next, err := s.CalculateNextRun(sch.CronExpression, now)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	sch.NextRunAt = &next
	sch.CreatedAt = now
	return s.store.CreateSchedule(ctx, sch)
}

func hasScheduleTrigger(def schema.WorkflowDefinition) bool {
	for _, n := range def.Nodes {
		if n.Type == schema.NodeScheduleTrigger {
			return true
		}
	}
	return false
}

// Start launches the schedule loop and the timer sweep.
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
	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Duration("timer_interval", s.cfg.TimerInterval),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	timers := time.NewTicker(s.cfg.TimerInterval)
	defer timers.Stop()

	s.Tick(ctx)
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			s.Tick(ctx)
		case <-timers.C:
			s.Sweep(ctx)
		}
	}
}

// Tick fires every enabled schedule whose next run time has passed.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := s.cfg.Now()
	fired := 0
	for _, sch := range schedules {
		if sch.NextRunAt != nil && sch.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue
		}
		if err := s.fire(ctx, sch, now); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.String("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
		} else {
			fired++
		}
		s.release(sch.ID)
	}
	return fired
}

// Sweep resumes every wait whose resume time has passed.
func (s *Scheduler) Sweep(ctx context.Context) int {
	n, err := s.runner.ResumeDue(ctx)
	if err != nil {
		s.logger.Error("timer sweep failed", slog.String("error", err.Error()))
	}
	if n > 0 {
		s.logger.Debug("timer sweep resumed waits", slog.Int("count", n))
	}
	return n
}

// fire submits one run of the schedule's workflow and advances the schedule.
func (s *Scheduler) fire(ctx context.Context, sch *store.Schedule, now time.Time) error {
	s.logger.Info("firing schedule",
		slog.String("schedule_id", sch.ID),
		slog.String("workflow_id", sch.WorkflowID),
	)

	status := "submitted"
	var runID string
	wf, err := s.store.GetWorkflow(ctx, sch.WorkflowID)
	if err == nil {
		payload := make(map[string]any, len(sch.Payload)+2)
		maps.Copy(payload, sch.Payload)
		payload["scheduleId"] = sch.ID
		payload["scheduledAt"] = now.Format(time.RFC3339)
		runID, err = s.runner.Submit(ctx, wf.Definition, engine.StartRequest{UserID: sch.UserID, Payload: payload})
	}
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed to start",
			slog.String("schedule_id", sch.ID),
			slog.String("error", err.Error()),
		)
	}

	next, perr := s.CalculateNextRun(sch.CronExpression, now)
	if perr != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sch.ID, perr)
	}
	return s.store.UpdateSchedule(ctx, sch.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunID:     runID,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
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
