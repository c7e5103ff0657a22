package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

type fakeRunner struct {
	mu        sync.Mutex
	submitted []engine.StartRequest
	defs      []schema.WorkflowDefinition
	submitErr error
	due       int
	sweeps    int
}

func (f *fakeRunner) Submit(_ context.Context, def schema.WorkflowDefinition, req engine.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	f.defs = append(f.defs, def)
	return "run-" + string(rune('a'+len(f.submitted)-1)), nil
}

func (f *fakeRunner) ResumeDue(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.due, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type harness struct {
	store  *store.MemoryStore
	runner *fakeRunner
	sched  *Scheduler
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		runner: &fakeRunner{},
		now:    time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	h.sched = NewScheduler(h.store, h.runner, Config{Now: func() time.Time { return h.now }}, slog.Default())
	return h
}

func (h *harness) saveWorkflow(t *testing.T, id string, trigger schema.NodeType) {
	t.Helper()
	err := h.store.SaveWorkflow(context.Background(), &store.Workflow{
		ID: id,
		Definition: schema.WorkflowDefinition{
			Nodes: []schema.Node{{ID: "start", Type: trigger}, {ID: "step", Type: "test.step"}},
			Edges: []schema.Edge{{Source: "start", Target: "step"}},
		},
	})
	require.NoError(t, err)
}

func TestCalculateNextRun(t *testing.T) {
	h := newHarness(t)
	from := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"every minute", "* * * * *", time.Date(2026, 1, 15, 10, 1, 0, 0, time.UTC)},
		{"hourly", "0 * * * *", time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)},
		{"daily midnight", "0 0 * * *", time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)},
		{"weekdays 9am", "0 9 * * 1-5", time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC)},
		{"descriptor", "@hourly", time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.sched.CalculateNextRun(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := h.sched.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveWorkflow(t, "nightly", schema.NodeScheduleTrigger)
	h.saveWorkflow(t, "manual", schema.NodeTrigger)

	sch := &store.Schedule{WorkflowID: "nightly", CronExpression: "0 2 * * *", Enabled: true}
	require.NoError(t, h.sched.Create(ctx, sch))
	require.NotEmpty(t, sch.ID)

	got, err := h.store.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 5, 5, 2, 0, 0, 0, time.UTC), got.NextRunAt.UTC())

	err = h.sched.Create(ctx, &store.Schedule{WorkflowID: "manual", CronExpression: "* * * * *"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = h.sched.Create(ctx, &store.Schedule{WorkflowID: "nightly", CronExpression: "every day"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = h.sched.Create(ctx, &store.Schedule{WorkflowID: "missing", CronExpression: "* * * * *"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = h.sched.Create(ctx, &store.Schedule{CronExpression: "* * * * *"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTick_FiresDueSchedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveWorkflow(t, "nightly", schema.NodeScheduleTrigger)

	sch := &store.Schedule{
		WorkflowID:     "nightly",
		UserID:         "u1",
		CronExpression: "*/5 * * * *",
		Payload:        map[string]any{"region": "eu"},
		Enabled:        true,
	}
	require.NoError(t, h.sched.Create(ctx, sch))

	// Not due yet.
	assert.Equal(t, 0, h.sched.Tick(ctx))
	assert.Equal(t, 0, h.runner.count())

	h.now = h.now.Add(5 * time.Minute)
	assert.Equal(t, 1, h.sched.Tick(ctx))
	require.Equal(t, 1, h.runner.count())

	req := h.runner.submitted[0]
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, "eu", req.Payload["region"])
	assert.Equal(t, sch.ID, req.Payload["scheduleId"])
	assert.Equal(t, "2026-05-04T09:05:00Z", req.Payload["scheduledAt"])
	assert.Equal(t, "nightly", h.runner.defs[0].ID)

	got, err := h.store.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, "submitted", got.LastRunStatus)
	assert.Equal(t, "run-a", got.LastRunID)
	assert.Equal(t, time.Date(2026, 5, 4, 9, 10, 0, 0, time.UTC), got.NextRunAt.UTC())

	// Same instant: the schedule has already advanced.
	assert.Equal(t, 0, h.sched.Tick(ctx))
}

func TestTick_SkipsDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveWorkflow(t, "nightly", schema.NodeScheduleTrigger)
	require.NoError(t, h.sched.Create(ctx, &store.Schedule{WorkflowID: "nightly", CronExpression: "* * * * *"}))

	h.now = h.now.Add(time.Hour)
	assert.Equal(t, 0, h.sched.Tick(ctx))
	assert.Equal(t, 0, h.runner.count())
}

func TestTick_RecordsSubmitError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveWorkflow(t, "nightly", schema.NodeScheduleTrigger)
	sch := &store.Schedule{WorkflowID: "nightly", CronExpression: "* * * * *", Enabled: true}
	require.NoError(t, h.sched.Create(ctx, sch))

	h.runner.submitErr = errors.New("pool closed")
	h.now = h.now.Add(time.Minute)
	h.sched.Tick(ctx)

	got, err := h.store.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	assert.Empty(t, got.LastRunID)
	assert.True(t, got.NextRunAt.After(h.now))
}

func TestTick_DeletedWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.saveWorkflow(t, "nightly", schema.NodeScheduleTrigger)
	sch := &store.Schedule{WorkflowID: "nightly", CronExpression: "* * * * *", Enabled: true}
	require.NoError(t, h.sched.Create(ctx, sch))
	require.NoError(t, h.store.DeleteWorkflow(ctx, "nightly"))

	h.now = h.now.Add(time.Minute)
	h.sched.Tick(ctx)

	got, err := h.store.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	assert.Equal(t, 0, h.runner.count())
}

func TestTryAcquire(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.sched.tryAcquire("s1"))
	assert.False(t, h.sched.tryAcquire("s1"))
	h.sched.release("s1")
	assert.True(t, h.sched.tryAcquire("s1"))
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	h.runner.due = 3
	assert.Equal(t, 3, h.sched.Sweep(context.Background()))
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.TimerInterval = 10 * time.Millisecond

	require.NoError(t, h.sched.Start(context.Background()))
	assert.Error(t, h.sched.Start(context.Background()))

	assert.Eventually(t, func() bool {
		h.runner.mu.Lock()
		defer h.runner.mu.Unlock()
		return h.runner.sweeps >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.sched.Stop())
	require.NoError(t, h.sched.Stop())
}
