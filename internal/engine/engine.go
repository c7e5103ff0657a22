package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/flow"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// Dispatcher executes one node call. *dispatch.Registry satisfies it.
type Dispatcher interface {
	DispatchCall(ctx context.Context, call *dispatch.Call) (dispatch.ActionResult, error)
}

// Config tunes an Engine.
type Config struct {
	// NodeWorkers bounds how many nodes of one run's wave execute at once
	// (default 8). Every run gets its own limit.
	NodeWorkers int
	// RunWorkers bounds how many submitted runs execute at once (default 4).
	// Runs submitted beyond it wait in a queue as pending.
	RunWorkers int
	Breakers   BreakerConfig
	// Events receives run transitions and node records. Optional.
	Events streaming.Publisher
	Logger *slog.Logger
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// StartRequest carries the trigger payload of a new run.
type StartRequest struct {
	UserID  string         `json:"user_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// RunResult is the observable state of a run after an engine call returns.
type RunResult struct {
	RunID      string           `json:"run_id"`
	WorkflowID string           `json:"workflow_id"`
	Status     schema.RunStatus `json:"status"`
	Output     map[string]any   `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Waits      []*store.Wait    `json:"waits,omitempty"`
}

// RunReport is the full history of a run.
type RunReport struct {
	Run     *store.Run             `json:"run"`
	Records []*store.NodeExecution `json:"records"`
	Waits   []*store.Wait          `json:"waits"`
}

// Engine walks workflow graphs: it dispatches ready nodes in waves, persists
// one record per node call, and parks runs on suspension until resumed.
type Engine struct {
	store      store.Store
	log        *store.ExecutionLog
	dispatcher Dispatcher
	resolver   *expressions.Resolver
	fsm        *RunFSM
	breakers   *Breakers
	nodeLimit  int
	runs       *WorkerPool
	queue      *runQueue
	tracer     trace.Tracer
	events     streaming.Publisher
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc

	lifetime context.Context
	stop     context.CancelFunc
	fed      chan struct{}
	shutdown sync.Once
}

// New creates an Engine over s, dispatching nodes through d.
func New(s store.Store, d Dispatcher, cfg Config) *Engine {
	if cfg.NodeWorkers <= 0 {
		cfg.NodeWorkers = 8
	}
	if cfg.RunWorkers <= 0 {
		cfg.RunWorkers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		store:      s,
		log:        store.NewExecutionLog(s),
		dispatcher: d,
		resolver:   expressions.NewResolver(),
		fsm:        NewRunFSM(s),
		breakers:   NewBreakers(cfg.Breakers, cfg.Now),
		nodeLimit:  cfg.NodeWorkers,
		runs:       NewWorkerPool("runs", cfg.RunWorkers),
		queue:      newRunQueue(),
		tracer:     otel.Tracer("github.com/rendis/chainflow/internal/engine"),
		events:     cfg.Events,
		logger:     cfg.Logger,
		now:        cfg.Now,
		active:     make(map[string]context.CancelCauseFunc),
		fed:        make(chan struct{}),
	}
	e.lifetime, e.stop = context.WithCancel(context.Background())
	go e.feed()
	for from, tos := range ValidRunTransitions {
		for _, to := range tos {
			e.fsm.OnAfter(from, to, e.logTransition)
		}
	}
	return e
}

func (e *Engine) logTransition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	logging.LogWith(ctx, e.logger).DebugContext(ctx, "run transition", "run_id", runID, "from", from, "to", to)
	e.emit(ctx, streaming.RunEvent{
		Type:       streaming.EventRunStatus,
		RunID:      runID,
		WorkflowID: logging.WorkflowID(ctx),
		From:       string(from),
		Status:     string(to),
	})
	return nil
}

func (e *Engine) emitRecord(ctx context.Context, workflowID string, rec *store.NodeExecution) {
	e.emit(ctx, streaming.RunEvent{
		Type:       streaming.EventNodeRecord,
		RunID:      rec.RunID,
		WorkflowID: workflowID,
		NodeID:     rec.NodeID,
		Status:     string(rec.Status),
		Payload:    rec,
	})
}

func (e *Engine) emit(ctx context.Context, ev streaming.RunEvent) {
	if e.events == nil {
		return
	}
	ev.At = e.now()
	if err := e.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.DebugContext(ctx, "publish run event", "type", ev.Type, "error", err)
	}
}

// FSM exposes the run state machine so callers can register hooks.
func (e *Engine) FSM() *RunFSM { return e.fsm }

// Metrics reports the worker pools and the provider circuit breakers.
func (e *Engine) Metrics() map[string]any {
	return map[string]any{
		"pools":              []PoolMetrics{e.runs.Metrics()},
		"queued":             e.queue.len(),
		"node_limit_per_run": e.nodeLimit,
		"breakers":           e.breakers.Stats(),
	}
}

// Shutdown stops accepting submitted runs and waits for in-flight work.
// Runs still queued are stopped.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		e.stop()
		queued := e.queue.close()
		<-e.fed
		for _, q := range queued {
			e.abandon(q, ErrPoolShutdown)
		}
		e.runs.Shutdown()
	})
}

// runState is the in-memory view of a run while it is driven.
type runState struct {
	run          *store.Run
	graph        *Graph
	cur          cursor
	outputs      map[string]map[string]any
	latest       map[string]*store.NodeExecution
	pendingWaits int
	suspended    bool
	failure      string
	nodes        *WorkerPool
}

type nodeOutcome struct {
	node   *schema.Node
	call   *dispatch.Call
	result dispatch.ActionResult
	record *store.NodeExecution
	err    error
}

// Start runs def synchronously until it finishes or suspends.
func (e *Engine) Start(ctx context.Context, def schema.WorkflowDefinition, req StartRequest) (*RunResult, error) {
	rs, err := e.newRun(ctx, def, req)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, rs)
}

// Submit persists the run as pending, queues it for the run pool and
// returns its id without waiting for a free slot.
func (e *Engine) Submit(ctx context.Context, def schema.WorkflowDefinition, req StartRequest) (string, error) {
	rs, err := e.newRun(ctx, def, req)
	if err != nil {
		return "", err
	}
	q := queuedRun{ctx: context.WithoutCancel(ctx), rs: rs}
	if !e.queue.push(q) {
		e.abandon(q, ErrPoolShutdown)
		return "", schema.NewError(schema.ErrCodeConflict, "submit run: "+ErrPoolShutdown.Error()).WithCause(ErrPoolShutdown)
	}
	return rs.run.ID, nil
}

// feed moves queued runs onto the run pool, blocking only itself while
// the pool is full.
func (e *Engine) feed() {
	defer close(e.fed)
	for {
		q, ok := e.queue.pop(e.lifetime.Done())
		if !ok {
			return
		}
		err := e.runs.Submit(e.lifetime, func(context.Context) error {
			_, err := e.execute(q.ctx, q.rs)
			if err != nil {
				e.logger.ErrorContext(q.ctx, "submitted run failed", "run_id", q.rs.run.ID, "error", err)
			}
			return err
		})
		if err != nil {
			e.abandon(q, err)
		}
	}
}

// abandon stops a queued run that never reached the pool.
func (e *Engine) abandon(q queuedRun, cause error) {
	msg := "submit run: " + cause.Error()
	now := e.now()
	if _, err := e.fsm.Transition(q.ctx, q.rs.run.ID, schema.RunStatusPending, schema.RunStatusStopped); err != nil {
		e.logger.WarnContext(q.ctx, "stop queued run", "run_id", q.rs.run.ID, "error", err)
		return
	}
	_ = e.store.UpdateRun(q.ctx, q.rs.run.ID, store.RunUpdate{Error: &msg, FinishedAt: &now})
}

func (e *Engine) newRun(ctx context.Context, def schema.WorkflowDefinition, req StartRequest) (*runState, error) {
	if _, err := ParseGraph(&def); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = "inline-" + uuid.NewString()
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	run := &store.Run{
		WorkflowID:     def.ID,
		RevisionID:     def.RevisionID,
		UserID:         req.UserID,
		Status:         schema.RunStatusPending,
		Definition:     def,
		TriggerPayload: payload,
		StartedAt:      e.now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	// The graph must point into the run's own copy of the definition.
	g, err := ParseGraph(&run.Definition)
	if err != nil {
		return nil, err
	}
	return &runState{
		run:     run,
		graph:   g,
		cur:     newCursor(),
		outputs: make(map[string]map[string]any),
		latest:  make(map[string]*store.NodeExecution),
	}, nil
}

func (e *Engine) execute(ctx context.Context, rs *runState) (*RunResult, error) {
	ctx, done := e.begin(ctx, rs.run)
	defer done()

	swapped, err := e.fsm.Transition(ctx, rs.run.ID, schema.RunStatusPending, schema.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return e.snapshot(ctx, rs.run.ID)
	}
	rs.run.Status = schema.RunStatusRunning
	rs.cur.enqueue(workItem{NodeID: rs.graph.Trigger})
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "run started", "workflow_id", rs.run.WorkflowID)
	return e.drive(ctx, rs)
}

// begin registers the run as active in this process so Cancel can reach it.
func (e *Engine) begin(ctx context.Context, run *store.Run) (context.Context, func()) {
	ctx = logging.WithRun(ctx, run.ID, run.WorkflowID, run.UserID)
	ctx, cancel := context.WithCancelCause(ctx)
	e.mu.Lock()
	e.active[run.ID] = cancel
	e.mu.Unlock()
	return ctx, func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		cancel(nil)
	}
}

// drive dispatches waves until the run finishes, fails or suspends.
func (e *Engine) drive(ctx context.Context, rs *runState) (*RunResult, error) {
	ctx, span := e.tracer.Start(ctx, "run "+rs.run.WorkflowID, trace.WithAttributes(
		attribute.String("run.id", rs.run.ID),
		attribute.String("workflow.id", rs.run.WorkflowID),
	))
	defer span.End()

	rs.nodes = NewWorkerPool("nodes", e.nodeLimit)
	defer rs.nodes.Shutdown()

	res, err := e.walk(ctx, rs)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Status == schema.RunStatusFailed:
		span.SetStatus(codes.Error, res.Error)
	default:
		span.SetAttributes(attribute.String("run.status", string(res.Status)))
	}
	return res, err
}

func (e *Engine) walk(ctx context.Context, rs *runState) (*RunResult, error) {
	for {
		if ctx.Err() != nil {
			return e.finish(ctx, rs, schema.RunStatusStopped, cancelReason(ctx))
		}

		top := rs.cur.top()
		if len(top.Ready) == 0 {
			if rs.pendingWaits > 0 {
				return e.suspend(ctx, rs)
			}
			if len(rs.cur.Frames) == 1 {
				break
			}
			body := rs.cur.pop()
			rs.cur.enqueue(workItem{NodeID: body.LoopNodeID, Reentry: true})
			continue
		}

		wave := top.nextWave(rs.graph)
		outcomes := e.runWave(ctx, rs, wave)
		if ctx.Err() != nil {
			return e.finish(ctx, rs, schema.RunStatusStopped, cancelReason(ctx))
		}
		for i := range outcomes {
			if err := e.apply(ctx, rs, &outcomes[i]); err != nil {
				return e.finish(ctx, rs, schema.RunStatusFailed, err.Error())
			}
		}
		if rs.failure != "" {
			return e.finish(ctx, rs, schema.RunStatusFailed, rs.failure)
		}
		if rs.suspended {
			return e.suspend(ctx, rs)
		}
	}

	status := schema.RunStatusSucceeded
	if rs.cur.Stopped {
		status = schema.RunStatusStopped
	}
	return e.finish(ctx, rs, status, "")
}

func (e *Engine) runWave(ctx context.Context, rs *runState, wave []workItem) []nodeOutcome {
	data := rs.dataContext()
	outcomes := make([]nodeOutcome, len(wave))
	for i, item := range wave {
		outcomes[i] = e.prepare(rs, item, data)
	}

	if len(outcomes) == 1 {
		e.dispatchNode(ctx, rs.run, &outcomes[0])
		return outcomes
	}
	fns := make([]func(context.Context), len(outcomes))
	for i := range outcomes {
		oc := &outcomes[i]
		fns[i] = func(ctx context.Context) { e.dispatchNode(ctx, rs.run, oc) }
	}
	rs.nodes.Group(ctx, fns, func(i int, err error) {
		outcomes[i].err = fmt.Errorf("schedule node %s: %w", outcomes[i].node.ID, err)
	})
	return outcomes
}

func (e *Engine) prepare(rs *runState, item workItem, data expressions.Context) nodeOutcome {
	node := rs.graph.Nodes[item.NodeID]
	cfg := node.Config
	if !node.Type.IsConditional() {
		cfg = e.resolver.ResolveMap(node.Config, data)
	}
	call := &dispatch.Call{
		Node:       *node,
		Config:     cfg,
		Input:      rs.nodeInput(item),
		Data:       data,
		UserID:     rs.run.UserID,
		WorkflowID: rs.run.WorkflowID,
		RunID:      rs.run.ID,
		Now:        e.now(),
	}
	if item.Reentry {
		if rec := rs.latest[node.ID]; rec != nil {
			if st, ok := flow.LoopStateFromOutput(rec.Output); ok {
				call.LoopState = st
			}
		}
	}
	return nodeOutcome{node: node, call: call}
}

// dispatchNode calls the handler, retrying per the node's policy. Every
// attempt is recorded.
func (e *Engine) dispatchNode(ctx context.Context, run *store.Run, oc *nodeOutcome) {
	node := oc.node
	policy := node.Retry
	maxAttempts := MaxAttempts(policy)
	ctx = logging.WithNodeID(ctx, node.ID)
	logger := logging.LogWith(ctx, e.logger)

	for attempt := 1; ; attempt++ {
		createdAt := e.now()
		began := time.Now()

		var res dispatch.ActionResult
		if err := e.breakers.Allow(node.Type); err != nil {
			res = dispatch.Failure(err)
		} else {
			r, err := e.dispatcher.DispatchCall(ctx, oc.call)
			if err != nil {
				r = dispatch.Failure(err)
			}
			res = r
			if !res.IsConfigurationError() {
				e.breakers.Record(node.Type, res.Success || res.StopWorkflow)
			}
		}

		rec := &store.NodeExecution{
			RunID:      run.ID,
			NodeID:     node.ID,
			NodeType:   string(node.Type),
			Attempt:    attempt,
			Status:     nodeStatus(res),
			Input:      oc.call.Input,
			Output:     res.Output,
			Message:    res.Message,
			Error:      res.Error,
			ErrorCode:  res.ErrorCode,
			DurationMs: time.Since(began).Milliseconds(),
			CreatedAt:  createdAt,
		}
		if err := e.log.Append(context.WithoutCancel(ctx), rec); err != nil {
			oc.err = fmt.Errorf("record node %s: %w", node.ID, err)
			return
		}
		e.emitRecord(ctx, run.WorkflowID, rec)
		oc.result, oc.record = res, rec

		if !IsRetryableResult(res) || attempt >= maxAttempts || ctx.Err() != nil {
			return
		}
		delay := ComputeBackoff(policy, attempt)
		logger.WarnContext(ctx, "node failed, retrying",
			"attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", res.Error)
		if err := WaitForBackoff(ctx, delay); err != nil {
			return
		}
		oc.call.Now = e.now()
	}
}

func nodeStatus(res dispatch.ActionResult) schema.NodeStatus {
	switch {
	case res.Suspend != nil:
		return schema.NodeStatusWaiting
	case res.StopWorkflow:
		return schema.NodeStatusStopped
	case res.Success:
		return schema.NodeStatusSucceeded
	default:
		return schema.NodeStatusFailed
	}
}

// apply folds one node outcome into the run: it records outputs and
// enqueues the successors selected by the result.
func (e *Engine) apply(ctx context.Context, rs *runState, oc *nodeOutcome) error {
	if oc.err != nil {
		return oc.err
	}
	id := oc.node.ID
	res := oc.result
	rs.latest[id] = oc.record
	logger := logging.LogWith(ctx, e.logger).With("node_id", id, "node_type", oc.node.Type)

	switch {
	case res.Suspend != nil:
		s := res.Suspend
		w := &store.Wait{
			RunID:       rs.run.ID,
			WorkflowID:  rs.run.WorkflowID,
			NodeID:      id,
			Kind:        s.Kind,
			ResumeKey:   s.ResumeKey,
			ResumeAt:    s.ResumeAt,
			Description: s.Description,
			Details:     s.Details,
			Input:       oc.call.Input,
			CreatedAt:   e.now(),
		}
		if err := e.store.CreateWait(context.WithoutCancel(ctx), w); err != nil {
			return fmt.Errorf("create wait for node %s: %w", id, err)
		}
		rs.pendingWaits++
		rs.suspended = true
		logger.InfoContext(ctx, "node suspended", "kind", s.Kind, "resume_key", s.ResumeKey)

	case res.StopWorkflow:
		rs.cur.Stopped = true
		logger.InfoContext(ctx, "branch stopped", "message", res.Message)

	case res.Success:
		rs.outputs[id] = dataOutput(oc.node.Type, res.Output)
		switch {
		case res.Loop != nil && res.Loop.Done():
			rs.cur.enqueueNodes(rs.graph.LoopExit(id))
		case res.Loop != nil:
			body := rs.graph.LoopBody(id)
			items := make([]workItem, 0, len(body))
			for _, b := range body {
				items = append(items, workItem{NodeID: b})
			}
			rs.cur.push(id, items)
		case res.Branch != nil:
			if len(res.Branch.Labels) == 0 {
				logger.DebugContext(ctx, "no branch selected")
			}
			rs.cur.enqueueNodes(rs.graph.LabeledSuccessors(id, res.Branch.Labels))
		default:
			rs.cur.enqueueNodes(rs.graph.DefaultSuccessors(id))
		}

	default:
		if !res.IsConfigurationError() && rs.graph.HasEdge(id, schema.LabelError) {
			logger.WarnContext(ctx, "node failed, following error route", "error", res.Error)
			for _, target := range rs.graph.LabeledSuccessors(id, []string{schema.LabelError}) {
				rs.cur.enqueue(workItem{NodeID: target, Input: map[string]any{
					"error":     res.Error,
					"errorCode": res.ErrorCode,
					"nodeId":    id,
					"nodeType":  string(oc.node.Type),
				}})
			}
			return nil
		}
		logger.ErrorContext(ctx, "node failed", "error", res.Error, "error_code", res.ErrorCode)
		if rs.failure == "" {
			rs.failure = fmt.Sprintf("node %s failed: %s", id, res.Error)
		}
	}
	return nil
}

// suspend persists the cursor and parks the run as waiting.
func (e *Engine) suspend(ctx context.Context, rs *runState) (*RunResult, error) {
	pctx := context.WithoutCancel(ctx)
	if err := e.store.UpdateRun(pctx, rs.run.ID, store.RunUpdate{Metadata: rs.cur.toMetadata()}); err != nil {
		return nil, err
	}
	if _, err := e.fsm.Transition(pctx, rs.run.ID, schema.RunStatusRunning, schema.RunStatusWaiting); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "run waiting", "pending_waits", rs.pendingWaits)
	return e.snapshot(pctx, rs.run.ID)
}

// finish moves the run to a terminal status. Pending waits of a failed or
// stopped run are cancelled.
func (e *Engine) finish(ctx context.Context, rs *runState, status schema.RunStatus, reason string) (*RunResult, error) {
	pctx := context.WithoutCancel(ctx)
	if status != schema.RunStatusSucceeded {
		if err := e.cancelWaits(pctx, rs.run.ID); err != nil {
			return nil, err
		}
	}

	now := e.now()
	update := store.RunUpdate{FinishedAt: &now, Metadata: map[string]any{}}
	if reason != "" {
		update.Error = &reason
	}
	if err := e.store.UpdateRun(pctx, rs.run.ID, update); err != nil {
		return nil, err
	}
	if _, err := e.fsm.Transition(pctx, rs.run.ID, schema.RunStatusRunning, status); err != nil {
		return nil, err
	}

	logger := logging.LogWith(ctx, e.logger)
	if status == schema.RunStatusFailed {
		logger.ErrorContext(ctx, "run failed", "error", reason)
	} else {
		logger.InfoContext(ctx, "run finished", "status", status)
	}
	return e.snapshot(pctx, rs.run.ID)
}

func (e *Engine) cancelWaits(ctx context.Context, runID string) error {
	pending := schema.WaitStatusPending
	waits, err := e.store.ListWaits(ctx, store.WaitFilter{RunID: runID, Status: &pending})
	if err != nil {
		return err
	}
	for _, w := range waits {
		if _, err := e.store.ResolveWait(ctx, w.ID, schema.WaitStatusCancelled); err != nil {
			return err
		}
	}
	return nil
}

// Resume delivers sig to a waiting run. Resuming a run that is no longer
// waiting is a no-op returning its current state, so duplicate deliveries
// are harmless.
func (e *Engine) Resume(ctx context.Context, runID string, sig schema.Signal) (*RunResult, error) {
	if sig.Type == "" {
		sig.Type = schema.SignalEvent
		if sig.Decision != "" {
			sig.Type = schema.SignalDecision
		}
	}
	if !sig.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown signal type %q", sig.Type)
	}
	if sig.Type == schema.SignalCancel {
		reason := "cancelled by signal"
		if sig.Comment != "" {
			reason = sig.Comment
		}
		if err := e.Cancel(ctx, runID, reason); err != nil {
			return nil, err
		}
		return e.snapshot(ctx, runID)
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusWaiting {
		return e.snapshot(ctx, runID)
	}
	g, err := ParseGraph(&run.Definition)
	if err != nil {
		return nil, err
	}

	pendingStatus := schema.WaitStatusPending
	pending, err := e.store.ListWaits(ctx, store.WaitFilter{RunID: runID, Status: &pendingStatus})
	if err != nil {
		return nil, err
	}
	w := matchWait(pending, sig)
	if w == nil {
		// A concurrent resume may have consumed the wait already.
		if cur, err := e.store.GetRun(ctx, runID); err == nil && cur.Status != schema.RunStatusWaiting {
			return e.snapshot(ctx, runID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s has no pending wait matching the signal", runID)
	}

	timedOut, err := e.checkSignal(w, sig)
	if err != nil {
		return nil, err
	}
	outcome, err := flow.ResolveWait(w.Kind, sig, w.Input, timedOut, func(label string) bool {
		return g.HasEdge(w.NodeID, label)
	})
	if err != nil {
		return nil, err
	}

	ctx, done := e.begin(ctx, run)
	defer done()

	swapped, err := e.fsm.Transition(ctx, runID, schema.RunStatusWaiting, schema.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return e.snapshot(ctx, runID)
	}
	resolved, err := e.store.ResolveWait(ctx, w.ID, schema.WaitStatusResolved)
	if err != nil || !resolved {
		if _, terr := e.fsm.Transition(ctx, runID, schema.RunStatusRunning, schema.RunStatusWaiting); terr != nil {
			return nil, errors.Join(err, terr)
		}
		if err != nil {
			return nil, err
		}
		return e.snapshot(ctx, runID)
	}
	run.Status = schema.RunStatusRunning

	rs, err := e.restore(ctx, run, g)
	if err != nil {
		return e.finish(ctx, &runState{run: run, graph: g, cur: newCursor()}, schema.RunStatusFailed, err.Error())
	}
	rs.pendingWaits = len(pending) - 1

	node := g.Nodes[w.NodeID]
	rec := &store.NodeExecution{
		RunID:     runID,
		NodeID:    w.NodeID,
		NodeType:  string(node.Type),
		Attempt:   attemptOf(rs.latest[w.NodeID]),
		Status:    schema.NodeStatusSucceeded,
		Input:     w.Input,
		Output:    outcome.Output,
		Message:   outcome.Message,
		CreatedAt: e.now(),
	}
	if outcome.Stop {
		rec.Status = schema.NodeStatusStopped
	}
	if err := e.log.Append(ctx, rec); err != nil {
		return e.finish(ctx, rs, schema.RunStatusFailed, err.Error())
	}
	e.emitRecord(ctx, run.WorkflowID, rec)
	rs.latest[w.NodeID] = rec

	switch {
	case outcome.Stop:
		rs.cur.Stopped = true
	case outcome.Labels != nil:
		rs.outputs[w.NodeID] = outcome.Output
		rs.cur.enqueueNodes(g.LabeledSuccessors(w.NodeID, outcome.Labels))
	default:
		rs.outputs[w.NodeID] = outcome.Output
		rs.cur.enqueueNodes(g.DefaultSuccessors(w.NodeID))
	}

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "run resumed",
		"node_id", w.NodeID, "signal", sig.Type, "timed_out", timedOut)
	return e.drive(ctx, rs)
}

// checkSignal validates sig against w before any state changes. It reports
// whether the signal is the timeout of an event or approval wait.
func (e *Engine) checkSignal(w *store.Wait, sig schema.Signal) (bool, error) {
	now := e.now()
	switch {
	case w.Kind == schema.WaitKindTime:
		if sig.Type != schema.SignalTimer {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"wait %s on node %s only resumes on a timer signal", w.ID, w.NodeID)
		}
		if w.ResumeAt != nil && w.ResumeAt.After(now) {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"wait on node %s is not due until %s", w.NodeID, w.ResumeAt.Format(time.RFC3339))
		}
		return false, nil
	case sig.Type == schema.SignalTimer:
		if w.ResumeAt == nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "wait on node %s has no timeout", w.NodeID)
		}
		if w.ResumeAt.After(now) {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"wait on node %s does not time out until %s", w.NodeID, w.ResumeAt.Format(time.RFC3339))
		}
		return true, nil
	}
	return false, nil
}

func matchWait(pending []*store.Wait, sig schema.Signal) *store.Wait {
	for _, w := range pending {
		if sig.NodeID != "" && w.NodeID != sig.NodeID {
			continue
		}
		if sig.ResumeKey != "" && w.ResumeKey != sig.ResumeKey {
			continue
		}
		return w
	}
	return nil
}

func attemptOf(rec *store.NodeExecution) int {
	if rec == nil {
		return 1
	}
	return rec.Attempt
}

// restore rebuilds the in-memory state of a waiting run from its records
// and persisted cursor.
func (e *Engine) restore(ctx context.Context, run *store.Run, g *Graph) (*runState, error) {
	replay, err := e.log.Replay(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	cur, ok := cursorFromMetadata(run.Metadata)
	if !ok {
		cur = newCursor()
	}
	rs := &runState{
		run:     run,
		graph:   g,
		cur:     cur,
		outputs: make(map[string]map[string]any, len(replay.Outputs)),
		latest:  replay.Latest,
	}
	for id, out := range replay.Outputs {
		if n, ok := g.Nodes[id]; ok {
			rs.outputs[id] = dataOutput(n.Type, out)
		}
	}
	return rs, nil
}

// ResumeByKey resumes the run owning the oldest pending wait with key.
// For approval waits the payload carries decision, comment, actor and edits.
func (e *Engine) ResumeByKey(ctx context.Context, key string, payload map[string]any) (*RunResult, error) {
	w, err := e.store.GetWaitByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	sig := schema.Signal{Type: schema.SignalEvent, NodeID: w.NodeID, ResumeKey: key, Payload: payload}
	switch w.Kind {
	case schema.WaitKindTime:
		sig.Type = schema.SignalTimer
	case schema.WaitKindApproval:
		var d struct {
			Decision schema.Decision `json:"decision"`
			Comment  string          `json:"comment"`
			Actor    string          `json:"actor"`
			Edits    map[string]any  `json:"edits"`
		}
		if err := xjson.Convert(payload, &d); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid approval payload").WithCause(err)
		}
		sig.Type = schema.SignalDecision
		sig.Decision, sig.Comment, sig.Actor, sig.Edits = d.Decision, d.Comment, d.Actor, d.Edits
	}
	return e.Resume(ctx, w.RunID, sig)
}

// ResumeDue fires timer signals for every pending wait whose resume time
// has passed. It returns how many runs were resumed.
func (e *Engine) ResumeDue(ctx context.Context) (int, error) {
	due, err := e.store.ListDueWaits(ctx, e.now())
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, w := range due {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		_, err := e.Resume(ctx, w.RunID, schema.Signal{Type: schema.SignalTimer, NodeID: w.NodeID, ResumeKey: w.ResumeKey})
		if err != nil {
			e.logger.WarnContext(ctx, "timer resume failed", "run_id", w.RunID, "node_id", w.NodeID, "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Cancel stops a run. A run executing in this process is interrupted
// between waves; a pending or waiting run is stopped directly and its
// waits cancelled. Cancelling a finished run does nothing.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	if e.interrupt(runID, reason) {
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case schema.RunStatusPending, schema.RunStatusWaiting:
		swapped, err := e.fsm.Transition(ctx, runID, run.Status, schema.RunStatusStopped)
		if err != nil {
			return err
		}
		if !swapped {
			if e.interrupt(runID, reason) {
				return nil
			}
			return schema.NewErrorf(schema.ErrCodeConflict, "run %s changed state while cancelling", runID)
		}
		if err := e.cancelWaits(ctx, runID); err != nil {
			return err
		}
		now := e.now()
		if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Error: &reason, FinishedAt: &now, Metadata: map[string]any{}}); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "run cancelled", "run_id", runID, "reason", reason)
		return nil
	case schema.RunStatusRunning:
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is executing in another process", runID)
	default:
		return nil
	}
}

func (e *Engine) interrupt(runID, reason string) bool {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		cancel(schema.NewError(schema.ErrCodeCancelled, reason))
	}
	return ok
}

func cancelReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	var fe *schema.FlowError
	if errors.As(cause, &fe) {
		return fe.Message
	}
	if cause != nil {
		return cause.Error()
	}
	return "cancelled"
}

// Status returns the run with its records and waits.
func (e *Engine) Status(ctx context.Context, runID string) (*RunReport, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListNodeExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	waits, err := e.store.ListWaits(ctx, store.WaitFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	return &RunReport{Run: run, Records: records, Waits: waits}, nil
}

// snapshot builds the RunResult of a stored run. Output is the last
// succeeded node output.
func (e *Engine) snapshot(ctx context.Context, runID string) (*RunResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	replay, err := e.log.Replay(ctx, runID)
	if err != nil {
		return nil, err
	}
	pending := schema.WaitStatusPending
	waits, err := e.store.ListWaits(ctx, store.WaitFilter{RunID: runID, Status: &pending})
	if err != nil {
		return nil, err
	}

	res := &RunResult{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     run.Status,
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Waits:      waits,
	}
	for _, rec := range replay.Records {
		if rec.Status == schema.NodeStatusSucceeded {
			res.Output = dataOutput(schema.NodeType(rec.NodeType), rec.Output)
		}
	}
	return res, nil
}

// dataContext is what references resolve against: the trigger payload plus
// the latest output of every node.
func (rs *runState) dataContext() expressions.Context {
	data := expressions.NewContext(rs.graph.Trigger, rs.run.TriggerPayload)
	for id, out := range rs.outputs {
		data.Set(id, out)
	}
	return data
}

// nodeInput merges the latest outputs of the executed predecessors; the
// first predecessor in edge order wins on conflicting keys.
func (rs *runState) nodeInput(item workItem) map[string]any {
	switch {
	case item.Input != nil:
		return copyMap(item.Input)
	case item.NodeID == rs.graph.Trigger:
		return copyMap(rs.run.TriggerPayload)
	case item.Reentry:
		if rec := rs.latest[item.NodeID]; rec != nil {
			return copyMap(rec.Input)
		}
	}
	input := map[string]any{}
	for _, pred := range rs.graph.In[item.NodeID] {
		out, ok := rs.outputs[pred]
		if !ok {
			continue
		}
		// Without dereferencing, false, 0 and "" from an earlier
		// predecessor count as set and are kept.
		_ = mergo.Merge(&input, copyMap(out), mergo.WithoutDereference)
	}
	return input
}

// dataOutput hides the persisted loop cursor from downstream nodes.
func dataOutput(t schema.NodeType, out map[string]any) map[string]any {
	if t != schema.NodeLoop {
		return out
	}
	if _, ok := out[flow.LoopStateKey]; !ok {
		return out
	}
	cp := make(map[string]any, len(out))
	for k, v := range out {
		if k != flow.LoopStateKey {
			cp[k] = v
		}
	}
	return cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return expressions.DeepCopy(m).(map[string]any)
}
