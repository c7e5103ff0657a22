package flow

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rendis/chainflow/internal/conditions"
	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) *dispatch.Registry {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	ev := conditions.NewEvaluator(expressions.NewResolver(), cel, nil)
	r, err := dispatch.NewRegistry(Builtins(ev, nil), nil)
	require.NoError(t, err)
	return r
}

func call(nodeType schema.NodeType, config, input map[string]any) *dispatch.Call {
	return &dispatch.Call{
		Node:       schema.Node{ID: "n1", Type: nodeType, Config: config},
		Config:     config,
		Input:      input,
		Data:       expressions.NewContext("start", map[string]any{"tier": "gold"}),
		WorkflowID: "wf",
		RunID:      "run",
		Now:        testNow,
	}
}

func run(t *testing.T, r *dispatch.Registry, c *dispatch.Call) dispatch.ActionResult {
	t.Helper()
	res, err := r.DispatchCall(context.Background(), c)
	require.NoError(t, err)
	return res
}

func TestTrigger_PassesPayload(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, call(schema.NodeWebhookTrigger, nil, map[string]any{"id": 1}))
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"id": 1}, res.Output)
}

func TestFilter_PassAndStop(t *testing.T) {
	r := newTestRegistry(t)
	cfg := map[string]any{
		"conditions":    []any{map[string]any{"field": "status", "operator": "equals", "value": "active"}},
		"logicOperator": "and",
	}

	res := run(t, r, call(schema.NodeFilter, cfg, map[string]any{"status": "active"}))
	assert.True(t, res.Success)
	assert.False(t, res.StopWorkflow)
	assert.Equal(t, true, res.Output["passed"])
	assert.Equal(t, "active", res.Output["status"])

	res = run(t, r, call(schema.NodeFilter, cfg, map[string]any{"status": "inactive"}))
	assert.False(t, res.Success)
	assert.True(t, res.StopWorkflow)
	assert.Equal(t, DefaultStopMessage, res.Message)
}

func TestFilter_FirstPathAndStopMessage(t *testing.T) {
	r := newTestRegistry(t)
	cfg := map[string]any{
		"paths": []any{
			map[string]any{"id": "p", "conditions": []any{
				map[string]any{"field": "tier", "operator": "equals", "value": "{{trigger.tier}}", "isVariable": true},
			}},
			map[string]any{"id": "ignored", "conditions": []any{}},
		},
		"stopMessage": "not a gold customer",
	}

	res := run(t, r, call(schema.NodeFilter, cfg, map[string]any{"tier": "gold"}))
	assert.True(t, res.Success)

	res = run(t, r, call(schema.NodeFilter, cfg, map[string]any{"tier": "silver"}))
	assert.True(t, res.StopWorkflow)
	assert.Equal(t, "not a gold customer", res.Message)
	assert.Equal(t, "not a gold customer", res.Output["reason"])
}

func TestFilter_EmptyConditionsPass(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, call(schema.NodeFilter, map[string]any{}, nil))
	assert.True(t, res.Success)
}

func TestFilter_BadConfig(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, call(schema.NodeFilter, map[string]any{"conditions": "nope"}, nil))
	assert.False(t, res.Success)
	assert.False(t, res.StopWorkflow)
	assert.True(t, res.IsConfigurationError())
}

func branchConfig(mode string, defaultPath string) map[string]any {
	cfg := map[string]any{
		"paths": []any{
			map[string]any{"id": "big", "conditions": []any{map[string]any{"field": "amount", "operator": "greater_than", "value": 100}}},
			map[string]any{"id": "vip", "conditions": []any{map[string]any{"field": "vip", "operator": "is_true"}}},
		},
	}
	if mode != "" {
		cfg["mode"] = mode
	}
	if defaultPath != "" {
		cfg["defaultPath"] = defaultPath
	}
	return cfg
}

func TestPath_FirstMatchOnly(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, call(schema.NodePath, branchConfig("", ""), map[string]any{"amount": 500, "vip": true}))
	require.NotNil(t, res.Branch)
	assert.Equal(t, []string{"big"}, res.Branch.Labels)
	assert.Equal(t, "big", res.Output["pathTaken"])
}

func TestRouter_FanOutAndFirstMode(t *testing.T) {
	r := newTestRegistry(t)
	input := map[string]any{"amount": 500, "vip": true}

	res := run(t, r, call(schema.NodeRouter, branchConfig("", ""), input))
	assert.Equal(t, []string{"big", "vip"}, res.Branch.Labels)
	assert.Equal(t, []any{"big", "vip"}, res.Output["activePaths"])

	res = run(t, r, call(schema.NodeRouter, branchConfig("first", ""), input))
	assert.Equal(t, []string{"big"}, res.Branch.Labels)
}

func TestBranch_DefaultAndHalt(t *testing.T) {
	r := newTestRegistry(t)
	input := map[string]any{"amount": 5}

	res := run(t, r, call(schema.NodePath, branchConfig("", "fallback"), input))
	assert.Equal(t, []string{"fallback"}, res.Branch.Labels)
	assert.Equal(t, false, res.Output["matched"])

	res = run(t, r, call(schema.NodeRouter, branchConfig("", ""), input))
	assert.True(t, res.Success)
	require.NotNil(t, res.Branch)
	assert.Empty(t, res.Branch.Labels)
}

func TestBranch_InvalidConfig(t *testing.T) {
	r := newTestRegistry(t)
	cfg := map[string]any{"paths": []any{map[string]any{"conditions": []any{}}}}
	res := run(t, r, call(schema.NodePath, cfg, nil))
	assert.True(t, res.IsConfigurationError())

	cfg = branchConfig("sometimes", "")
	res = run(t, r, call(schema.NodeRouter, cfg, nil))
	assert.True(t, res.IsConfigurationError())
}

func TestLoopHandler_ThreadsState(t *testing.T) {
	r := newTestRegistry(t)
	c := call(schema.NodeLoop, map[string]any{"loopMode": "items", "items": []any{"a", "b"}}, nil)

	res := run(t, r, c)
	require.NotNil(t, res.Loop)
	assert.False(t, res.Loop.Done())
	assert.Equal(t, "a", res.Output["item"])
	assert.Equal(t, true, res.Output["isFirst"])

	st, ok := LoopStateFromOutput(res.Output)
	require.True(t, ok)
	assert.Equal(t, 1, st.CurrentIndex)

	c.LoopState = st
	res = run(t, r, c)
	assert.Equal(t, "b", res.Output["item"])
	assert.Equal(t, true, res.Output["isLast"])

	st, _ = LoopStateFromOutput(res.Output)
	c.LoopState = st
	res = run(t, r, c)
	assert.True(t, res.Loop.Done())
	assert.Nil(t, res.Loop.Iteration)
	assert.Equal(t, true, res.Output["completed"])
	assert.Equal(t, 2, res.Output["iterations"])
}

func TestLoopHandler_CountKeepsZeroCounter(t *testing.T) {
	r := newTestRegistry(t)
	c := call(schema.NodeLoop, map[string]any{"loopMode": "count", "count": 3, "initialValue": -1}, nil)

	var counters []any
	for i := 0; i < 3; i++ {
		res := run(t, r, c)
		require.True(t, res.Success)
		require.Contains(t, res.Output, "counter")
		counters = append(counters, res.Output["counter"])
		assert.Equal(t, res.Output["counter"], res.Output["item"])
		st, ok := LoopStateFromOutput(res.Output)
		require.True(t, ok)
		c.LoopState = st
	}
	assert.Equal(t, []any{-1.0, 0.0, 1.0}, counters)
}

func TestLoopHandler_UnencodableStateFails(t *testing.T) {
	r := newTestRegistry(t)
	c := call(schema.NodeLoop, map[string]any{"loopMode": "items"}, nil)
	c.LoopState = &schema.LoopState{
		Mode:       schema.LoopModeItems,
		Items:      []any{math.NaN(), 1.0},
		BatchSize:  1,
		TotalItems: 2,
	}

	res := run(t, r, c)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeHandler, res.ErrorCode)
	assert.NotContains(t, res.Output, LoopStateKey)
}

func TestLoopHandler_CountCap(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, call(schema.NodeLoop, map[string]any{"loopMode": "count", "count": 501}, nil))
	assert.False(t, res.Success)
	assert.True(t, res.IsConfigurationError())
	assert.Nil(t, res.Loop)
}

func TestWaitForTime(t *testing.T) {
	r := newTestRegistry(t)

	res := run(t, r, call(schema.NodeWaitForTime, map[string]any{"duration": "90s"}, nil))
	require.NotNil(t, res.Suspend)
	assert.Equal(t, schema.WaitKindTime, res.Suspend.Kind)
	assert.Equal(t, testNow.Add(90*time.Second), *res.Suspend.ResumeAt)
	assert.Equal(t, "wf:n1:run", res.Suspend.ResumeKey)

	res = run(t, r, call(schema.NodeWaitForTime, map[string]any{"amount": 2, "unit": "days"}, nil))
	assert.Equal(t, testNow.Add(48*time.Hour), *res.Suspend.ResumeAt)

	res = run(t, r, call(schema.NodeWaitForTime, map[string]any{"until": "2020-01-01T00:00:00Z"}, map[string]any{"x": 1}))
	assert.Nil(t, res.Suspend, "past deadlines do not suspend")
	assert.Equal(t, false, res.Output["waited"])
	assert.Equal(t, 1, res.Output["x"])

	res = run(t, r, call(schema.NodeWaitForTime, map[string]any{}, nil))
	assert.True(t, res.IsConfigurationError())

	res = run(t, r, call(schema.NodeWaitForTime, map[string]any{"amount": 1, "unit": "fortnight"}, nil))
	assert.True(t, res.IsConfigurationError())
}

func TestWaitForEvent(t *testing.T) {
	r := newTestRegistry(t)

	res := run(t, r, call(schema.NodeWaitForEvent, map[string]any{"timeout": "1h"}, nil))
	require.NotNil(t, res.Suspend)
	assert.Equal(t, schema.WaitKindEvent, res.Suspend.Kind)
	assert.Equal(t, "wf:n1:run", res.Suspend.ResumeKey)
	assert.Equal(t, testNow.Add(time.Hour), *res.Suspend.ResumeAt)

	res = run(t, r, call(schema.NodeWaitForEvent, map[string]any{"eventKey": "order-42"}, nil))
	assert.Equal(t, "order-42", res.Suspend.ResumeKey)
	assert.Nil(t, res.Suspend.ResumeAt)
}

func TestHumanApproval_Suspends(t *testing.T) {
	r := newTestRegistry(t)

	res := run(t, r, call(schema.NodeHumanApproval, map[string]any{"description": "approve refund", "assignee": "ops"}, map[string]any{"amount": 10}))
	require.NotNil(t, res.Suspend)
	assert.Equal(t, schema.WaitKindApproval, res.Suspend.Kind)
	assert.Equal(t, "approve refund", res.Suspend.Description)
	assert.Equal(t, "ops", res.Suspend.Details["assignee"])
	assert.Equal(t, map[string]any{"amount": 10}, res.Suspend.Details["data"])
}

func noEdges(string) bool { return false }

func TestResolveWait_Approval(t *testing.T) {
	input := map[string]any{"amount": 10.0, "note": "x"}

	_, err := ResolveWait(schema.WaitKindApproval, schema.Signal{}, input, false, noEdges)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	out, err := ResolveWait(schema.WaitKindApproval, schema.Signal{Decision: schema.DecisionApprove, Actor: "ann"}, input, false, noEdges)
	require.NoError(t, err)
	assert.Equal(t, true, out.Output["approved"])
	assert.Equal(t, "ann", out.Output["actor"])
	assert.Nil(t, out.Labels)

	out, err = ResolveWait(schema.WaitKindApproval, schema.Signal{
		Decision: schema.DecisionEdit,
		Edits:    map[string]any{"amount": 25.0},
	}, input, false, noEdges)
	require.NoError(t, err)
	assert.Equal(t, 25.0, out.Output["amount"])
	assert.Equal(t, "x", out.Output["note"])
	assert.Equal(t, 25.0, out.Output["data"].(map[string]any)["amount"])
	assert.Equal(t, 10.0, input["amount"], "input is not mutated")

	out, err = ResolveWait(schema.WaitKindApproval, schema.Signal{Decision: schema.DecisionReject, Actor: "bo", Comment: "too much"}, input, false, noEdges)
	require.NoError(t, err)
	assert.True(t, out.Stop)
	assert.Equal(t, "rejected by bo: too much", out.Message)

	out, err = ResolveWait(schema.WaitKindApproval, schema.Signal{Decision: schema.DecisionReject}, input, false,
		func(l string) bool { return l == schema.LabelRejected })
	require.NoError(t, err)
	assert.False(t, out.Stop)
	assert.Equal(t, []string{schema.LabelRejected}, out.Labels)

	out, err = ResolveWait(schema.WaitKindApproval, schema.Signal{}, input, true, noEdges)
	require.NoError(t, err)
	assert.True(t, out.Stop)
}

func TestResolveWait_EventAndTime(t *testing.T) {
	input := map[string]any{"order": 1.0, "timedOut": true}

	out, err := ResolveWait(schema.WaitKindEvent, schema.Signal{Payload: map[string]any{"paid": true}}, input, false, noEdges)
	require.NoError(t, err)
	assert.Equal(t, true, out.Output["paid"])
	assert.Equal(t, 1.0, out.Output["order"])
	assert.Equal(t, false, out.Output["timedOut"])
	assert.Equal(t, map[string]any{"paid": true}, out.Output["event"])

	out, err = ResolveWait(schema.WaitKindEvent, schema.Signal{}, input, true,
		func(l string) bool { return l == schema.LabelTimeout })
	require.NoError(t, err)
	assert.Equal(t, []string{schema.LabelTimeout}, out.Labels)

	out, err = ResolveWait(schema.WaitKindTime, schema.Signal{}, input, false, noEdges)
	require.NoError(t, err)
	assert.Equal(t, true, out.Output["waited"])

	_, err = ResolveWait("bogus", schema.Signal{}, input, false, noEdges)
	assert.Error(t, err)
}
