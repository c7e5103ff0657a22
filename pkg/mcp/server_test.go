package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/conditions"
	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/flow"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

type harness struct {
	srv   *Server
	store *store.MemoryStore
	hub   *streaming.MemoryHub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	ev := conditions.NewEvaluator(expressions.NewResolver(), cel, nil)
	reg, err := dispatch.NewRegistry(flow.Builtins(ev, nil), nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register("crm.create_contact", dispatch.HandlerFunc(func(_ context.Context, c *dispatch.Call) dispatch.ActionResult {
		return dispatch.Success(map[string]any{"contactId": "c-1", "email": c.Config["email"]})
	})))
	reg.Freeze()

	st := store.NewMemoryStore()
	hub := streaming.NewMemoryHub()
	eng := engine.New(st, reg, engine.Config{Events: hub})
	t.Cleanup(eng.Shutdown)
	wv, err := validation.NewWorkflowValidator(reg)
	require.NoError(t, err)

	return &harness{
		srv:   NewServer(ServerDeps{Runner: eng, Validator: wv, Store: st, Hub: hub, Version: "test"}),
		store: st,
		hub:   hub,
	}
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "expected text content")
	return tc.Text
}

func resultMap(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	var out map[string]any
	require.NoError(t, xjson.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func contactFlow() map[string]any {
	return map[string]any{
		"name": "contacts",
		"nodes": []any{
			map[string]any{"id": "start", "type": "trigger"},
			map[string]any{"id": "crm", "type": "crm.create_contact", "config": map[string]any{"email": "{{start.email}}"}},
		},
		"edges": []any{map[string]any{"source": "start", "target": "crm"}},
	}
}

func waitFlow() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "trigger"},
			map[string]any{"id": "paid", "type": "wait_for_event", "config": map[string]any{"eventKey": "order-{{trigger.orderId}}"}},
			map[string]any{"id": "crm", "type": "crm.create_contact", "config": map[string]any{"email": "{{paid.email}}"}},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "paid"},
			map[string]any{"source": "paid", "target": "crm"},
		},
	}
}

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 7)

	for _, name := range []string{
		"chainflow.define",
		"chainflow.run",
		"chainflow.status",
		"chainflow.resume",
		"chainflow.cancel",
		"chainflow.query",
		"chainflow.diagram",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName string
		required []string
	}{
		{"chainflow.define", []string{"definition"}},
		{"chainflow.run", nil},
		{"chainflow.status", []string{"run_id"}},
		{"chainflow.resume", nil},
		{"chainflow.cancel", []string{"run_id"}},
		{"chainflow.query", []string{"resource"}},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.NotEmpty(t, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}

func TestHandleDefine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.srv.handleDefine(ctx, callRequest("chainflow.define", map[string]any{
		"definition": contactFlow(),
		"dry_run":    true,
	}))
	require.NoError(t, err)
	out := resultMap(t, res)
	assert.Equal(t, true, out["valid"])
	wfs, _ := h.store.ListWorkflows(ctx, store.WorkflowFilter{})
	assert.Empty(t, wfs, "dry run must not save")

	res, err = h.srv.handleDefine(ctx, callRequest("chainflow.define", map[string]any{
		"definition": contactFlow(),
		"user_id":    "agent-1",
	}))
	require.NoError(t, err)
	wf := resultMap(t, res)["workflow"].(map[string]any)
	assert.NotEmpty(t, wf["id"])
	assert.Equal(t, "agent-1", wf["user_id"])

	bad := contactFlow()
	bad["nodes"].([]any)[1].(map[string]any)["type"] = "slack.post"
	res, err = h.srv.handleDefine(ctx, callRequest("chainflow.define", map[string]any{"definition": bad}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "slack.post")

	res, err = h.srv.handleDefine(ctx, callRequest("chainflow.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleRun_SavedAndInline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.srv.handleDefine(ctx, callRequest("chainflow.define", map[string]any{"definition": contactFlow()}))
	require.NoError(t, err)
	id := resultMap(t, res)["workflow"].(map[string]any)["id"].(string)

	res, err = h.srv.handleRun(ctx, callRequest("chainflow.run", map[string]any{
		"workflow_id": id,
		"payload":     map[string]any{"email": "ada@example.com"},
	}))
	require.NoError(t, err)
	out := resultMap(t, res)
	assert.Equal(t, string(schema.RunStatusSucceeded), out["status"])
	assert.Equal(t, "ada@example.com", out["output"].(map[string]any)["email"])

	res, err = h.srv.handleRun(ctx, callRequest("chainflow.run", map[string]any{
		"definition": contactFlow(),
		"payload":    map[string]any{"email": "inline@example.com"},
	}))
	require.NoError(t, err)
	assert.Equal(t, string(schema.RunStatusSucceeded), resultMap(t, res)["status"])

	res, err = h.srv.handleRun(ctx, callRequest("chainflow.run", map[string]any{"workflow_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), schema.ErrCodeNotFound)

	res, err = h.srv.handleRun(ctx, callRequest("chainflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleRun_Async(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.srv.handleRun(ctx, callRequest("chainflow.run", map[string]any{
		"definition": contactFlow(),
		"payload":    map[string]any{"email": "later@example.com"},
		"wait":       false,
	}))
	require.NoError(t, err)
	out := resultMap(t, res)
	assert.Equal(t, string(schema.RunStatusPending), out["status"])
	runID := out["run_id"].(string)

	assert.Eventually(t, func() bool {
		res, err := h.srv.handleStatus(ctx, callRequest("chainflow.status", map[string]any{"run_id": runID}))
		if err != nil || res.IsError {
			return false
		}
		var report engine.RunReport
		if xjson.Unmarshal([]byte(resultText(t, res)), &report) != nil {
			return false
		}
		return report.Run.Status == schema.RunStatusSucceeded && len(report.Records) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleResume_ByKeyAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	start := func(order string) string {
		res, err := h.srv.handleRun(ctx, callRequest("chainflow.run", map[string]any{
			"definition": waitFlow(),
			"payload":    map[string]any{"orderId": order},
		}))
		require.NoError(t, err)
		out := resultMap(t, res)
		require.Equal(t, string(schema.RunStatusWaiting), out["status"])
		return out["run_id"].(string)
	}

	runID := start("7")
	res, err := h.srv.handleQuery(ctx, callRequest("chainflow.query", map[string]any{
		"resource": "waits",
		"filter":   map[string]any{"run_id": runID},
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(1), resultMap(t, res)["count"])

	res, err = h.srv.handleResume(ctx, callRequest("chainflow.resume", map[string]any{
		"resume_key": "order-7",
		"payload":    map[string]any{"email": "paid@example.com"},
		"actor":      "billing",
	}))
	require.NoError(t, err)
	out := resultMap(t, res)
	assert.Equal(t, runID, out["run_id"])
	assert.Equal(t, string(schema.RunStatusSucceeded), out["status"])

	res, err = h.srv.handleResume(ctx, callRequest("chainflow.resume", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	runID = start("8")
	res, err = h.srv.handleCancel(ctx, callRequest("chainflow.cancel", map[string]any{"run_id": runID, "reason": "voided"}))
	require.NoError(t, err)
	assert.Equal(t, true, resultMap(t, res)["ok"])

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusStopped, run.Status)
	assert.Equal(t, "voided", run.Error)

	res, err = h.srv.handleQuery(ctx, callRequest("chainflow.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"status": "stopped", "limit": 10},
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(1), resultMap(t, res)["count"])
}

func TestHandleResume_Approval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "trigger"},
			map[string]any{"id": "review", "type": "human_approval", "config": map[string]any{"assignee": "ops"}},
			map[string]any{"id": "crm", "type": "crm.create_contact", "config": map[string]any{"email": "{{review.email}}"}},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": "review"},
			map[string]any{"source": "review", "target": "crm"},
		},
	}
	res, err := h.srv.handleRun(ctx, callRequest("chainflow.run", map[string]any{
		"definition": def,
		"payload":    map[string]any{"email": "draft@example.com"},
	}))
	require.NoError(t, err)
	runID := resultMap(t, res)["run_id"].(string)

	res, err = h.srv.handleResume(ctx, callRequest("chainflow.resume", map[string]any{
		"run_id":   runID,
		"decision": "edit",
		"edits":    map[string]any{"email": "final@example.com"},
		"actor":    "reviewer-1",
	}))
	require.NoError(t, err)
	out := resultMap(t, res)
	assert.Equal(t, string(schema.RunStatusSucceeded), out["status"])
	assert.Equal(t, "final@example.com", out["output"].(map[string]any)["email"])
}

func TestHandleQuery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.srv.handleDefine(ctx, callRequest("chainflow.define", map[string]any{"definition": contactFlow(), "user_id": "u1"}))
	require.NoError(t, err)

	res, err := h.srv.handleQuery(ctx, callRequest("chainflow.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"user_id": "u1"},
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(1), resultMap(t, res)["count"])

	res, err = h.srv.handleQuery(ctx, callRequest("chainflow.query", map[string]any{"resource": "templates"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = h.srv.handleStatus(ctx, callRequest("chainflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleDiagram(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.srv.handleDiagram(ctx, callRequest("chainflow.diagram", map[string]any{"definition": contactFlow()}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "start --> crm")

	res, err = h.srv.handleRun(ctx, callRequest("chainflow.run", map[string]any{
		"definition": contactFlow(),
		"payload":    map[string]any{"email": "ada@example.com"},
	}))
	require.NoError(t, err)
	runID := resultMap(t, res)["run_id"].(string)

	res, err = h.srv.handleDiagram(ctx, callRequest("chainflow.diagram", map[string]any{"run_id": runID, "format": "ascii"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "[OK]")

	res, err = h.srv.handleDiagram(ctx, callRequest("chainflow.diagram", map[string]any{"run_id": runID, "format": "png"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 2)
	img, ok := res.Content[1].(mcp.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.NotEmpty(t, img.Data)

	res, err = h.srv.handleDiagram(ctx, callRequest("chainflow.diagram", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
