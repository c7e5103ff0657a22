package mcp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// handleDefine validates a definition and, unless dry_run is set, saves it.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := definitionArg(req)
	if errResult != nil {
		return errResult, nil
	}
	if def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	res := s.validator.Validate(def)
	if !res.Valid() || req.GetBool("dry_run", false) {
		out, err := marshalResult(map[string]any{
			"valid":    res.Valid(),
			"errors":   res.Errors,
			"warnings": res.Warnings,
		})
		if err == nil && !res.Valid() {
			out.IsError = true
		}
		return out, err
	}

	wf := &store.Workflow{Definition: *def, UserID: req.GetString("user_id", "")}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return errorResult("save workflow", err), nil
	}
	s.logger.InfoContext(ctx, "workflow defined", "workflow_id", wf.ID, "revision_id", wf.RevisionID)
	return marshalResult(map[string]any{
		"workflow": wf,
		"warnings": res.Warnings,
	})
}

// handleRun starts a run of a saved workflow or of an inline definition.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def *schema.WorkflowDefinition
	if id := req.GetString("workflow_id", ""); id != "" {
		wf, err := s.store.GetWorkflow(ctx, id)
		if err != nil {
			return errorResult("workflow lookup failed", err), nil
		}
		def = &wf.Definition
	} else {
		inline, errResult := definitionArg(req)
		if errResult != nil {
			return errResult, nil
		}
		if inline == nil {
			return mcp.NewToolResultError("workflow_id or definition is required"), nil
		}
		if err := s.validator.Validate(inline).ToError(); err != nil {
			return errorResult("invalid definition", err), nil
		}
		def = inline
	}

	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		payload = map[string]any{}
	}
	if err := s.validator.ValidatePayload(def, payload); err != nil {
		return errorResult("invalid payload", err), nil
	}

	// The run outlives the tool call.
	runCtx := context.WithoutCancel(ctx)
	start := engine.StartRequest{UserID: req.GetString("user_id", ""), Payload: payload}

	if !req.GetBool("wait", true) {
		runID, err := s.runner.Submit(runCtx, *def, start)
		if err != nil {
			return errorResult("submit failed", err), nil
		}
		s.captureSession(ctx, runID)
		return marshalResult(map[string]any{"run_id": runID, "status": schema.RunStatusPending})
	}

	result, err := s.runner.Start(runCtx, *def, start)
	if err != nil {
		return errorResult("run failed", err), nil
	}
	if !result.Status.IsTerminal() {
		s.captureSession(ctx, result.RunID)
	}
	return marshalResult(result)
}

// handleStatus returns a run with its node records and waits.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	report, err := s.runner.Status(ctx, runID)
	if err != nil {
		return errorResult("status query failed", err), nil
	}
	return marshalResult(report)
}

// handleResume answers a waiting node, either by run ID with a signal or
// by the resume key of a wait_for_event node.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	key := req.GetString("resume_key", "")
	payload := mcp.ParseStringMap(req, "payload", nil)
	actor := req.GetString("actor", "")
	runCtx := context.WithoutCancel(ctx)

	if runID == "" {
		if key == "" {
			return mcp.NewToolResultError("run_id or resume_key is required"), nil
		}
		if payload == nil {
			payload = map[string]any{}
		}
		if _, ok := payload["actor"]; !ok && actor != "" {
			payload["actor"] = actor
		}
		result, err := s.runner.ResumeByKey(runCtx, key, payload)
		if err != nil {
			return errorResult("resume failed", err), nil
		}
		s.track(ctx, result)
		return marshalResult(result)
	}

	sig := schema.Signal{
		Type:      schema.SignalType(req.GetString("signal_type", "")),
		NodeID:    req.GetString("node_id", ""),
		ResumeKey: key,
		Payload:   payload,
		Decision:  schema.Decision(req.GetString("decision", "")),
		Comment:   req.GetString("comment", ""),
		Edits:     mcp.ParseStringMap(req, "edits", nil),
		Actor:     actor,
	}
	if sig.Type == "" {
		sig.Type = schema.SignalEvent
		if sig.Decision != "" {
			sig.Type = schema.SignalDecision
		}
	}
	result, err := s.runner.Resume(runCtx, runID, sig)
	if err != nil {
		return errorResult("resume failed", err), nil
	}
	s.track(ctx, result)
	return marshalResult(result)
}

// handleCancel stops a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")
	if err := s.runner.Cancel(ctx, runID, reason); err != nil {
		return errorResult("cancel failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"reason": reason,
	})
}

// handleQuery lists workflows, runs or waits.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", map[string]any{})

	switch resource {
	case "workflows":
		wfs, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
			UserID: stringArg(filter, "user_id"),
			Limit:  intArg(filter, "limit", 50),
		})
		if err != nil {
			return errorResult("query workflows failed", err), nil
		}
		return marshalResult(map[string]any{"workflows": wfs, "count": len(wfs)})

	case "runs":
		rf := store.RunFilter{
			WorkflowID: stringArg(filter, "workflow_id"),
			Limit:      intArg(filter, "limit", 50),
		}
		if st := stringArg(filter, "status"); st != "" {
			status := schema.RunStatus(st)
			rf.Status = &status
		}
		runs, err := s.store.ListRuns(ctx, rf)
		if err != nil {
			return errorResult("query runs failed", err), nil
		}
		return marshalResult(map[string]any{"runs": runs, "count": len(runs)})

	case "waits":
		status := schema.WaitStatusPending
		if st := stringArg(filter, "status"); st != "" {
			status = schema.WaitStatus(st)
		}
		waits, err := s.store.ListWaits(ctx, store.WaitFilter{RunID: stringArg(filter, "run_id"), Status: &status})
		if err != nil {
			return errorResult("query waits failed", err), nil
		}
		return marshalResult(map[string]any{"waits": waits, "count": len(waits)})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q", resource)), nil
	}
}

// handleDiagram renders a run, a saved workflow or an inline definition.
// Runs carry the latest status of every node that ran.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", diagram.FormatMermaid)

	var def *schema.WorkflowDefinition
	var records []*store.NodeExecution
	switch runID, workflowID := req.GetString("run_id", ""), req.GetString("workflow_id", ""); {
	case runID != "":
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return errorResult("run lookup failed", err), nil
		}
		if records, err = s.store.ListNodeExecutions(ctx, runID); err != nil {
			return errorResult("node records lookup failed", err), nil
		}
		def = &run.Definition
	case workflowID != "":
		wf, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return errorResult("workflow lookup failed", err), nil
		}
		def = &wf.Definition
	default:
		inline, errResult := definitionArg(req)
		if errResult != nil {
			return errResult, nil
		}
		if inline == nil {
			return mcp.NewToolResultError("run_id, workflow_id or definition is required"), nil
		}
		def = inline
	}

	model, err := diagram.Build(def, records)
	if err != nil {
		return errorResult("diagram build failed", err), nil
	}
	body, contentType, err := diagram.Render(ctx, model, format)
	if err != nil {
		return errorResult("diagram render failed", err), nil
	}
	if format == string(diagram.FormatPNG) {
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(body), contentType), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// --- Helpers ---

// definitionArg decodes the "definition" argument. It returns nil when the
// argument is absent.
func definitionArg(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, nil
	}
	var def schema.WorkflowDefinition
	if err := xjson.Convert(raw, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return &def, nil
}

// track keeps a still-waiting run attached to the calling session.
func (s *Server) track(ctx context.Context, result *engine.RunResult) {
	if result != nil && !result.Status.IsTerminal() {
		s.captureSession(ctx, result.RunID)
	}
}

// captureSession maps the run to the current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// errorResult renders err as a tool error. FlowErrors carry their code in
// the message.
func errorResult(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := xjson.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArg(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intArg(m map[string]any, key string, defaultVal int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return defaultVal
}
