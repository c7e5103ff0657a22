package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// handleListRuns lists runs, newest first.
// (GET /api/v1/runs)
func (s *Server) handleListRuns(c echo.Context) error {
	filter := store.RunFilter{
		WorkflowID: c.QueryParam("workflow_id"),
		Limit:      page(c).Limit,
	}
	if st := schema.RunStatus(c.QueryParam("status")); st != "" {
		filter.Status = &st
	}
	runs, err := s.deps.Store.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return c.JSON(http.StatusOK, envelope{Data: runs})
}

// handleGetRun returns a run with its node records and waits.
// (GET /api/v1/runs/:id)
func (s *Server) handleGetRun(c echo.Context) error {
	report, err := s.deps.Runner.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: report})
}

// handleResume delivers a signal to a waiting run.
// (POST /api/v1/runs/:id/resume)
func (s *Server) handleResume(c echo.Context) error {
	var sig schema.Signal
	if err := readJSON(c, &sig); err != nil {
		return err
	}
	if sig.Actor == "" {
		sig.Actor = userID(c)
	}
	res, err := s.deps.Runner.Resume(context.WithoutCancel(c.Request().Context()), c.Param("id"), sig)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: res})
}

// handleCancel stops a run.
// (POST /api/v1/runs/:id/cancel)
func (s *Server) handleCancel(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := readJSON(c, &body); err != nil {
		return err
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}
	if err := s.deps.Runner.Cancel(ctx, runID, body.Reason); err != nil {
		return httpError(err)
	}
	run, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: map[string]any{
		"run_id": run.ID,
		"status": run.Status,
		"error":  run.Error,
	}})
}

// handleEvent resumes the run waiting on a resume key. The body is the
// event payload; for approvals it carries decision, comment and edits.
// (POST /api/v1/events/:key)
func (s *Server) handleEvent(c echo.Context) error {
	var payload map[string]any
	if err := readJSON(c, &payload); err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["actor"]; !ok && userID(c) != "" {
		payload["actor"] = userID(c)
	}
	res, err := s.deps.Runner.ResumeByKey(context.WithoutCancel(c.Request().Context()), c.Param("key"), payload)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: res})
}

// handleRunEvents streams the events of one run as Server-Sent Events
// until the run reaches a terminal status or the client goes away.
// (GET /api/v1/runs/:id/events)
func (s *Server) handleRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := s.deps.Store.GetRun(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}

	events, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.Filter{RunID: run.ID})
	if err != nil {
		return httpError(err)
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The run may have finished before the subscription existed.
	if run.Status.IsTerminal() {
		return writeEvent(w, streaming.RunEvent{
			Type:       streaming.EventRunStatus,
			RunID:      run.ID,
			WorkflowID: run.WorkflowID,
			Status:     string(run.Status),
			At:         s.now(),
		})
	}
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, ev); err != nil {
				return nil
			}
			if ev.Type == streaming.EventRunStatus && schema.RunStatus(ev.Status).IsTerminal() {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, ev streaming.RunEvent) error {
	data, err := xjson.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
