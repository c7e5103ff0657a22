package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// executionRef is returned when a run is submitted without waiting.
type executionRef struct {
	ExecutionID string           `json:"execution_id"`
	Status      schema.RunStatus `json:"status"`
}

// handleValidate validates a definition without saving it.
// (POST /api/v1/validate)
func (s *Server) handleValidate(c echo.Context) error {
	var def schema.WorkflowDefinition
	if err := readJSON(c, &def); err != nil {
		return err
	}
	res := s.deps.Validator.Validate(&def)
	return c.JSON(http.StatusOK, envelope{Data: map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	}})
}

// handleListWorkflows lists saved workflows.
// (GET /api/v1/workflows)
func (s *Server) handleListWorkflows(c echo.Context) error {
	p := page(c)
	wfs, err := s.deps.Store.ListWorkflows(c.Request().Context(), store.WorkflowFilter{
		UserID: c.QueryParam("user_id"),
		Limit:  p.Limit,
		Offset: (p.Page - 1) * p.Limit,
	})
	if err != nil {
		return httpError(err)
	}
	if wfs == nil {
		wfs = []*store.Workflow{}
	}
	p.Count = len(wfs)
	return c.JSON(http.StatusOK, envelope{Data: wfs, Pagination: &p})
}

// handleCreateWorkflow validates and saves a new workflow.
// (POST /api/v1/workflows)
func (s *Server) handleCreateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	var def schema.WorkflowDefinition
	if err := readJSON(c, &def); err != nil {
		return err
	}
	if def.ID != "" {
		if _, err := s.deps.Store.GetWorkflow(ctx, def.ID); err == nil {
			return httpError(schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", def.ID))
		} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return httpError(err)
		}
	}
	warnings, err := s.validate(&def)
	if err != nil {
		return httpError(err)
	}

	wf := &store.Workflow{Definition: def, UserID: userID(c)}
	if err := s.deps.Store.SaveWorkflow(ctx, wf); err != nil {
		return httpError(err)
	}
	s.logger.InfoContext(ctx, "workflow created", "workflow_id", wf.ID, "revision_id", wf.RevisionID)
	return c.JSON(http.StatusCreated, envelope{Data: wf, Warnings: warnings})
}

// handleUpdateWorkflow replaces the definition of a saved workflow.
// (PUT /api/v1/workflows/:id)
func (s *Server) handleUpdateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	existing, err := s.deps.Store.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	var def schema.WorkflowDefinition
	if err := readJSON(c, &def); err != nil {
		return err
	}
	def.ID = existing.ID
	warnings, err := s.validate(&def)
	if err != nil {
		return httpError(err)
	}

	wf := &store.Workflow{
		ID:         existing.ID,
		UserID:     existing.UserID,
		Definition: def,
		CreatedAt:  existing.CreatedAt,
	}
	if err := s.deps.Store.SaveWorkflow(ctx, wf); err != nil {
		return httpError(err)
	}
	s.logger.InfoContext(ctx, "workflow updated", "workflow_id", wf.ID, "revision_id", wf.RevisionID)
	return c.JSON(http.StatusOK, envelope{Data: wf, Warnings: warnings})
}

// (GET /api/v1/workflows/:id)
func (s *Server) handleGetWorkflow(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: wf})
}

// (DELETE /api/v1/workflows/:id)
func (s *Server) handleDeleteWorkflow(c echo.Context) error {
	if err := s.deps.Store.DeleteWorkflow(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleExecute starts a run of a saved workflow. With ?wait=true the run
// is driven inline and its result returned; otherwise it is queued.
// (POST /api/v1/workflows/:id/execute)
func (s *Server) handleExecute(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	var body struct {
		Input  map[string]any `json:"input"`
		UserID string         `json:"user_id"`
	}
	if err := readJSON(c, &body); err != nil {
		return err
	}
	user := userID(c)
	if user == "" {
		user = body.UserID
	}
	return s.start(c, wf, body.Input, user)
}

// handleWebhook starts a run of a webhook_trigger workflow with the request
// body as trigger payload.
// (POST /api/v1/hooks/:id)
func (s *Server) handleWebhook(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if !hasNodeType(wf.Definition, schema.NodeWebhookTrigger) {
		return httpError(schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q has no %s node", wf.ID, schema.NodeWebhookTrigger))
	}
	var payload map[string]any
	if err := readJSON(c, &payload); err != nil {
		return err
	}
	return s.start(c, wf, payload, userID(c))
}

func (s *Server) start(c echo.Context, wf *store.Workflow, payload map[string]any, user string) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if err := s.deps.Validator.ValidatePayload(&wf.Definition, payload); err != nil {
		return httpError(err)
	}
	// A run outlives the request that started it.
	ctx := context.WithoutCancel(c.Request().Context())
	req := engine.StartRequest{UserID: user, Payload: payload}

	if wantsWait(c) {
		res, err := s.deps.Runner.Start(ctx, wf.Definition, req)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, envelope{Data: res})
	}
	runID, err := s.deps.Runner.Submit(ctx, wf.Definition, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, envelope{Data: executionRef{ExecutionID: runID, Status: schema.RunStatusPending}})
}

// validate returns the warnings of a valid definition, or the validation
// failure as an error.
func (s *Server) validate(def *schema.WorkflowDefinition) ([]schema.ValidationIssue, error) {
	res := s.deps.Validator.Validate(def)
	if err := res.ToError(); err != nil {
		return nil, err
	}
	return res.Warnings, nil
}

func hasNodeType(def schema.WorkflowDefinition, t schema.NodeType) bool {
	for _, n := range def.Nodes {
		if n.Type == t {
			return true
		}
	}
	return false
}
