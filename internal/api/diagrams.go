package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// (GET /api/v1/workflows/:id/diagram?format=mermaid|ascii|png|svg)
func (s *Server) handleWorkflowDiagram(c echo.Context) error {
	wf, err := s.deps.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return renderDiagram(c, &wf.Definition, nil)
}

// handleRunDiagram renders the run's definition snapshot with the latest
// status of every node that ran.
// (GET /api/v1/runs/:id/diagram?format=mermaid|ascii|png|svg)
func (s *Server) handleRunDiagram(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := s.deps.Store.GetRun(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	records, err := s.deps.Store.ListNodeExecutions(ctx, run.ID)
	if err != nil {
		return httpError(err)
	}
	return renderDiagram(c, &run.Definition, records)
}

func renderDiagram(c echo.Context, def *schema.WorkflowDefinition, records []*store.NodeExecution) error {
	model, err := diagram.Build(def, records)
	if err != nil {
		return httpError(err)
	}
	body, contentType, err := diagram.Render(c.Request().Context(), model, c.QueryParam("format"))
	if err != nil {
		if contentType == "" {
			return badRequest(err.Error())
		}
		return httpError(err)
	}
	return c.Blob(http.StatusOK, contentType, body)
}
