package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/internal/store"
)

// (GET /api/v1/schedules)
func (s *Server) handleListSchedules(c echo.Context) error {
	filter := store.ScheduleFilter{
		WorkflowID: c.QueryParam("workflow_id"),
		Limit:      page(c).Limit,
	}
	if raw := c.QueryParam("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest("enabled must be a boolean")
		}
		filter.Enabled = &enabled
	}
	schedules, err := s.deps.Store.ListSchedules(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	if schedules == nil {
		schedules = []*store.Schedule{}
	}
	return c.JSON(http.StatusOK, envelope{Data: schedules})
}

// handleCreateSchedule registers a cron schedule for a schedule_trigger
// workflow. Schedules are enabled unless the body says otherwise.
// (POST /api/v1/schedules)
func (s *Server) handleCreateSchedule(c echo.Context) error {
	var body struct {
		WorkflowID     string         `json:"workflow_id"`
		CronExpression string         `json:"cron_expression"`
		Payload        map[string]any `json:"payload"`
		Enabled        *bool          `json:"enabled"`
	}
	if err := readJSON(c, &body); err != nil {
		return err
	}
	sch := &store.Schedule{
		WorkflowID:     body.WorkflowID,
		UserID:         userID(c),
		CronExpression: body.CronExpression,
		Payload:        body.Payload,
		Enabled:        body.Enabled == nil || *body.Enabled,
	}
	if err := s.deps.Scheduler.Create(c.Request().Context(), sch); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, envelope{Data: sch})
}

// (PATCH /api/v1/schedules/:id)
func (s *Server) handleUpdateSchedule(c echo.Context) error {
	ctx := c.Request().Context()
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := readJSON(c, &body); err != nil {
		return err
	}
	if body.Enabled == nil {
		return badRequest("enabled is required")
	}
	id := c.Param("id")
	if err := s.deps.Store.UpdateSchedule(ctx, id, store.ScheduleUpdate{Enabled: body.Enabled}); err != nil {
		return httpError(err)
	}
	sch, err := s.deps.Store.GetSchedule(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: sch})
}

// (DELETE /api/v1/schedules/:id)
func (s *Server) handleDeleteSchedule(c echo.Context) error {
	if err := s.deps.Store.DeleteSchedule(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
