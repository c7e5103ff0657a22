package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/internal/analytics"
)

const defaultUsageWindow = 30 * 24 * time.Hour

// parseDate accepts RFC 3339 or a bare YYYY-MM-DD. A bare end date covers
// that whole day.
func parseDate(raw string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// handleUsage reports run counts per period. The window defaults to the
// last 30 days at daily granularity.
// (GET /api/v1/analytics/usage)
func (s *Server) handleUsage(c echo.Context) error {
	g, err := analytics.ParseGranularity(c.QueryParam("granularity"))
	if err != nil {
		return httpError(err)
	}
	q := analytics.Query{
		Granularity: g,
		UserID:      userID(c),
		WorkflowID:  c.QueryParam("workflow_id"),
		End:         s.now(),
	}
	if raw := c.QueryParam("end_date"); raw != "" {
		if q.End, err = parseDate(raw, true); err != nil {
			return badRequest("end_date must be YYYY-MM-DD or RFC 3339")
		}
	}
	q.Start = q.End.Add(-defaultUsageWindow)
	if raw := c.QueryParam("start_date"); raw != "" {
		if q.Start, err = parseDate(raw, false); err != nil {
			return badRequest("start_date must be YYYY-MM-DD or RFC 3339")
		}
	}
	report, err := analytics.Usage(c.Request().Context(), s.deps.Store, q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelope{Data: report})
}
