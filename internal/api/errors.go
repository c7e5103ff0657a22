package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps a FlowError code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected, schema.ErrCodeExpression:
		return http.StatusBadRequest
	case schema.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeCancelled:
		return http.StatusConflict
	case schema.ErrCodeCredential:
		return http.StatusUnauthorized
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// httpError converts err into an *echo.HTTPError carrying an errorBody.
func httpError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return echo.NewHTTPError(he.Code, errorBody{Error: msg}).SetInternal(err)
		}
		return he
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		status := statusFor(fe.Code)
		body := errorBody{Error: fe.Message, Code: fe.Code, Details: fe.Details}
		if status == http.StatusInternalServerError {
			body.Details = nil
		}
		return echo.NewHTTPError(status, body).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, errorBody{Error: "internal error"}).SetInternal(err)
}

func badRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, errorBody{Error: msg, Code: schema.ErrCodeValidation})
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	he := httpError(err)
	if he.Code >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "request failed",
			"method", c.Request().Method, "path", c.Path(), "error", err)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(he.Code)
	} else {
		err = c.JSON(he.Code, he.Message)
	}
	if err != nil {
		s.logger.WarnContext(c.Request().Context(), "write error response", "error", err)
	}
}
