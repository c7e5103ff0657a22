package api

import (
	"io"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// envelope wraps every successful response body.
type envelope struct {
	Data       any                      `json:"data"`
	Pagination *pagination              `json:"pagination,omitempty"`
	Warnings   []schema.ValidationIssue `json:"warnings,omitempty"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
}

// readJSON decodes the request body into v whatever the content type. An
// empty body leaves v untouched.
func readJSON(c echo.Context, v any) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badRequest("read body: " + err.Error())
	}
	if len(body) == 0 {
		return nil
	}
	if err := xjson.Unmarshal(body, v); err != nil {
		return badRequest("invalid JSON: " + err.Error())
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(c echo.Context, key string, def int) int {
	v := c.QueryParam(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func page(c echo.Context) (p pagination) {
	p.Page = max(queryInt(c, "page", 1), 1)
	p.Limit = queryInt(c, "limit", defaultPageSize)
	if p.Limit <= 0 || p.Limit > maxPageSize {
		p.Limit = defaultPageSize
	}
	return p
}

func wantsWait(c echo.Context) bool {
	b, _ := strconv.ParseBool(c.QueryParam("wait"))
	return b
}
