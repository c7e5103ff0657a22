package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// stack is one "process": the wired app and its HTTP handler over a
// libSQL file shared between restarts.
type stack struct {
	app *app
	h   http.Handler
}

func e2eConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chainflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: error
db_path: `+filepath.Join(dir, "data", "chainflow.db")+`
vault_key: correct horse battery staple
mcp_http: false
oauth:
  github:
    client_id: abc
    client_secret: shh
    auth_url: https://github.example/authorize
    token_url: https://github.example/token
`), 0o600))
	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	return cfg
}

func startStack(t *testing.T, ctx context.Context, cfg Config) *stack {
	t.Helper()
	a, err := buildApp(ctx, cfg, newLogger(io.Discard, cfg.LogLevel, true), false)
	require.NoError(t, err)
	return &stack{app: a, h: a.handler(ctx)}
}

func (s *stack) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		b, err := xjson.Marshal(body)
		require.NoError(t, err)
		buf.Write(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, xjson.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestE2E_WaitSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := e2eConfig(t)

	def := schema.WorkflowDefinition{
		Name: "order fulfilment",
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeWebhookTrigger},
			{ID: "paid", Type: schema.NodeWaitForEvent, Config: map[string]any{"eventKey": "order-{{trigger.orderId}}"}},
			{ID: "total", Type: "core.transform_expr", Config: map[string]any{
				"expression": "qty * price",
				"vars":       map[string]any{"qty": "{{trigger.qty}}", "price": "{{paid.price}}"},
			}},
			{ID: "receipt", Type: "core.hash", Config: map[string]any{"data": "order-{{trigger.orderId}}"}},
		},
		Edges: []schema.Edge{
			{Source: "start", Target: "paid"},
			{Source: "paid", Target: "total"},
			{Source: "total", Target: "receipt"},
		},
	}

	first := startStack(t, ctx, cfg)
	code, body := first.do(t, http.MethodPost, "/api/v1/workflows", def)
	require.Equal(t, http.StatusCreated, code, body)
	wfID := body["data"].(map[string]any)["id"].(string)

	code, body = first.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/execute?wait=true",
		map[string]any{"input": map[string]any{"orderId": "42", "qty": 3}})
	require.Equal(t, http.StatusOK, code, body)
	res := body["data"].(map[string]any)
	require.Equal(t, string(schema.RunStatusWaiting), res["status"])
	runID := res["run_id"].(string)

	code, body = first.do(t, http.MethodGet, "/api/v1/credentials", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, []any{"github"}, body["data"].(map[string]any)["providers"])
	first.app.close()

	second := startStack(t, ctx, cfg)
	defer second.app.close()

	code, body = second.do(t, http.MethodPost, "/api/v1/events/order-42", map[string]any{"price": 5})
	require.Equal(t, http.StatusOK, code, body)
	res = body["data"].(map[string]any)
	assert.Equal(t, runID, res["run_id"])
	assert.Equal(t, string(schema.RunStatusSucceeded), res["status"])

	code, body = second.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, code, body)
	report := body["data"].(map[string]any)
	records := report["records"].([]any)
	byNode := map[string]map[string]any{}
	for _, r := range records {
		rec := r.(map[string]any)
		byNode[rec["node_id"].(string)] = rec
	}
	assert.EqualValues(t, 15, byNode["total"]["output"].(map[string]any)["result"])
	assert.NotEmpty(t, byNode["receipt"]["output"].(map[string]any)["hash"])
}
