package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubBuiltins() map[schema.NodeType]NodeHandler {
	out := make(map[schema.NodeType]NodeHandler)
	for _, t := range schema.BuiltinNodeTypes {
		kind := t
		out[t] = HandlerFunc(func(_ context.Context, call *Call) ActionResult {
			return Success(map[string]any{"kind": string(kind), "input": call.Input})
		})
	}
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(stubBuiltins(), nil)
	require.NoError(t, err)
	return r
}

func TestNewRegistry_RequiresEveryBuiltin(t *testing.T) {
	b := stubBuiltins()
	delete(b, schema.NodeLoop)

	_, err := NewRegistry(b, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	b = stubBuiltins()
	b["gmail_send"] = b[schema.NodeFilter]
	_, err = NewRegistry(b, nil)
	require.Error(t, err)
}

func TestDispatch_Builtin(t *testing.T) {
	r := newTestRegistry(t)

	res, err := r.Dispatch(context.Background(), "filter", nil, "u1", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "filter", res.Output["kind"])
}

func TestDispatch_UnknownTypeIsConfigurationError(t *testing.T) {
	r := newTestRegistry(t)

	assert.NotPanics(t, func() {
		_, err := r.Dispatch(context.Background(), "does_not_exist", nil, "u1", nil)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
	})
}

func TestDispatch_PositionalConvention(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterPositional("echo", func(_ context.Context, config map[string]any, userID string, input map[string]any) (ActionResult, error) {
		return Success(map[string]any{"config": config["k"], "user": userID, "in": input["x"]}), nil
	}))

	res, err := r.Dispatch(context.Background(), "echo", map[string]any{"k": "v"}, "u7", map[string]any{"x": 2})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"config": "v", "user": "u7", "in": 2}, res.Output)
}

func TestDispatch_RecordConvention(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterRecord("rec", func(_ context.Context, args HandlerArgs) (ActionResult, error) {
		return ActionResult{}, errors.New("provider returned 503")
	}))

	res, err := r.Dispatch(context.Background(), "rec", nil, "u1", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "provider returned 503", res.Error)
	assert.Equal(t, schema.ErrCodeHandler, res.ErrorCode)
	assert.NotNil(t, res.Output)
}

func TestDispatch_ContextConvention(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterContext("ctx", func(_ context.Context, config map[string]any, ec *ExecutionContext) (ActionResult, error) {
		return Success(map[string]any{
			"email":    ec.DataFlow.ResolveVariable("{{trigger.email}}"),
			"bare":     ec.DataFlow.ResolveVariable("trigger.email"),
			"missing":  ec.DataFlow.ResolveVariable("{{nope.x}}"),
			"workflow": ec.WorkflowID,
			"node":     ec.NodeID,
		}), nil
	}))

	call := &Call{
		Node:       schema.Node{ID: "n1", Type: "ctx"},
		Data:       expressions.NewContext("start", map[string]any{"email": "a@b.com"}),
		WorkflowID: "wf-1",
	}
	res, err := r.DispatchCall(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", res.Output["email"])
	assert.Equal(t, "a@b.com", res.Output["bare"])
	assert.Nil(t, res.Output["missing"])
	assert.Equal(t, "wf-1", res.Output["workflow"])
	assert.Equal(t, "n1", res.Output["node"])
}

func TestDispatch_PanicBecomesFailure(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterPositional("boom", func(context.Context, map[string]any, string, map[string]any) (ActionResult, error) {
		panic("nil map write")
	}))

	var res ActionResult
	assert.NotPanics(t, func() {
		var err error
		res, err = r.Dispatch(context.Background(), "boom", nil, "", nil)
		require.NoError(t, err)
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "nil map write")
}

func TestDispatch_FailureWithoutMessage(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterPositional("quiet", func(context.Context, map[string]any, string, map[string]any) (ActionResult, error) {
		return ActionResult{Success: false, Message: "rate limited"}, nil
	}))

	res, err := r.Dispatch(context.Background(), "quiet", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "rate limited", res.Error)
}

func TestDispatch_ConfigurationErrorFromHandler(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterPositional("strict", func(context.Context, map[string]any, string, map[string]any) (ActionResult, error) {
		return ActionResult{}, schema.NewError(schema.ErrCodeConfiguration, "missing required field \"to\"")
	}))

	res, err := r.Dispatch(context.Background(), "strict", nil, "", nil)
	require.NoError(t, err)
	assert.True(t, res.IsConfigurationError())
}

func TestRegister_Rules(t *testing.T) {
	r := newTestRegistry(t)
	h := HandlerFunc(func(context.Context, *Call) ActionResult { return Success(nil) })

	assert.Error(t, r.Register("", h))
	assert.Error(t, r.Register("x", nil))
	assert.Error(t, r.Register("loop", h), "built-in names are reserved")
	require.NoError(t, r.Register("x", h))
	assert.Error(t, r.Register("x", h), "duplicate")

	r.Freeze()
	err := r.Register("y", h)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assert.False(t, r.Has("y"))
	assert.True(t, r.Has("x"))
	assert.True(t, r.Has("wait_for_event"))
}

func TestRegisterProvider(t *testing.T) {
	r := newTestRegistry(t)
	h := HandlerFunc(func(context.Context, *Call) ActionResult { return Success(nil) })

	n, err := r.RegisterProvider("gmail", map[string]NodeHandler{"send": h, "search": h})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, r.Has("gmail.send"))

	_, err = r.RegisterProvider("", nil)
	assert.Error(t, err)

	infos := r.List()
	assert.Len(t, infos, len(schema.BuiltinNodeTypes)+2)
	for i := 1; i < len(infos); i++ {
		assert.Less(t, infos[i-1].Type, infos[i].Type)
	}
}
