package expressions

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() Context {
	ctx := NewContext("start", map[string]any{
		"user":  map[string]any{"email": "a@b.com", "tags": []any{"x", "y"}},
		"count": 3.0,
	})
	ctx.Set("fetch", map[string]any{
		"rows":  []any{map[string]any{"id": 7.0}},
		"ok":    true,
		"price": 12.5,
	})
	return ctx
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("trigger.user.tags[1]")
	require.NoError(t, err)
	require.Len(t, p, 4)
	assert.Equal(t, "tags", p[2].Field)
	assert.True(t, p[3].IsIdx)
	assert.Equal(t, 1, p[3].Index)
	assert.Equal(t, "trigger.user.tags[1]", p.String())

	p, err = ParsePath("rows[0][1]")
	require.NoError(t, err)
	assert.Len(t, p, 3)

	for _, bad := range []string{"", "a..b", "a[x]", "a[1", "a.[", "a[-1]"} {
		_, err := ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolve_ExactReference(t *testing.T) {
	r := NewResolver()
	ctx := testContext()

	assert.Equal(t, "a@b.com", r.Resolve("{{trigger.user.email}}", ctx))
	assert.Equal(t, "a@b.com", r.Resolve("{{ start.user.email }}", ctx))
	assert.Equal(t, 3.0, r.Resolve("{{trigger.count}}", ctx))
	assert.Equal(t, []any{"x", "y"}, r.Resolve("{{trigger.user.tags}}", ctx))
	assert.Equal(t, 7.0, r.Resolve("{{fetch.rows[0].id}}", ctx))
	assert.Equal(t, 7.0, r.Resolve("{{fetch.rows.0.id}}", ctx))
}

func TestResolve_MissingPathIsNil(t *testing.T) {
	r := NewResolver()
	ctx := NewContext("start", map[string]any{})

	assert.NotPanics(t, func() {
		assert.Nil(t, r.Resolve("{{trigger.user.email}}", ctx))
		assert.Nil(t, r.Resolve("{{nope}}", ctx))
		assert.Nil(t, r.Resolve("{{trigger..bad}}", ctx))
	})
}

func TestResolve_Embedded(t *testing.T) {
	r := NewResolver()
	ctx := testContext()

	assert.Equal(t, "Hi a@b.com, you have 3 items", r.Resolve("Hi {{trigger.user.email}}, you have {{trigger.count}} items", ctx))
	assert.Equal(t, "price=12.5 ok=true", r.Resolve("price={{fetch.price}} ok={{fetch.ok}}", ctx))
	assert.Equal(t, "tags: [\"x\",\"y\"]", r.Resolve("tags: {{trigger.user.tags}}", ctx))
	assert.Equal(t, "missing: []", r.Resolve("missing: [{{trigger.nothing}}]", ctx))
}

func TestResolve_Recursive(t *testing.T) {
	r := NewResolver()
	ctx := testContext()

	in := map[string]any{
		"to":      "{{trigger.user.email}}",
		"retries": 2,
		"body": map[string]any{
			"ids":  []any{"{{fetch.rows[0].id}}", "static"},
			"note": "count {{trigger.count}}",
		},
		"cc": []string{"{{trigger.user.email}}"},
	}

	out := r.Resolve(in, ctx).(map[string]any)
	assert.Equal(t, "a@b.com", out["to"])
	assert.Equal(t, 2, out["retries"])
	body := out["body"].(map[string]any)
	assert.Equal(t, []any{7.0, "static"}, body["ids"])
	assert.Equal(t, "count 3", body["note"])
	assert.Equal(t, []string{"a@b.com"}, out["cc"])

	// input untouched
	assert.Equal(t, "{{trigger.user.email}}", in["to"])
}

func TestResolve_Idempotent(t *testing.T) {
	r := NewResolver()
	ctx := testContext()
	in := map[string]any{"a": "{{trigger.user.email}}", "b": "x {{fetch.price}}"}

	first := r.ResolveMap(in, ctx)
	second := r.ResolveMap(in, ctx)
	assert.Equal(t, first, second)
	assert.Equal(t, map[string]any{}, r.ResolveMap(nil, ctx))
}

func TestResolve_ConcurrentUse(t *testing.T) {
	r := NewResolver()
	ctx := testContext()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "a@b.com", r.Resolve("{{trigger.user.email}}", ctx))
		}()
	}
	wg.Wait()
}

func TestLookup_TypedCollections(t *testing.T) {
	r := NewResolver()
	ctx := Context{
		"n": map[string]any{
			"list":  []map[string]any{{"k": "v"}},
			"names": []string{"p", "q"},
			"attrs": map[string]string{"color": "red"},
		},
	}

	v, ok := r.Lookup("n.list[0].k", ctx)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	v, ok = r.Lookup("n.names.1", ctx)
	assert.True(t, ok)
	assert.Equal(t, "q", v)

	v, ok = r.Lookup("n.attrs.color", ctx)
	assert.True(t, ok)
	assert.Equal(t, "red", v)

	_, ok = r.Lookup("n.names[5]", ctx)
	assert.False(t, ok)
}

func TestContext_IsolatedCopies(t *testing.T) {
	payload := map[string]any{"user": map[string]any{"name": "a"}}
	ctx := NewContext("hook", payload)

	payload["user"].(map[string]any)["name"] = "mutated"
	assert.Equal(t, "a", ctx["trigger"].(map[string]any)["user"].(map[string]any)["name"])
	assert.Contains(t, ctx, "hook")

	ctx.Set("trigger", map[string]any{"x": 1})
	assert.NotContains(t, ctx["trigger"], "x")

	snap := ctx.Map()
	snap["hook"] = nil
	assert.NotNil(t, ctx["hook"])
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "42", Stringify(42.0))
	assert.Equal(t, "0.5", Stringify(0.5))
	assert.Equal(t, "false", Stringify(false))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
	assert.True(t, IsReference("{{a.b}}"))
	assert.False(t, IsReference("x {{a.b}}"))
}
