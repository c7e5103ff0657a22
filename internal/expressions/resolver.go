package expressions

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/chainflow/internal/xjson"
)

var (
	exactRef    = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	embeddedRef = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
)

// Resolver substitutes {{path}} references in node config against a Context.
// Parsed paths are cached for the resolver's lifetime; resolution itself has
// no side effects, so calling Resolve repeatedly on the same input is safe.
type Resolver struct {
	mu    sync.RWMutex
	paths map[string]Path
}

// NewResolver creates a Resolver with an empty path cache.
func NewResolver() *Resolver {
	return &Resolver{paths: make(map[string]Path)}
}

// Resolve walks value recursively. A string that is exactly one reference
// resolves to the referenced value of any type (nil when missing). A string
// that mixes references and text has each reference replaced by its string
// form, with missing references rendered as "". Other values pass through.
func (r *Resolver) Resolve(value any, ctx Context) any {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.Resolve(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.Resolve(item, ctx)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = r.Interpolate(item, ctx)
		}
		return out
	default:
		return value
	}
}

// ResolveMap resolves every value of m. A nil map resolves to an empty map.
func (r *Resolver) ResolveMap(m map[string]any, ctx Context) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return r.Resolve(m, ctx).(map[string]any)
}

// Interpolate always produces a string, even for an exact reference.
func (r *Resolver) Interpolate(s string, ctx Context) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return embeddedRef.ReplaceAllStringFunc(s, func(tok string) string {
		m := embeddedRef.FindStringSubmatch(tok)
		val, ok := r.Lookup(m[1], ctx)
		if !ok {
			return ""
		}
		return Stringify(val)
	})
}

// Lookup resolves a bare path (no braces) against ctx.
func (r *Resolver) Lookup(raw string, ctx Context) (any, bool) {
	p, ok := r.parse(raw)
	if !ok {
		return nil, false
	}
	return p.Lookup(map[string]any(ctx))
}

func (r *Resolver) resolveString(s string, ctx Context) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := exactRef.FindStringSubmatch(s); m != nil {
		val, _ := r.Lookup(m[1], ctx)
		return val
	}
	return r.Interpolate(s, ctx)
}

func (r *Resolver) parse(raw string) (Path, bool) {
	r.mu.RLock()
	p, ok := r.paths[raw]
	r.mu.RUnlock()
	if ok {
		return p, p != nil
	}

	p, err := ParsePath(raw)
	if err != nil {
		p = nil
	}

	r.mu.Lock()
	r.paths[raw] = p
	r.mu.Unlock()
	return p, p != nil
}

// IsReference reports whether s is exactly one {{path}} reference.
func IsReference(s string) bool {
	return exactRef.MatchString(s)
}

// Stringify renders a resolved value for embedding in text.
// Whole floats lose their fraction, nil is "", and composites are JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case xjson.RawMessage:
		return string(v)
	default:
		b, err := xjson.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
