package expressions

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Segment is one step of a Path: a field name or an array index.
type Segment struct {
	Field string
	Index int
	IsIdx bool
}

func (s Segment) String() string {
	if s.IsIdx {
		return fmt.Sprintf("[%d]", s.Index)
	}
	return s.Field
}

// Path is a parsed variable reference such as trigger.user.emails[0].
type Path []Segment

func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if !s.IsIdx && i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.String())
	}
	return b.String()
}

// ParsePath parses a dotted reference. Bracketed indexes (items[2]) and
// numeric dotted segments (items.2) are both accepted; the latter is kept as a
// field and matched against arrays at lookup time.
func ParsePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty path")
	}

	var out Path
	for _, part := range strings.Split(raw, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty segment in %q", raw)
		}
		name := part
		var idxs []int
		if open := strings.IndexByte(part, '['); open >= 0 {
			name = part[:open]
			rest := part[open:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, fmt.Errorf("unexpected %q in %q", rest, raw)
				}
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					return nil, fmt.Errorf("unclosed index in %q", raw)
				}
				n, err := strconv.Atoi(strings.TrimSpace(rest[1:end]))
				if err != nil || n < 0 {
					return nil, fmt.Errorf("invalid index %q in %q", rest[1:end], raw)
				}
				idxs = append(idxs, n)
				rest = rest[end+1:]
			}
		}
		if name != "" {
			out = append(out, Segment{Field: name})
		} else if len(out) == 0 && len(idxs) == 0 {
			return nil, fmt.Errorf("empty segment in %q", raw)
		}
		for _, n := range idxs {
			out = append(out, Segment{Index: n, IsIdx: true})
		}
	}
	return out, nil
}

// Lookup walks root along p. A missing segment yields (nil, false).
func (p Path) Lookup(root any) (any, bool) {
	cur := root
	for _, seg := range p {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, seg Segment) (any, bool) {
	switch v := cur.(type) {
	case nil:
		return nil, false
	case map[string]any:
		if seg.IsIdx {
			val, ok := v[strconv.Itoa(seg.Index)]
			return val, ok
		}
		val, ok := v[seg.Field]
		return val, ok
	case Context:
		return step(map[string]any(v), seg)
	case []any:
		idx, ok := indexOf(seg)
		if !ok || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		key := seg.Field
		if seg.IsIdx {
			key = strconv.Itoa(seg.Index)
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, ok := indexOf(seg)
		if !ok || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	}
	return nil, false
}

func indexOf(seg Segment) (int, bool) {
	if seg.IsIdx {
		return seg.Index, true
	}
	n, err := strconv.Atoi(seg.Field)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
