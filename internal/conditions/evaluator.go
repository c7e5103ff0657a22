// Package conditions evaluates the field/operator/value conditions used by
// filter, path and router nodes.
package conditions

import (
	"context"
	"log/slog"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// Canonical operator names.
const (
	OpEquals       = "equals"
	OpNotEquals    = "not_equals"
	OpContains     = "contains"
	OpNotContains  = "not_contains"
	OpStartsWith   = "starts_with"
	OpEndsWith     = "ends_with"
	OpGreaterThan  = "greater_than"
	OpLessThan     = "less_than"
	OpGreaterEqual = "greater_equal"
	OpLessEqual    = "less_equal"
	OpIsEmpty      = "is_empty"
	OpIsNotEmpty   = "is_not_empty"
	OpIsTrue       = "is_true"
	OpIsFalse      = "is_false"
)

var aliases = map[string]string{
	"==": OpEquals, "eq": OpEquals, "equal": OpEquals, "is": OpEquals,
	"!=": OpNotEquals, "neq": OpNotEquals, "not_equal": OpNotEquals, "is_not": OpNotEquals,
	">": OpGreaterThan, "gt": OpGreaterThan,
	"<": OpLessThan, "lt": OpLessThan,
	">=": OpGreaterEqual, "gte": OpGreaterEqual, "greater_than_or_equal": OpGreaterEqual, "greater_or_equal": OpGreaterEqual,
	"<=": OpLessEqual, "lte": OpLessEqual, "less_than_or_equal": OpLessEqual, "less_or_equal": OpLessEqual,
	"startswith": OpStartsWith, "endswith": OpEndsWith,
	"not_contain": OpNotContains, "does_not_contain": OpNotContains,
	"empty": OpIsEmpty, "not_empty": OpIsNotEmpty, "exists": OpIsNotEmpty,
	"true": OpIsTrue, "false": OpIsFalse,
}

// KnownOperator reports whether op normalizes to a supported operator.
func KnownOperator(op string) bool {
	switch NormalizeOperator(op) {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual,
		OpIsEmpty, OpIsNotEmpty, OpIsTrue, OpIsFalse:
		return true
	}
	return false
}

// Evaluator evaluates conditions against a data map. It holds no per-call
// state and is safe for concurrent use.
type Evaluator struct {
	resolver *expressions.Resolver
	cel      *expressions.CELEngine
	logger   *slog.Logger
}

// NewEvaluator creates an Evaluator. cel may be nil, in which case paths
// carrying an expression evaluate false.
func NewEvaluator(resolver *expressions.Resolver, cel *expressions.CELEngine, logger *slog.Logger) *Evaluator {
	if resolver == nil {
		resolver = expressions.NewResolver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{resolver: resolver, cel: cel, logger: logger.With("component", "conditions")}
}

// NormalizeOperator maps an operator spelling to its canonical name.
// "notEquals", "Not Equals", "not-equals" and "!=" all become "not_equals".
func NormalizeOperator(op string) string {
	op = strings.TrimSpace(op)
	if op == strings.ToUpper(op) {
		op = strings.ToLower(op)
	}
	var b strings.Builder
	for i, r := range op {
		switch {
		case r == ' ' || r == '-':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	norm := strings.ReplaceAll(b.String(), "__", "_")
	if canon, ok := aliases[norm]; ok {
		return canon
	}
	return norm
}

// EvaluateCondition reports whether c holds against data. The result depends
// only on c and data. Unknown operators evaluate false.
func (e *Evaluator) EvaluateCondition(c schema.Condition, data map[string]any) bool {
	field := e.fieldValue(c.Field, data)
	value := c.Value
	if s, ok := value.(string); ok && c.IsVariable && expressions.IsReference(s) {
		value = e.resolver.Resolve(s, expressions.Context(data))
	}

	op := NormalizeOperator(c.Operator)
	switch op {
	case OpEquals:
		return looseEqual(field, value)
	case OpNotEquals:
		return !looseEqual(field, value)
	case OpContains:
		return contains(field, value)
	case OpNotContains:
		return !contains(field, value)
	case OpStartsWith:
		return field != nil && strings.HasPrefix(lower(field), lower(value))
	case OpEndsWith:
		return field != nil && strings.HasSuffix(lower(field), lower(value))
	case OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual:
		return compareNumeric(op, field, value)
	case OpIsEmpty:
		return isEmpty(field)
	case OpIsNotEmpty:
		return !isEmpty(field)
	case OpIsTrue:
		return isTrue(field)
	case OpIsFalse:
		return isFalse(field)
	default:
		e.logger.Warn("unknown condition operator", "operator", c.Operator, "field", c.Field)
		return false
	}
}

// EvaluatePath combines the conditions of p with its logic operator. An
// empty path passes. A CEL expression on the path counts as one more
// condition; evaluation errors count as false.
func (e *Evaluator) EvaluatePath(ctx context.Context, p schema.ConditionalPath, data map[string]any) bool {
	results := make([]bool, 0, len(p.Conditions)+1)
	for _, c := range p.Conditions {
		results = append(results, e.EvaluateCondition(c, data))
	}
	if strings.TrimSpace(p.Expression) != "" {
		results = append(results, e.evaluateExpression(ctx, p, data))
	}
	if len(results) == 0 {
		return true
	}

	if strings.EqualFold(strings.TrimSpace(p.LogicOperator), schema.LogicOr) {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateExpression(ctx context.Context, p schema.ConditionalPath, data map[string]any) bool {
	if e.cel == nil {
		e.logger.Warn("path expression ignored: no CEL engine", "path", p.ID)
		return false
	}
	ok, err := e.cel.EvaluateBool(ctx, p.Expression, data)
	if err != nil {
		e.logger.Warn("path expression failed", "path", p.ID, "error", err)
		return false
	}
	return ok
}

// fieldValue reads the compared value. Templates resolve against data; plain
// names are paths into data, falling back to a literal key containing dots.
func (e *Evaluator) fieldValue(field string, data map[string]any) any {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil
	}
	if strings.Contains(field, "{{") {
		return e.resolver.Resolve(field, expressions.Context(data))
	}
	if v, ok := data[field]; ok {
		return v
	}
	v, _ := e.resolver.Lookup(field, expressions.Context(data))
	return v
}

func lower(v any) string {
	return strings.ToLower(expressions.Stringify(v))
}

// toNumber coerces numbers and numeric strings. Booleans are not numbers.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func isNumberType(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32, uint, uint64:
		return true
	}
	return false
}

// looseEqual compares numerically when either side is a number and both
// coerce, otherwise by string form. nil equals only nil.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumberType(a) || isNumberType(b) {
		af, aok := toNumber(a)
		bf, bok := toNumber(b)
		if aok && bok {
			return af == bf
		}
	}
	return expressions.Stringify(a) == expressions.Stringify(b)
}

func contains(field, value any) bool {
	switch f := field.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(strings.ToLower(f), lower(value))
	case []any:
		for _, item := range f {
			if looseEqual(item, value) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := f[expressions.Stringify(value)]
		return ok
	}

	rv := reflect.ValueOf(field)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(rv.Index(i).Interface(), value) {
				return true
			}
		}
		return false
	}
	return strings.Contains(lower(field), lower(value))
}

func compareNumeric(op string, field, value any) bool {
	a, aok := toNumber(field)
	b, bok := toNumber(value)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGreaterThan:
		return a > b
	case OpLessThan:
		return a < b
	case OpGreaterEqual:
		return a >= b
	default:
		return a <= b
	}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	if isNumberType(v) {
		n, ok := toNumber(v)
		return !ok || n == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

func isTrue(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		return s == "true" || s == "1"
	}
	n, ok := toNumber(v)
	return ok && isNumberType(v) && n == 1
}

func isFalse(v any) bool {
	switch x := v.(type) {
	case bool:
		return !x
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		return s == "false" || s == "0"
	}
	n, ok := toNumber(v)
	return ok && isNumberType(v) && n == 0
}
