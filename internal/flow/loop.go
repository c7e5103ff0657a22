package flow

import (
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// NewLoopState validates cfg and builds the state for the first call of a
// loop activation.
func NewLoopState(cfg schema.LoopConfig) (schema.LoopState, error) {
	mode := cfg.LoopMode
	if mode == "" {
		mode = schema.LoopModeItems
		if cfg.Items == nil && cfg.Count > 0 {
			mode = schema.LoopModeCount
		}
	}

	switch mode {
	case schema.LoopModeItems:
		items, err := NormalizeItems(cfg.Items)
		if err != nil {
			return schema.LoopState{}, err
		}
		batch := cfg.BatchSize
		if batch < 1 {
			batch = 1
		}
		if len(items) > 0 && batch > len(items) {
			batch = len(items)
		}
		return schema.LoopState{
			Mode:       schema.LoopModeItems,
			Items:      items,
			BatchSize:  batch,
			TotalItems: len(items),
		}, nil

	case schema.LoopModeCount:
		if cfg.Count < 1 || cfg.Count > schema.MaxLoopCount {
			return schema.LoopState{}, schema.NewErrorf(schema.ErrCodeConfiguration,
				"loop count must be between 1 and %d, got %d", schema.MaxLoopCount, cfg.Count)
		}
		step := 1.0
		if cfg.StepIncrement != nil {
			step = *cfg.StepIncrement
		}
		return schema.LoopState{
			Mode:          schema.LoopModeCount,
			Count:         cfg.Count,
			InitialValue:  cfg.InitialValue,
			StepIncrement: step,
			TotalItems:    cfg.Count,
		}, nil

	default:
		return schema.LoopState{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown loopMode %q (expected items or count)", mode)
	}
}

// NextIteration computes one iteration from state and returns it along with
// the state to persist. It returns a nil iteration once the loop is exhausted.
// An empty items loop yields exactly one terminal iteration marked Empty.
func NextIteration(state schema.LoopState) (*schema.LoopIteration, schema.LoopState) {
	if state.Finished {
		return nil, state
	}
	if state.Mode == schema.LoopModeCount {
		return nextCount(state)
	}
	return nextItems(state)
}

func nextItems(s schema.LoopState) (*schema.LoopIteration, schema.LoopState) {
	if s.TotalItems == 0 {
		s.Finished = true
		return &schema.LoopIteration{
			Iteration:          0,
			IsFirst:            true,
			IsLast:             true,
			ProgressPercentage: 100,
			TotalItems:         0,
			BatchSize:          s.BatchSize,
			Empty:              true,
		}, s
	}
	if s.CurrentIndex >= s.TotalItems {
		s.Finished = true
		return nil, s
	}

	batchSize := s.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	idx := s.CurrentIndex
	end := idx + batchSize
	if end > s.TotalItems {
		end = s.TotalItems
	}
	batch := append([]any(nil), s.Items[idx:end]...)

	it := &schema.LoopIteration{
		Iteration:          s.Iteration + 1,
		Index:              idx,
		Batch:              batch,
		IsFirst:            idx == 0,
		IsLast:             idx+batchSize >= s.TotalItems,
		ProgressPercentage: progress(idx+batchSize, s.TotalItems),
		TotalItems:         s.TotalItems,
		BatchSize:          batchSize,
	}
	if batchSize == 1 {
		it.Item = batch[0]
	}

	s.CurrentIndex = end
	s.Iteration++
	s.Finished = it.IsLast
	return it, s
}

func nextCount(s schema.LoopState) (*schema.LoopIteration, schema.LoopState) {
	if s.Iteration >= s.Count {
		s.Finished = true
		return nil, s
	}
	n := s.Iteration + 1
	counter := s.InitialValue + float64(n-1)*s.StepIncrement

	it := &schema.LoopIteration{
		Iteration:          n,
		Index:              n - 1,
		Counter:            counter,
		Item:               counter,
		IsFirst:            n == 1,
		IsLast:             n == s.Count,
		ProgressPercentage: progress(n, s.Count),
		TotalItems:         s.Count,
	}

	s.Iteration = n
	s.CurrentIndex = n
	s.Finished = it.IsLast
	return it, s
}

func progress(done, total int) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	if p > 100 {
		p = 100
	}
	return p
}

// NormalizeItems turns the items input of a loop into a list:
//   - arrays are used as is
//   - JSON strings are decoded and normalized again
//   - objects use their first array-valued property, else their entries
//     as {key, value} pairs; Go maps keep no insertion order, so "first"
//     means first in sorted key order, and entries come out sorted too
//   - nil and "" are empty; any other scalar is wrapped
func NormalizeItems(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return []any{}, nil
		}
		if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
			var decoded any
			if err := xjson.Unmarshal([]byte(s), &decoded); err == nil {
				return NormalizeItems(decoded)
			}
		}
		return []any{x}, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if arr, ok := asSlice(x[k]); ok {
				return arr, nil
			}
		}
		pairs := make([]any, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, map[string]any{"key": k, "value": x[k]})
		}
		return pairs, nil
	}

	if arr, ok := asSlice(v); ok {
		return arr, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return NormalizeItems(m)
	}
	return []any{v}, nil
}

func asSlice(v any) ([]any, bool) {
	if arr, ok := v.([]any); ok {
		return arr, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
