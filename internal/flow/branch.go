package flow

import (
	"context"

	"github.com/rendis/chainflow/internal/conditions"
	"github.com/rendis/chainflow/pkg/schema"
)

// EvaluateFilter checks the first conditional path of cfg. Top-level
// conditions are used when no paths are configured.
func EvaluateFilter(ctx context.Context, ev *conditions.Evaluator, cfg schema.FilterConfig, data map[string]any) (bool, schema.ConditionalPath) {
	path := schema.ConditionalPath{Conditions: cfg.Conditions, LogicOperator: cfg.LogicOperator}
	if len(cfg.Paths) > 0 {
		path = cfg.Paths[0]
	}
	return ev.EvaluatePath(ctx, path, data), path
}

// SelectBranches evaluates paths in order. Without fanOut only the first
// match is active; with fanOut (router mode "all") every match is. When none
// match the default path is active if configured, otherwise no label is.
func SelectBranches(ctx context.Context, ev *conditions.Evaluator, cfg schema.BranchConfig, fanOut bool, data map[string]any) ([]string, bool) {
	if fanOut && cfg.Mode == schema.RouterModeFirst {
		fanOut = false
	}

	var labels []string
	for _, p := range cfg.Paths {
		if !ev.EvaluatePath(ctx, p, data) {
			continue
		}
		labels = append(labels, pathLabel(p))
		if !fanOut {
			break
		}
	}
	if len(labels) > 0 {
		return labels, true
	}
	if cfg.DefaultPath != "" {
		return []string{cfg.DefaultPath}, false
	}
	return []string{}, false
}

func pathLabel(p schema.ConditionalPath) string {
	if p.ID != "" {
		return p.ID
	}
	return p.Name
}

// ValidateBranchConfig checks path ids are present and unique and the router mode is known.
func ValidateBranchConfig(cfg schema.BranchConfig) *schema.FlowError {
	seen := make(map[string]bool, len(cfg.Paths))
	for i, p := range cfg.Paths {
		label := pathLabel(p)
		if label == "" {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "paths[%d] has no id", i)
		}
		if seen[label] {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate path id %q", label)
		}
		seen[label] = true
	}
	if cfg.Mode != "" && cfg.Mode != schema.RouterModeAll && cfg.Mode != schema.RouterModeFirst {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "unknown router mode %q", cfg.Mode)
	}
	return nil
}
