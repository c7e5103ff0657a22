package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/chainflow/internal/conditions"
	"github.com/rendis/chainflow/internal/flow"
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// HandlerLookup reports whether a provider node type is registered.
// *dispatch.Registry satisfies it.
type HandlerLookup interface {
	Has(nodeType string) bool
}

// validateSemantic checks node configs and retry policies. Config values
// holding {{references}} are only known at run time and are skipped.
func validateSemantic(def *schema.WorkflowDefinition, lookup HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if !n.Type.IsBuiltin() && lookup != nil && !lookup.Has(string(n.Type)) {
			result.AddError(path+".type", schema.ErrCodeConfiguration,
				fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
		}
		if n.Retry != nil {
			validateRetry(n, path+".retry", result)
		}

		cfgPath := path + ".config"
		switch n.Type {
		case schema.NodeFilter:
			validateFilter(n, cfgPath, result)
		case schema.NodePath, schema.NodeRouter:
			validateBranch(n, cfgPath, result)
		case schema.NodeLoop:
			validateLoop(n, cfgPath, result)
		case schema.NodeWaitForTime:
			validateWaitForTime(n, cfgPath, result)
		case schema.NodeWaitForEvent, schema.NodeHumanApproval:
			if raw, ok := n.Config["timeout"].(string); ok && !hasRef(raw) {
				if _, err := time.ParseDuration(raw); err != nil {
					result.AddError(cfgPath+".timeout", schema.ErrCodeConfiguration,
						fmt.Sprintf("node %q: invalid timeout %q", n.ID, raw))
				}
			}
		}
	}
	return result
}

func validateRetry(n *schema.Node, path string, result *schema.ValidationResult) {
	r := n.Retry
	if n.Type.IsTrigger() || n.Type.IsSuspension() {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("retry has no effect on %s node %q", n.Type, n.ID))
	}
	for field, raw := range map[string]string{"delay": r.Delay, "maxDelay": r.MaxDelay} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			result.AddError(path+"."+field, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", raw))
		}
	}
	if r.MaxAttempts > 1 && r.Delay == "" && r.Backoff != "" && r.Backoff != "none" {
		result.AddWarning(path+".delay", schema.ErrCodeValidation,
			fmt.Sprintf("%s backoff without delay retries immediately", r.Backoff))
	}
}

func validateFilter(n *schema.Node, path string, result *schema.ValidationResult) {
	var cfg schema.FilterConfig
	if !decode(n, path, &cfg, result) {
		return
	}
	if len(cfg.Paths) == 0 && len(cfg.Conditions) == 0 {
		result.AddError(path, schema.ErrCodeConfiguration,
			fmt.Sprintf("filter %q needs conditions or paths", n.ID))
	}
	checkConditions(cfg.Conditions, path+".conditions", result)
	checkLogic(cfg.LogicOperator, path+".logicOperator", result)
	for i, p := range cfg.Paths {
		checkPath(p, fmt.Sprintf("%s.paths[%d]", path, i), result)
	}
}

func validateBranch(n *schema.Node, path string, result *schema.ValidationResult) {
	var cfg schema.BranchConfig
	if !decode(n, path, &cfg, result) {
		return
	}
	if len(cfg.Paths) == 0 {
		result.AddError(path+".paths", schema.ErrCodeConfiguration,
			fmt.Sprintf("%s %q needs at least one path", n.Type, n.ID))
		return
	}
	if ferr := flow.ValidateBranchConfig(cfg); ferr != nil {
		result.AddError(path, schema.ErrCodeConfiguration, fmt.Sprintf("%s %q: %s", n.Type, n.ID, ferr.Message))
	}
	if n.Type == schema.NodePath && cfg.Mode != "" {
		result.AddWarning(path+".mode", schema.ErrCodeValidation, "mode only applies to router nodes")
	}
	for i, p := range cfg.Paths {
		checkPath(p, fmt.Sprintf("%s.paths[%d]", path, i), result)
	}
}

func validateLoop(n *schema.Node, path string, result *schema.ValidationResult) {
	if anyRef(n.Config) {
		return
	}
	var cfg schema.LoopConfig
	if !decode(n, path, &cfg, result) {
		return
	}
	if cfg.LoopMode == schema.LoopModeItems && cfg.Items == nil {
		result.AddError(path+".items", schema.ErrCodeConfiguration,
			fmt.Sprintf("loop %q in items mode needs items", n.ID))
		return
	}
	if _, err := flow.NewLoopState(cfg); err != nil {
		result.AddError(path, schema.ErrCodeConfiguration, fmt.Sprintf("loop %q: %s", n.ID, message(err)))
	}
}

func validateWaitForTime(n *schema.Node, path string, result *schema.ValidationResult) {
	if anyRef(n.Config) {
		return
	}
	var cfg schema.WaitForTimeConfig
	if !decode(n, path, &cfg, result) {
		return
	}
	if _, err := flow.WaitUntil(cfg, time.Now()); err != nil {
		result.AddError(path, schema.ErrCodeConfiguration, fmt.Sprintf("wait_for_time %q: %s", n.ID, message(err)))
	}
}

func checkPath(p schema.ConditionalPath, path string, result *schema.ValidationResult) {
	if len(p.Conditions) == 0 && p.Expression == "" {
		result.AddWarning(path, schema.ErrCodeValidation, "path without conditions or expression never matches")
	}
	checkConditions(p.Conditions, path+".conditions", result)
	checkLogic(p.LogicOperator, path+".logicOperator", result)
}

func checkConditions(cs []schema.Condition, path string, result *schema.ValidationResult) {
	for i, c := range cs {
		at := fmt.Sprintf("%s[%d]", path, i)
		if c.Field == "" {
			result.AddError(at+".field", schema.ErrCodeConfiguration, "condition field is required")
		}
		if !conditions.KnownOperator(c.Operator) {
			result.AddError(at+".operator", schema.ErrCodeConfiguration,
				fmt.Sprintf("unknown operator %q", c.Operator))
		}
	}
}

func checkLogic(op, path string, result *schema.ValidationResult) {
	switch strings.ToLower(op) {
	case "", schema.LogicAnd, schema.LogicOr:
	default:
		result.AddError(path, schema.ErrCodeConfiguration, fmt.Sprintf("unknown logic operator %q", op))
	}
}

func decode(n *schema.Node, path string, out any, result *schema.ValidationResult) bool {
	if err := xjson.Convert(n.Config, out); err != nil {
		result.AddError(path, schema.ErrCodeConfiguration, fmt.Sprintf("node %q: malformed config: %v", n.ID, err))
		return false
	}
	return true
}

func hasRef(s string) bool { return strings.Contains(s, "{{") }

func anyRef(v any) bool {
	switch t := v.(type) {
	case string:
		return hasRef(t)
	case map[string]any:
		for _, x := range t {
			if anyRef(x) {
				return true
			}
		}
	case []any:
		for _, x := range t {
			if anyRef(x) {
				return true
			}
		}
	}
	return false
}

func message(err error) string {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe.Message
	}
	return err.Error()
}
