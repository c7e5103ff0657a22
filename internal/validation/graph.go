package validation

import (
	"fmt"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/pkg/schema"
)

// validateGraph runs the engine's graph parser, so a definition that passes
// here is one the engine accepts, and then reports structural smells.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	g, err := engine.ParseGraph(def)
	if err != nil {
		code := schema.CodeOf(err)
		if code == "" {
			code = schema.ErrCodeValidation
		}
		result.AddError("edges", code, message(err))
		return result
	}

	for _, id := range g.Order {
		if id != g.Trigger && !g.IsAncestor(g.Trigger, id) {
			result.AddWarning("nodes", schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from trigger %q", id, g.Trigger))
		}
	}

	for _, id := range g.Order {
		n := g.Nodes[id]
		switch n.Type {
		case schema.NodeLoop:
			if len(g.LoopBody(id)) == 0 {
				result.AddWarning("edges", schema.ErrCodeValidation,
					fmt.Sprintf("loop %q has no body edges", id))
			}
		case schema.NodeHumanApproval:
			if !g.HasEdge(id, schema.LabelRejected) {
				result.AddWarning("edges", schema.ErrCodeValidation,
					fmt.Sprintf("approval %q has no %q edge, a rejection stops the run", id, schema.LabelRejected))
			}
		}
	}
	return result
}
